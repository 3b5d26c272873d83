// Package server exposes the controller's HTTP API: device inspection,
// program management, run control and history access.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/engine"
	"github.com/Aehmlo/deoxy/pkg/program"
	"github.com/Aehmlo/deoxy/pkg/quantity"
	"github.com/Aehmlo/deoxy/pkg/registry"
	"github.com/Aehmlo/deoxy/pkg/stores"
	"github.com/Aehmlo/deoxy/pkg/telemetry"
)

// Options configures a Server.
type Options struct {
	// Addr is the listen address.
	Addr string

	// ReadHeaderTimeout bounds header reads on inbound connections.
	ReadHeaderTimeout time.Duration

	// History serves recorded runs. May be nil when durable history is
	// disabled.
	History *stores.SQLiteStore

	// Metrics serves the /metrics endpoint. May be nil.
	Metrics *telemetry.Metrics

	// Logger receives request logs.
	Logger zerolog.Logger
}

// Server is the HTTP control surface over the registry and run engine.
type Server struct {
	registry *registry.Registry
	runner   *engine.Runner
	history  *stores.SQLiteStore
	logger   zerolog.Logger
	http     *http.Server
}

// New builds the server and its routes.
func New(reg *registry.Registry, runner *engine.Runner, opts Options) *Server {
	s := &Server{
		registry: reg,
		runner:   runner,
		history:  opts.History,
		logger:   opts.Logger.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", opts.Metrics.Handler())

	mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)

	mux.HandleFunc("GET /api/v1/programs", s.handleListPrograms)
	mux.HandleFunc("POST /api/v1/programs", s.handleCreateProgram)
	mux.HandleFunc("GET /api/v1/programs/{id}", s.handleGetProgram)
	mux.HandleFunc("DELETE /api/v1/programs/{id}", s.handleDeleteProgram)

	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/v1/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /api/v1/history", s.handleListHistory)
	mux.HandleFunc("GET /api/v1/history/{id}", s.handleGetHistory)

	readHeaderTimeout := opts.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe serves until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// deviceView is a device with its live state attached.
type deviceView struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Capability device.Capability  `json:"capability"`
	Reads      quantity.Dimension `json:"reads,omitempty"`
	LeasedBy   string             `json:"leased_by,omitempty"`
	Reading    *quantity.Quantity `json:"reading,omitempty"`
	ReadError  string             `json:"read_error,omitempty"`
}

func (s *Server) deviceView(ctx context.Context, d *device.Device) deviceView {
	view := deviceView{
		ID:         d.ID,
		Name:       d.Name,
		Capability: d.Capability,
		Reads:      d.ReadsDimension,
	}
	if holder, held := s.registry.LeaseHolder(d.ID); held {
		view.LeasedBy = holder
	}
	if d.Capability == device.CapabilitySensor {
		reading, err := d.Read(ctx)
		if err != nil {
			view.ReadError = err.Error()
		} else {
			view.Reading = &reading
		}
	}
	return view
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.Devices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.deviceView(r.Context(), d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.registry.Device(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": s.deviceView(r.Context(), d)})
}

func (s *Server) handleListPrograms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"programs": s.registry.Programs()})
}

// createProgramRequest is the POST body for program creation. Steps use
// the program's JSON shape; quantities travel as "<magnitude> <unit>"
// strings.
type createProgramRequest struct {
	Name  string         `json:"name"`
	Steps []program.Step `json:"steps"`
}

func (s *Server) handleCreateProgram(w http.ResponseWriter, r *http.Request) {
	var req createProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	prog, err := program.New(req.Name, req.Steps, s.registry)
	if err != nil {
		var verr *program.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": verr.Error(),
				"step":  verr.Step,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.registry.AddProgram(prog)
	writeJSON(w, http.StatusCreated, map[string]any{"program": prog})
}

func (s *Server) handleGetProgram(w http.ResponseWriter, r *http.Request) {
	prog, err := s.registry.Program(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"program": prog})
}

func (s *Server) handleDeleteProgram(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteProgram(r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.registry.Runs()})
}

type startRunRequest struct {
	ProgramID string `json:"program_id"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.ProgramID == "" {
		writeError(w, http.StatusBadRequest, "program_id is required")
		return
	}

	run, err := s.runner.Start(r.Context(), req.ProgramID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runner.Cancel(r.Context(), id); err != nil {
		writeFault(w, err)
		return
	}
	run, err := s.runner.Run(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is not configured")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	records, err := s.history.ListRuns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": records})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is not configured")
		return
	}

	record, err := s.history.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": record})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// writeFault maps engine fault classes onto HTTP statuses.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case engine.IsBusy(err):
		status = http.StatusConflict
	case engine.IsValidation(err):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
