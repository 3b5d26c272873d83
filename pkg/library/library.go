// Package library loads program definitions from a watched directory.
//
// Definitions are TOML files describing a named step sequence. The
// library validates each file against the registered devices, registers
// the resulting program and hot-reloads files as they change on disk.
// Because programs are immutable, an edited file registers a fresh
// program id; the previous id is retired unless an active run still
// references it.
package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/program"
	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// Catalog is the program store the library registers into. The
// registry implements it.
type Catalog interface {
	program.DeviceLookup
	AddProgram(*program.Program)
	DeleteProgram(id string) error
}

// Definition is the on-disk shape of a program file.
type Definition struct {
	Name  string    `toml:"name"`
	Steps []StepDef `toml:"steps"`
}

// StepDef is one step of a program file.
type StepDef struct {
	Device    string            `toml:"device"`
	Action    string            `toml:"action"`
	Target    quantity.Quantity `toml:"target"`
	Position  string            `toml:"position"`
	Condition ConditionDef      `toml:"condition"`
}

// ConditionDef is a step's completion condition in file form.
type ConditionDef struct {
	Kind      string             `toml:"kind"`
	Duration  quantity.Quantity  `toml:"duration"`
	Sensor    string             `toml:"sensor"`
	Operator  string             `toml:"operator"`
	Threshold quantity.Quantity  `toml:"threshold"`
	Timeout   *quantity.Quantity `toml:"timeout"`
}

// Library watches a directory of program definitions and keeps the
// catalog in sync with it.
type Library struct {
	dir     string
	catalog Catalog
	logger  zerolog.Logger

	mu      sync.Mutex
	byPath  map[string]string // file path -> registered program id
	watcher *fsnotify.Watcher
}

// New creates a library over the given directory.
func New(dir string, catalog Catalog, logger zerolog.Logger) *Library {
	return &Library{
		dir:     dir,
		catalog: catalog,
		logger:  logger.With().Str("component", "library").Logger(),
		byPath:  make(map[string]string),
	}
}

// LoadAll loads every .toml file in the directory. Files that fail to
// parse or validate are logged and skipped so one bad definition does
// not take the whole library down.
func (l *Library) LoadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read library directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("failed to load program file")
			continue
		}
		loaded++
	}

	l.logger.Info().Int("programs", loaded).Str("dir", l.dir).Msg("program library loaded")
	return nil
}

// loadFile parses, validates and registers one definition file,
// retiring the program previously registered from the same path.
func (l *Library) loadFile(path string) error {
	var def Definition
	meta, err := toml.DecodeFile(path, &def)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}

	prog, err := Compile(&def, l.catalog)
	if err != nil {
		return fmt.Errorf("compile %s: %w", path, err)
	}
	l.catalog.AddProgram(prog)

	l.mu.Lock()
	previous := l.byPath[path]
	l.byPath[path] = prog.ID
	l.mu.Unlock()

	if previous != "" {
		l.retire(previous, path)
	}

	l.logger.Info().
		Str("path", path).
		Str("program_id", prog.ID).
		Str("program", prog.Name).
		Msg("program file registered")
	return nil
}

// removeFile retires the program registered from a deleted file.
func (l *Library) removeFile(path string) {
	l.mu.Lock()
	id := l.byPath[path]
	delete(l.byPath, path)
	l.mu.Unlock()
	if id != "" {
		l.retire(id, path)
	}
}

func (l *Library) retire(id, path string) {
	if err := l.catalog.DeleteProgram(id); err != nil {
		// An active run keeps the old program alive; it stays
		// resolvable until the run finishes.
		l.logger.Warn().Err(err).
			Str("program_id", id).
			Str("path", path).
			Msg("could not retire replaced program")
	}
}

// ProgramID reports the program currently registered from a file.
func (l *Library) ProgramID(path string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byPath[path]
	return id, ok
}

// Watch starts watching the directory and reloading changed files. It
// returns once the watcher is installed; event processing runs until
// the context is cancelled.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	l.watcher = watcher

	go l.processEvents(ctx)
	l.logger.Info().Str("dir", l.dir).Msg("watching program library")
	return nil
}

// processEvents handles file system events with a debounce per file so
// editors that write in bursts trigger one reload.
func (l *Library) processEvents(ctx context.Context) {
	const reloadDelay = 200 * time.Millisecond
	timers := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".toml") {
				continue
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				path := event.Name
				if t, exists := timers[path]; exists {
					t.Stop()
				}
				timers[path] = time.AfterFunc(reloadDelay, func() {
					if err := l.loadFile(path); err != nil {
						l.logger.Warn().Err(err).Str("path", path).Msg("failed to reload program file")
					}
				})

			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				l.removeFile(event.Name)
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("library watcher error")
		}
	}
}

// Compile turns a definition into a validated program.
func Compile(def *Definition, devices program.DeviceLookup) (*program.Program, error) {
	steps := make([]program.Step, len(def.Steps))
	for i, sd := range def.Steps {
		cond := program.Condition{
			Kind:      program.ConditionKind(sd.Condition.Kind),
			Duration:  sd.Condition.Duration,
			SensorID:  sd.Condition.Sensor,
			Operator:  quantity.Operator(sd.Condition.Operator),
			Threshold: sd.Condition.Threshold,
			Timeout:   sd.Condition.Timeout,
		}
		steps[i] = program.Step{
			DeviceID:  sd.Device,
			Action:    program.ActionKind(sd.Action),
			Target:    sd.Target,
			Position:  device.ValvePosition(sd.Position),
			Condition: cond,
		}
	}
	return program.New(def.Name, steps, devices)
}
