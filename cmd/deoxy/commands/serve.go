package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Aehmlo/deoxy/pkg/config"
	"github.com/Aehmlo/deoxy/pkg/engine"
	"github.com/Aehmlo/deoxy/pkg/library"
	"github.com/Aehmlo/deoxy/pkg/registry"
	"github.com/Aehmlo/deoxy/pkg/server"
	"github.com/Aehmlo/deoxy/pkg/stores"
	"github.com/Aehmlo/deoxy/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller and its HTTP API",
		Long: `Start the controller: bring up the configured devices, load the
program library, open the run history store and serve the HTTP API
until interrupted.`,
		Example: `  # Serve with the default config file
  deoxy serve

  # Serve a bench setup on a different port
  deoxy serve --config bench.toml --addr :9045`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			tcfg := cfg.TelemetryConfig(version)
			if verbose {
				tcfg.Logging.Level = "debug"
			}
			if jsonOutput {
				tcfg.Logging.Format = "json"
			}
			logger, err := telemetry.NewLogger(tcfg.Logging)
			if err != nil {
				return err
			}
			metrics, err := telemetry.NewMetrics(tcfg.Metrics)
			if err != nil {
				return err
			}
			tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
			if err != nil {
				return err
			}

			devices, stopDevices, err := config.BuildDevices(cfg)
			if err != nil {
				return err
			}
			defer stopDevices()

			reg := registry.New(logger)
			for _, d := range devices {
				if err := reg.AddDevice(d); err != nil {
					return err
				}
			}

			var store *stores.SQLiteStore
			if cfg.Store.Path != "" {
				store, err = stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
				if err != nil {
					return err
				}
				if err := store.Init(cmd.Context()); err != nil {
					return err
				}
				if err := store.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrating run history: %w", err)
				}
				defer store.Close()
			}

			opts := engine.Options{
				PollInterval: cfg.Engine.PollInterval.Std(),
				Logger:       logger,
				Metrics:      metrics,
				Tracer:       tracer.Tracer(),
			}
			if store != nil {
				opts.History = store
			}
			runner := engine.NewRunner(reg, opts)

			ctx := cmd.Context()
			if cfg.Library.Dir != "" {
				lib := library.New(cfg.Library.Dir, reg, logger)
				if err := lib.LoadAll(); err != nil {
					return fmt.Errorf("loading program library: %w", err)
				}
				if err := lib.Watch(ctx); err != nil {
					return fmt.Errorf("watching program library: %w", err)
				}
			}

			srv := server.New(reg, runner, server.Options{
				Addr:              cfg.Server.Addr,
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
				History:           store,
				Metrics:           metrics,
				Logger:            logger,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				logger.Info().Msg("interrupt received, shutting down")
				shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
				defer cancel()
				if err := srv.Shutdown(shutCtx); err != nil {
					logger.Warn().Err(err).Msg("http shutdown did not complete cleanly")
				}
				if err := tracer.Shutdown(shutCtx); err != nil {
					logger.Warn().Err(err).Msg("tracer shutdown did not complete cleanly")
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides the config file)")

	return cmd
}
