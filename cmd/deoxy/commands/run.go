package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/Aehmlo/deoxy/pkg/config"
	"github.com/Aehmlo/deoxy/pkg/engine"
	"github.com/Aehmlo/deoxy/pkg/library"
	"github.com/Aehmlo/deoxy/pkg/registry"
	"github.com/Aehmlo/deoxy/pkg/stores"
	"github.com/Aehmlo/deoxy/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <program.toml>",
		Short: "Run a single program to completion",
		Long: `Compile one program definition against the configured devices and run
it to completion, without starting the HTTP API.

An interrupt cancels the run: actuations stop at the current step and
every device lease is released before the command exits.`,
		Example: `  # Run a buffer exchange on the bench hardware
  deoxy run programs/exchange.toml

  # Run against a stub config for a dry rehearsal
  deoxy run --config stub.toml programs/exchange.toml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			tcfg := cfg.TelemetryConfig("dev")
			if verbose {
				tcfg.Logging.Level = "debug"
			}
			logger, err := telemetry.NewLogger(tcfg.Logging)
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

			var def library.Definition
			meta, err := toml.DecodeFile(args[0], &def)
			if err != nil {
				return fmt.Errorf("program %s: %w", args[0], err)
			}
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				return fmt.Errorf("program %s: unknown key %q", args[0], undecoded[0].String())
			}
			prog, err := library.Compile(&def, reg)
			if err != nil {
				return fmt.Errorf("program %s: %w", args[0], err)
			}
			reg.AddProgram(prog)

			opts := engine.Options{
				PollInterval: cfg.Engine.PollInterval.Std(),
				Logger:       logger,
			}
			if cfg.Store.Path != "" {
				store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
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
				opts.History = store
			}
			runner := engine.NewRunner(reg, opts)

			ctx := cmd.Context()
			run, err := runner.Start(ctx, prog.ID)
			if err != nil {
				return err
			}

			// Forward an interrupt as a cancellation and keep waiting:
			// Cancel returns only after the leases are released.
			go func() {
				<-ctx.Done()
				_ = runner.Cancel(context.Background(), run.ID)
			}()

			final, err := waitForRun(runner, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := json.NewEncoder(os.Stdout).Encode(map[string]any{"run": final}); err != nil {
					return err
				}
			} else {
				printRun(final)
			}

			if final.Status != engine.StatusCompleted {
				return fmt.Errorf("run %s %s", final.ID, final.Status)
			}
			return nil
		},
	}

	return cmd
}

func waitForRun(runner *engine.Runner, runID string) (*engine.Run, error) {
	ctx := context.Background()
	for {
		run, err := runner.Run(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func printRun(run *engine.Run) {
	fmt.Printf("run %s: %s (%q, %s)\n", run.ID, run.Status, run.Program.Name, run.Duration.Round(time.Millisecond))
	for _, res := range run.Results {
		line := fmt.Sprintf("  step %d: %s", res.Index, res.Action)
		if res.DeviceID != "" {
			line += " " + res.DeviceID
		}
		line += fmt.Sprintf(" (%s", res.Elapsed.Round(time.Millisecond))
		if res.FinalReading != nil {
			line += fmt.Sprintf(", %d polls, last %s", res.Polls, res.FinalReading)
		}
		line += ")"
		if res.Fault != nil {
			line += " fault: " + res.Fault.Error()
		}
		fmt.Println(line)
	}
	if run.Fault != nil {
		fmt.Printf("fault: %s\n", run.Fault.Error())
	}
}
