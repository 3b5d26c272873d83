package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Aehmlo/deoxy/pkg/config"
	"github.com/Aehmlo/deoxy/pkg/library"
	"github.com/Aehmlo/deoxy/pkg/registry"
)

func newValidateCommand() *cobra.Command {
	var programsDir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and program library",
		Long: `Validate the controller configuration and every program definition in
the library directory without touching hardware.

This command checks:
  - config file syntax, unknown keys and per-device settings
  - program definition syntax
  - device references, capabilities and valve positions
  - quantity dimensions against each step's device`,
		Example: `  # Validate the default config and its library
  deoxy validate

  # Validate a bench config with a separate program directory
  deoxy validate --config bench.toml --programs ./programs`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config %s: %w", configPath, err)
			}

			// Stub out every driver so validation never opens sysfs.
			for i := range cfg.Devices {
				cfg.Devices[i].Driver = "stub"
			}
			devices, stop, err := config.BuildDevices(cfg)
			if err != nil {
				return err
			}
			defer stop()

			reg := registry.New(zerolog.Nop())
			for _, d := range devices {
				if err := reg.AddDevice(d); err != nil {
					return err
				}
			}

			dir := programsDir
			if dir == "" {
				dir = cfg.Library.Dir
			}

			type result struct {
				File  string `json:"file"`
				Name  string `json:"name,omitempty"`
				Steps int    `json:"steps,omitempty"`
				Error string `json:"error,omitempty"`
			}
			var results []result
			failures := 0

			if dir != "" {
				entries, err := os.ReadDir(dir)
				if err != nil {
					return fmt.Errorf("program library %s: %w", dir, err)
				}
				for _, entry := range entries {
					if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
						continue
					}
					path := filepath.Join(dir, entry.Name())
					res := result{File: entry.Name()}

					var def library.Definition
					meta, err := toml.DecodeFile(path, &def)
					if err == nil {
						if undecoded := meta.Undecoded(); len(undecoded) > 0 {
							err = fmt.Errorf("unknown key %q", undecoded[0].String())
						}
					}
					if err == nil {
						if _, err = library.Compile(&def, reg); err == nil {
							res.Name = def.Name
							res.Steps = len(def.Steps)
						}
					}
					if err != nil {
						res.Error = err.Error()
						failures++
					}
					results = append(results, res)
				}
			}

			if jsonOutput {
				out := map[string]any{
					"config":   configPath,
					"devices":  len(devices),
					"programs": results,
					"valid":    failures == 0,
				}
				if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
					return err
				}
			} else {
				fmt.Printf("config %s: ok (%d devices)\n", configPath, len(devices))
				for _, res := range results {
					if res.Error != "" {
						fmt.Printf("program %s: %s\n", res.File, res.Error)
						continue
					}
					fmt.Printf("program %s: ok (%q, %d steps)\n", res.File, res.Name, res.Steps)
				}
			}

			if failures > 0 {
				return fmt.Errorf("%d program definition(s) failed validation", failures)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&programsDir, "programs", "", "program library directory (overrides the config file)")

	return cmd
}
