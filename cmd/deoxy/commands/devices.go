package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Aehmlo/deoxy/pkg/config"
	"github.com/Aehmlo/deoxy/pkg/device"
)

func newDevicesCommand() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the configured devices",
		Long: `List every device in the config file with its capability and driver.

With --probe the configured drivers are opened and each sensor is read
once, so a bench setup can be checked end to end before serving.`,
		Example: `  # List devices from the default config
  deoxy devices

  # Open the drivers and read each sensor once
  deoxy devices --probe`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			type deviceInfo struct {
				ID         string `json:"id"`
				Name       string `json:"name"`
				Capability string `json:"capability"`
				Driver     string `json:"driver"`
				Reading    string `json:"reading,omitempty"`
				Error      string `json:"error,omitempty"`
			}

			infos := make([]deviceInfo, 0, len(cfg.Devices))
			for _, dc := range cfg.Devices {
				infos = append(infos, deviceInfo{
					ID:         dc.ID,
					Name:       dc.Name,
					Capability: dc.Capability,
					Driver:     dc.Driver,
				})
			}

			if probe {
				devices, stop, err := config.BuildDevices(cfg)
				if err != nil {
					return err
				}
				defer stop()

				byID := make(map[string]*device.Device, len(devices))
				for _, d := range devices {
					byID[d.ID] = d
				}
				for i := range infos {
					d := byID[infos[i].ID]
					if d == nil || d.Capability != device.CapabilitySensor {
						continue
					}
					reading, err := d.Read(cmd.Context())
					if err != nil {
						infos[i].Error = err.Error()
						continue
					}
					infos[i].Reading = reading.String()
				}
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{"devices": infos})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCAPABILITY\tDRIVER\tREADING")
			for _, info := range infos {
				reading := info.Reading
				if info.Error != "" {
					reading = "error: " + info.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.ID, info.Name, info.Capability, info.Driver, reading)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "open the drivers and read each sensor once")

	return cmd
}
