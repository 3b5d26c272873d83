// Package config loads and validates the controller's TOML
// configuration: the HTTP listen address, engine tuning, history store
// location, program library directory, telemetry settings and the
// device table the registry is populated from at startup.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/Aehmlo/deoxy/pkg/telemetry"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "20ms" or "2s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the configured value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full controller configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Engine    EngineConfig    `toml:"engine"`
	Store     StoreConfig     `toml:"store"`
	Library   LibraryConfig   `toml:"library"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	GPIO      GPIOConfig      `toml:"gpio"`
	Devices   []DeviceConfig  `toml:"devices" validate:"required,min=1,dive"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8045".
	Addr string `toml:"addr" validate:"required"`

	// ReadHeaderTimeout bounds header reads on inbound connections.
	ReadHeaderTimeout Duration `toml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// EngineConfig tunes the run engine.
type EngineConfig struct {
	// PollInterval is the sensor-threshold poll cadence.
	PollInterval Duration `toml:"poll_interval"`
}

// StoreConfig configures the run-history store. An empty path disables
// durable history.
type StoreConfig struct {
	Path string `toml:"path"`
}

// LibraryConfig configures the watched program-definition directory. An
// empty dir disables the library.
type LibraryConfig struct {
	Dir string `toml:"dir"`
}

// GPIOConfig configures the hardware driver layer.
type GPIOConfig struct {
	// SysfsRoot overrides the GPIO sysfs root, mainly for tests.
	SysfsRoot string `toml:"sysfs_root"`
}

// TelemetryConfig mirrors the telemetry package's configuration in
// TOML shape.
type TelemetryConfig struct {
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
	Tracing TracingConfig `toml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `toml:"format" validate:"omitempty,oneof=console json"`
	Output string `toml:"output"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	Exporter     string  `toml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `toml:"endpoint"`
	SamplingRate float64 `toml:"sampling_rate" validate:"gte=0,lte=1"`
}

// DeviceConfig describes one hardware device. The driver selects the
// backing implementation: "gpio" drives real pins, "stub" is an
// in-memory fake for development off the bench.
type DeviceConfig struct {
	ID         string `toml:"id" validate:"required"`
	Name       string `toml:"name"`
	Capability string `toml:"capability" validate:"required,oneof=pump valve sensor"`
	Driver     string `toml:"driver" validate:"required,oneof=gpio stub"`

	// Pump: the four H-bridge corner pins and the direction-reversal
	// settle delay.
	Pins        []int    `toml:"pins"`
	SettleDelay Duration `toml:"settle_delay"`

	// Valve: the servo signal pin and its pulse calibration.
	Pin      int      `toml:"pin"`
	MinPulse Duration `toml:"min_pulse"`
	MaxPulse Duration `toml:"max_pulse"`
	Period   Duration `toml:"period"`

	// Sensor: the kernel value file, scale factor and reading unit.
	// Unit is also required for stub sensors so readings carry the
	// right dimension.
	Path  string  `toml:"path"`
	Scale float64 `toml:"scale"`
	Unit  string  `toml:"unit"`

	// Reading seeds a stub sensor with a fixed reading, in Unit.
	Reading float64 `toml:"reading"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	cfg := defaults()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8045",
			ReadHeaderTimeout: Duration(5 * time.Second),
			ShutdownTimeout:   Duration(10 * time.Second),
		},
		Engine: EngineConfig{
			PollInterval: Duration(250 * time.Millisecond),
		},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "console",
				Output: "stderr",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "deoxy",
			},
			Tracing: TracingConfig{
				Exporter:     "stdout",
				SamplingRate: 1.0,
			},
		},
	}
}

// Validate checks structural validity plus the per-driver requirements
// the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine poll_interval must be positive")
	}

	seen := make(map[string]bool)
	for i, dev := range c.Devices {
		if seen[dev.ID] {
			return fmt.Errorf("devices[%d]: duplicate device id %q", i, dev.ID)
		}
		seen[dev.ID] = true
		if err := dev.validate(); err != nil {
			return fmt.Errorf("devices[%d] (%s): %w", i, dev.ID, err)
		}
	}
	return nil
}

func (d *DeviceConfig) validate() error {
	switch d.Capability {
	case "pump":
		if d.Driver == "gpio" && len(d.Pins) != 4 {
			return fmt.Errorf("gpio pump needs exactly 4 pins, got %d", len(d.Pins))
		}
	case "valve":
		if d.Driver == "gpio" {
			if d.MinPulse <= 0 || d.MaxPulse <= d.MinPulse {
				return fmt.Errorf("gpio valve needs 0 < min_pulse < max_pulse")
			}
			if d.Period <= 0 {
				return fmt.Errorf("gpio valve needs a positive period")
			}
		}
	case "sensor":
		if d.Unit == "" {
			return fmt.Errorf("sensor needs a unit")
		}
		if d.Driver == "gpio" && d.Path == "" {
			return fmt.Errorf("gpio sensor needs a path")
		}
	}
	return nil
}

// TelemetryConfig converts the TOML telemetry section into the
// telemetry package's configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceVersion = version
	tel.Logging.Level = c.Telemetry.Logging.Level
	tel.Logging.Format = c.Telemetry.Logging.Format
	if c.Telemetry.Logging.Output != "" {
		tel.Logging.Output = c.Telemetry.Logging.Output
	}
	tel.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	if c.Telemetry.Metrics.Namespace != "" {
		tel.Metrics.Namespace = c.Telemetry.Metrics.Namespace
	}
	tel.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tel.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tel.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tel.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	return tel
}
