package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLoggerFieldHelpers(t *testing.T) {
	var buf strings.Builder
	base := zerolog.New(&buf)

	log := WithDeviceID(WithRunID(ComponentLogger(base, "runner"), "run-1"), "pump-1")
	log.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"component":"runner"`, `"run_id":"run-1"`, `"device_id":"pump-1"`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// None of these may panic on a disabled instance or a nil pointer.
	for _, m := range []*Metrics{m, nil} {
		m.RunStarted()
		m.RunFinished("completed", time.Second)
		m.StepFinished("actuate", time.Second)
		m.Actuation("pump-1")
		m.SensorRead("sensor-1")
		m.FaultRecorded("timeout")
		m.LeasesHeld(2)
		m.LeasesHeld(-2)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}
}

func TestMetricsRecordsAndExposes(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "deoxy"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RunStarted()
	m.RunFinished("completed", 90*time.Second)
	m.StepFinished("actuate", time.Second)
	m.Actuation("pump-1")
	m.SensorRead("sensor-1")
	m.FaultRecorded("timeout")
	m.LeasesHeld(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("handler status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"deoxy_runs_started_total 1",
		`deoxy_runs_completed_total{status="completed"} 1`,
		`deoxy_device_actuations_total{device_id="pump-1"} 1`,
		`deoxy_sensor_reads_total{device_id="sensor-1"} 1`,
		`deoxy_faults_total{class="timeout"} 1`,
		"deoxy_device_leases_held 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"tracing disabled skips exporter check", func(c *Config) {
			c.Tracing.Enabled = false
			c.Tracing.Exporter = "jaeger"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
