package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/program"
	"github.com/Aehmlo/deoxy/pkg/quantity"
	"github.com/Aehmlo/deoxy/pkg/registry"
)

const exchangeProgram = `
name = "Buffer exchange"

[[steps]]
device = "valve-1"
action = "actuate"
position = "open"

[steps.condition]
kind = "duration"
duration = "2 s"

[[steps]]
device = "pump-1"
action = "actuate"
target = "5 mL/min"

[steps.condition]
kind = "threshold"
sensor = "sensor-1"
operator = ">="
threshold = "10 kPa"
timeout = "30 s"
`

func newCatalog(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	add := func(id string, cap device.Capability, dim quantity.Dimension) {
		d, err := device.New(id, id, cap, dim, device.NewStub(id))
		if err != nil {
			t.Fatalf("device %s: %v", id, err)
		}
		if err := reg.AddDevice(d); err != nil {
			t.Fatalf("add device %s: %v", id, err)
		}
	}
	add("pump-1", device.CapabilityPump, "")
	add("valve-1", device.CapabilityValve, "")
	add("sensor-1", device.CapabilitySensor, quantity.Pressure)
	return reg
}

func writeProgram(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAllRegistersPrograms(t *testing.T) {
	dir := t.TempDir()
	path := writeProgram(t, dir, "exchange.toml", exchangeProgram)
	writeProgram(t, dir, "notes.txt", "not a program")

	reg := newCatalog(t)
	lib := New(dir, reg, zerolog.Nop())
	if err := lib.LoadAll(); err != nil {
		t.Fatalf("load all: %v", err)
	}

	id, ok := lib.ProgramID(path)
	if !ok {
		t.Fatal("exchange.toml not registered")
	}
	prog, err := reg.Program(id)
	if err != nil {
		t.Fatalf("program: %v", err)
	}
	if prog.Name != "Buffer exchange" {
		t.Errorf("name = %s", prog.Name)
	}
	if len(prog.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(prog.Steps))
	}

	// The valve position resolved to an angle target.
	if got := prog.Steps[0].Target.Canonical(); got != 0 {
		t.Errorf("valve target = %v deg, want 0", got)
	}
	cond := prog.Steps[1].Condition
	if cond.Kind != program.ConditionThreshold || cond.SensorID != "sensor-1" {
		t.Errorf("condition = %+v", cond)
	}
	if cond.Timeout == nil {
		t.Fatal("timeout not parsed")
	}
	if d, err := cond.Timeout.Duration(); err != nil || d != 30*time.Second {
		t.Errorf("timeout = %v (err %v), want 30s", d, err)
	}

	if len(reg.Programs()) != 1 {
		t.Errorf("programs registered = %d, want 1", len(reg.Programs()))
	}
}

func TestLoadAllSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeProgram(t, dir, "good.toml", exchangeProgram)
	writeProgram(t, dir, "broken.toml", "name = [42]")
	writeProgram(t, dir, "unknown-device.toml", `
name = "bad"
[[steps]]
device = "mixer-9"
action = "actuate"
target = "5 mL/min"
[steps.condition]
kind = "duration"
duration = "1 s"
`)

	reg := newCatalog(t)
	lib := New(dir, reg, zerolog.Nop())
	if err := lib.LoadAll(); err != nil {
		t.Fatalf("load all: %v", err)
	}

	if len(reg.Programs()) != 1 {
		t.Errorf("programs registered = %d, want 1 (bad files skipped)", len(reg.Programs()))
	}
}

func TestReloadReplacesProgram(t *testing.T) {
	dir := t.TempDir()
	path := writeProgram(t, dir, "exchange.toml", exchangeProgram)

	reg := newCatalog(t)
	lib := New(dir, reg, zerolog.Nop())
	if err := lib.LoadAll(); err != nil {
		t.Fatalf("load all: %v", err)
	}
	oldID, _ := lib.ProgramID(path)

	writeProgram(t, dir, "exchange.toml", exchangeProgram+`
[[steps]]
action = "wait"

[steps.condition]
kind = "duration"
duration = "5 s"
`)
	if err := lib.loadFile(path); err != nil {
		t.Fatalf("reload: %v", err)
	}

	newID, _ := lib.ProgramID(path)
	if newID == oldID {
		t.Fatal("reload kept the old program id; programs are immutable")
	}
	if _, err := reg.Program(oldID); err == nil {
		t.Error("old program still registered after retirement")
	}
	prog, err := reg.Program(newID)
	if err != nil {
		t.Fatalf("new program: %v", err)
	}
	if len(prog.Steps) != 3 {
		t.Errorf("steps = %d, want 3", len(prog.Steps))
	}
}

func TestRemoveFileRetiresProgram(t *testing.T) {
	dir := t.TempDir()
	path := writeProgram(t, dir, "exchange.toml", exchangeProgram)

	reg := newCatalog(t)
	lib := New(dir, reg, zerolog.Nop())
	if err := lib.LoadAll(); err != nil {
		t.Fatalf("load all: %v", err)
	}
	id, _ := lib.ProgramID(path)

	lib.removeFile(path)
	if _, ok := lib.ProgramID(path); ok {
		t.Error("removed file still tracked")
	}
	if _, err := reg.Program(id); err == nil {
		t.Error("program still registered after file removal")
	}
}

func TestWatchPicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	reg := newCatalog(t)
	lib := New(dir, reg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := lib.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	path := writeProgram(t, dir, "late.toml", exchangeProgram)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := lib.ProgramID(path); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("new program file was never picked up")
}
