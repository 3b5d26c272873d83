// Package gpio implements the hardware driver backend for the deoxy
// controller against the Linux sysfs GPIO and IIO interfaces. It
// provides the three concrete drivers selected by configuration: a
// software-PWM servo valve, an H-bridge pump and a file-backed sensor.
//
// The package takes the sysfs root as a parameter so tests can exercise
// the drivers against a scratch directory instead of real hardware.
package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultSysfsRoot is the standard Linux GPIO sysfs mount point.
const DefaultSysfsRoot = "/sys/class/gpio"

// Pin is a single exported GPIO output pin.
type Pin struct {
	// Number is the kernel GPIO number.
	Number int

	root string
}

// OpenPin exports the given GPIO number under root and configures it as
// an output. Exporting an already exported pin is not an error.
func OpenPin(root string, number int) (*Pin, error) {
	p := &Pin{Number: number, root: root}
	dir := p.dir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(number)), 0o644); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", number, err)
		}
		// The kernel needs a moment to create the pin directory.
		for i := 0; i < 10; i++ {
			if _, err := os.Stat(dir); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("out"), 0o644); err != nil {
		return nil, fmt.Errorf("set direction of gpio %d: %w", number, err)
	}
	return p, nil
}

// Set drives the pin high or low.
func (p *Pin) Set(high bool) error {
	v := "0"
	if high {
		v = "1"
	}
	if err := os.WriteFile(filepath.Join(p.dir(), "value"), []byte(v), 0o644); err != nil {
		return fmt.Errorf("set gpio %d: %w", p.Number, err)
	}
	return nil
}

// Close unexports the pin, releasing it back to the kernel.
func (p *Pin) Close() error {
	if err := os.WriteFile(filepath.Join(p.root, "unexport"), []byte(strconv.Itoa(p.Number)), 0o644); err != nil {
		return fmt.Errorf("unexport gpio %d: %w", p.Number, err)
	}
	return nil
}

func (p *Pin) dir() string {
	return filepath.Join(p.root, fmt.Sprintf("gpio%d", p.Number))
}
