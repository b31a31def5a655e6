// Package serialport opens the upstream byte sources the decoder reads
// from: a local serial port or a TCP connection to a relay.
package serialport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/logging"
)

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 50 * time.Millisecond

	// Auto selects the first USB serial port.
	Auto = "auto"
)

// Port is an open serial port. Read returns (0, nil) when the read
// timeout passes with no data.
type Port struct {
	name string
	port serial.Port
}

// Open opens name at baud (8N1). A zero readTimeout uses the default.
func Open(name string, baud int, readTimeout time.Duration) (*Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if name == "" || strings.EqualFold(name, Auto) {
		selected, err := AutoSelect()
		if err != nil {
			return nil, err
		}
		name = selected
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	if err := sp.SetReadTimeout(readTimeout); err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}

	logging.Info("Opened serial port",
		zap.String("port", name),
		zap.Int("baud", baud),
		zap.Duration("read_timeout", readTimeout),
	)
	return &Port{name: name, port: sp}, nil
}

// Name returns the device path.
func (p *Port) Name() string { return p.name }

func (p *Port) Read(b []byte) (int, error) { return p.port.Read(b) }

func (p *Port) Write(b []byte) (int, error) { return p.port.Write(b) }

// Close releases the device.
func (p *Port) Close() error {
	logging.Info("Closing serial port", zap.String("port", p.name))
	return p.port.Close()
}

// Info describes an enumerated port.
type Info struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// List enumerates the serial ports on this machine.
func List() ([]Info, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	out := make([]Info, 0, len(ports))
	for _, p := range ports {
		out = append(out, Info{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          strings.ToUpper(p.VID),
			PID:          strings.ToUpper(p.PID),
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return out, nil
}

// ErrNoPorts is returned by AutoSelect when no USB serial port exists.
var ErrNoPorts = errors.New("no USB serial ports found")

// AutoSelect returns the name of the first USB serial port.
func AutoSelect() (string, error) {
	ports, err := List()
	if err != nil {
		return "", err
	}
	if name, ok := firstUSB(ports); ok {
		return name, nil
	}
	return "", ErrNoPorts
}

func firstUSB(ports []Info) (string, bool) {
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, true
		}
	}
	return "", false
}
