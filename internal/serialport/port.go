// Package serialport locates, opens and owns the serial link to the rig controller.
package serialport

import (
	"errors"
	"io"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the rate the rig firmware is flashed with.
const DefaultBaudRate = 115200

// Port is the subset of go.bug.st/serial.Port the dashboard relies on.
// serial.Port satisfies it; tests and the demo rig provide in-memory versions.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds every Read; a timeout returns (0, nil).
	SetReadTimeout(t time.Duration) error
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
}

// Opener opens the port at path with the given mode.
type Opener func(path string, mode *serial.Mode) (Port, error)

// SerialOpener opens a real serial device.
func SerialOpener(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// serialMode is the 8N1 framing the rig controller uses.
func serialMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// ErrClosed is returned by a Handle after Close.
var ErrClosed = errors.New("serialport: port closed")

// Handle is an open, exclusively owned connection to the rig. It is not safe
// for concurrent use; the session controller is its only user.
type Handle struct {
	Path        string
	BaudRate    int
	ReadTimeout time.Duration

	port   Port
	closed bool
}

// IsOpen reports whether h refers to a port that has not been closed.
func (h *Handle) IsOpen() bool {
	return h != nil && !h.closed && h.port != nil
}

func (h *Handle) Read(p []byte) (int, error) {
	if !h.IsOpen() {
		return 0, ErrClosed
	}
	return h.port.Read(p)
}

func (h *Handle) Write(p []byte) (int, error) {
	if !h.IsOpen() {
		return 0, ErrClosed
	}
	return h.port.Write(p)
}

// Close releases the port. Closing twice is a no-op.
func (h *Handle) Close() error {
	if !h.IsOpen() {
		return nil
	}
	h.closed = true
	return h.port.Close()
}
