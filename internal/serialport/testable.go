package serialport

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// TestablePort implements Port with configurable behaviour for testing.
// An empty read buffer behaves like an expired read timeout: (0, nil).
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// MaxRead caps the bytes returned by a single Read (0 = unlimited)
	MaxRead int

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// FailWriteCall makes the Nth Write call (1-based) fail with FailWriteErr
	FailWriteCall int
	FailWriteErr  error

	// CloseError is returned by Close if set
	CloseError error

	Closed      bool
	ReadCalls   int
	WriteCalls  int
	ResetCalls  int
	ReadTimeout time.Duration

	// OnRead runs before each Read without the lock held, e.g. to advance a clock
	OnRead func()
}

var _ Port = (*TestablePort)(nil)

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

func (t *TestablePort) Read(p []byte) (int, error) {
	if t.OnRead != nil {
		t.OnRead()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	if t.MaxRead > 0 && len(p) > t.MaxRead {
		p = p[:t.MaxRead]
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.FailWriteCall > 0 && t.WriteCalls == t.FailWriteCall {
		err := t.FailWriteErr
		if err == nil {
			err = errors.New("write failed")
		}
		return 0, err
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

func (t *TestablePort) SetReadTimeout(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = d
	return nil
}

func (t *TestablePort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ResetCalls++
	t.ReadBuffer.Reset()
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *TestablePort) AddReadData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.WriteString(data)
}

// WrittenLines returns every newline-terminated line written so far.
func (t *TestablePort) WrittenLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSuffix(t.WriteBuffer.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// IsClosed reports whether Close was called.
func (t *TestablePort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// StaticOpener returns an Opener that hands out port for every path and
// records the paths it was asked for.
func StaticOpener(port Port, opened *[]string) Opener {
	return func(path string, _ *serial.Mode) (Port, error) {
		if opened != nil {
			*opened = append(*opened, path)
		}
		return port, nil
	}
}
