// Package session drives one configure-and-stream lifecycle against the rig
// controller: open the port, send the launch plan, poll telemetry into the
// history buffer, and stop.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fnm-team/rigdash/internal/history"
	"github.com/fnm-team/rigdash/internal/rig"
	"github.com/fnm-team/rigdash/internal/serialport"
	"github.com/fnm-team/rigdash/internal/timeutil"
)

// ErrInvalidState is returned when an operation is not allowed in the current state.
var ErrInvalidState = errors.New("session: invalid state")

// Locator opens the rig port. *serialport.Locator satisfies it.
type Locator interface {
	EnsureOpen(current *serialport.Handle) (*serialport.Handle, error)
}

const (
	// DefaultPollBudget bounds how long one Poll may spend draining input.
	DefaultPollBudget = 150 * time.Millisecond

	readChunk = 256
	// maxPartial drops an unterminated line that grows past this many bytes.
	maxPartial = 4096
)

// Config holds session tuning.
type Config struct {
	HistoryCapacity int
	PollBudget      time.Duration
	CommandGap      time.Duration
}

// Controller owns the session state and the port. All methods are safe to
// call from the presenter's tick goroutine and HTTP handlers concurrently;
// they are serialized on one mutex.
type Controller struct {
	mu      sync.Mutex
	locator Locator
	clock   timeutil.Clock
	cfg     Config

	state   State
	sent    bool
	params  rig.Params
	port    *serialport.Handle
	history *history.Buffer
	started time.Time
	last    int // elapsed seconds of the newest sample
	id      string
	cycles  int
	status  string

	partial []byte
	readBuf []byte
}

// New creates an Idle controller. A nil clock uses the wall clock.
func New(loc Locator, clock timeutil.Clock, cfg Config) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = history.DefaultCapacity
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = DefaultPollBudget
	}
	if cfg.CommandGap < 0 {
		cfg.CommandGap = 0
	} else if cfg.CommandGap == 0 {
		cfg.CommandGap = rig.DefaultCommandGap
	}
	return &Controller{
		locator: loc,
		clock:   clock,
		cfg:     cfg,
		history: history.New(cfg.HistoryCapacity),
		readBuf: make([]byte, readChunk),
		status:  "Waiting for Arduino data...",
	}
}

// Connect opens the port if it is not open yet. It is idempotent and cheap
// once connected, so the presenter may call it on every tick.
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensurePort()
}

// Close releases the port without touching the session state. Used on shutdown.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.port.IsOpen() {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

func (c *Controller) ensurePort() error {
	h, err := c.locator.EnsureOpen(c.port)
	if err != nil {
		c.setStatus("Serial connection failed: no rig controller port found.")
		return err
	}
	if h != c.port {
		c.port = h
		c.partial = c.partial[:0]
		c.setStatus(fmt.Sprintf("Serial connected on %s", h.Path))
	}
	return nil
}

// Start sends the launch plan for p and begins a new session. While a plan
// is already on the device it does nothing and returns nil, so a repeated
// click cannot configure the rig twice.
func (c *Controller) Start(p rig.Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sent {
		log.Printf("[session] start ignored: launch plan already sent")
		c.setStatus("Already sent to Arduino; press Stop before starting again.")
		return nil
	}
	if c.state != Idle {
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, c.state)
	}

	plan, err := rig.BuildPlan(p)
	if err != nil {
		return err
	}
	if err := c.ensurePort(); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}

	c.state = Armed
	c.params = p
	n, err := rig.SendPlan(c.port, plan, c.cfg.CommandGap, c.clock.Sleep)
	if n > 0 {
		// the device may be partially configured; only Stop clears this
		c.sent = true
	}
	if err != nil {
		c.setStatus(fmt.Sprintf("Failed to send: %v", err))
		return fmt.Errorf("session: start: %w", err)
	}
	c.sent = true

	c.history.Reset()
	c.started = c.clock.Now()
	c.last = 0
	c.cycles = 0
	c.id = uuid.NewString()
	c.partial = c.partial[:0]
	c.state = Running
	c.setStatus(fmt.Sprintf("Sent to Arduino in %s mode.", plan.Mode))
	log.Printf("[session] %s started in %s mode: %s", c.id, plan.Mode, strings.Join(plan.Strings(), " "))
	return nil
}

// Poll drains the bytes already buffered on the port, bounded by the poll
// budget, and appends every well-formed telemetry line to the history.
// It returns the samples added. Outside Running it does nothing.
//
// A read error closes the port and ends the session.
func (c *Controller) Poll() ([]rig.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Running || !c.port.IsOpen() {
		return nil, nil
	}

	var added []rig.Sample
	deadline := c.clock.Now().Add(c.cfg.PollBudget)
	for {
		n, err := c.port.Read(c.readBuf)
		if n > 0 {
			c.partial = append(c.partial, c.readBuf[:n]...)
			added = c.consumeLines(added)
		}
		if err != nil {
			path := c.port.Path
			c.abort()
			c.setStatus(fmt.Sprintf("Error reading serial: %v", err))
			return added, fmt.Errorf("session: read %s: %w", path, err)
		}
		if n == 0 || !c.clock.Now().Before(deadline) {
			break
		}
	}
	return added, nil
}

func (c *Controller) consumeLines(added []rig.Sample) []rig.Sample {
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.ToValidUTF8(string(c.partial[:i]), "")
		c.partial = c.partial[i+1:]

		s, ok := rig.Parse(line)
		if !ok {
			continue
		}
		now := c.clock.Now()
		elapsed := int(now.Sub(c.started) / time.Second)
		if elapsed < c.last {
			elapsed = c.last
		}
		c.last = elapsed
		s.Elapsed = elapsed
		s.Received = now

		if prev, ok := c.history.Latest(); ok && prev.Phase == rig.PhaseCharging && s.Phase == rig.PhaseDischarging {
			c.cycles++
		}
		c.history.Append(s)
		added = append(added, s)
	}
	if len(c.partial) > maxPartial {
		log.Printf("[session] dropping %d bytes without line terminator", len(c.partial))
		c.partial = c.partial[:0]
	}
	return added
}

// Stop halts the rig: it sends STOP when the port is open, closes the port
// and ends the session. It is a no-op unless the session is Armed or Running.
// The port is released even when the STOP write fails.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Armed && c.state != Running {
		return nil
	}

	var errs []error
	if c.port.IsOpen() {
		if err := rig.SendCommand(c.port, rig.Stop); err != nil {
			errs = append(errs, fmt.Errorf("send STOP: %w", err))
		}
		if err := c.port.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.port.Path, err))
		}
	}
	c.port = nil
	c.sent = false
	c.partial = c.partial[:0]
	c.history.RelabelLatest(rig.PhaseStopped)
	c.state = Stopped

	err := errors.Join(errs...)
	if err != nil {
		log.Printf("[session] stop: %v", err)
		c.setStatus(fmt.Sprintf("Error while closing serial: %v", err))
		return err
	}
	c.setStatus("Serial connection closed.")
	log.Printf("[session] %s stopped", c.id)
	return nil
}

// abort ends the session after a fatal I/O error.
func (c *Controller) abort() {
	if c.port != nil {
		c.port.Close()
	}
	c.port = nil
	c.sent = false
	c.partial = c.partial[:0]
	c.history.RelabelLatest(rig.PhaseStopped)
	c.state = Stopped
}

// Reset clears the history and timer after a stop and returns to Idle.
// Reset while Idle is a no-op.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Idle:
		return nil
	case Stopped:
	default:
		return fmt.Errorf("%w: cannot reset while %s", ErrInvalidState, c.state)
	}
	c.history.Reset()
	c.started = time.Time{}
	c.last = 0
	c.cycles = 0
	c.params = nil
	c.id = ""
	c.state = Idle
	c.setStatus("Session reset.")
	return nil
}

func (c *Controller) setStatus(msg string) {
	c.status = msg
	log.Printf("[session] %s", msg)
}

// Latest returns the newest sample of the session.
func (c *Controller) Latest() (rig.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Latest()
}

// History returns the retained samples, oldest first.
func (c *Controller) History() []rig.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.All()
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Running
}

// HasSent reports whether a launch plan is on the device.
func (c *Controller) HasSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Params returns the parameters of the current session, or nil.
func (c *Controller) Params() rig.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Status is the last human-readable status message.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Elapsed is the running time in whole seconds. Once stopped it is frozen
// at the newest sample's offset.
func (c *Controller) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed()
}

func (c *Controller) elapsed() int {
	if c.state == Running {
		return int(c.clock.Since(c.started) / time.Second)
	}
	if s, ok := c.history.Latest(); ok {
		return s.Elapsed
	}
	return 0
}

// Snapshot is a consistent view of the session for the presenter.
type Snapshot struct {
	ID          string      `json:"id,omitempty"`
	State       State       `json:"state"`
	Mode        string      `json:"mode,omitempty"`
	Params      rig.Params  `json:"params,omitempty"`
	Sent        bool        `json:"sent"`
	Connected   bool        `json:"connected"`
	Port        string      `json:"port,omitempty"`
	Elapsed     int         `json:"elapsed"`
	ElapsedText string      `json:"elapsedText"`
	Samples     int         `json:"samples"`
	Capacity    int         `json:"capacity"`
	Cycles      int         `json:"cycles"`
	Latest      *rig.Sample `json:"latest,omitempty"`
	Status      string      `json:"status"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		ID:        c.id,
		State:     c.state,
		Params:    c.params,
		Sent:      c.sent,
		Connected: c.port.IsOpen(),
		Elapsed:   c.elapsed(),
		Samples:   c.history.Len(),
		Capacity:  c.history.Cap(),
		Cycles:    c.cycles,
		Status:    c.status,
	}
	snap.ElapsedText = FormatElapsed(snap.Elapsed)
	if c.params != nil {
		snap.Mode = c.params.Mode().String()
	}
	if snap.Connected {
		snap.Port = c.port.Path
	}
	if s, ok := c.history.Latest(); ok {
		snap.Latest = &s
	}
	return snap
}
