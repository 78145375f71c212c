package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/fnm-team/rigdash/internal/rig"
	"github.com/fnm-team/rigdash/internal/timeutil"
)

// DemoPath is the pseudo device path the demo rig answers on.
const DemoPath = "demo://rig"

// DemoRig simulates the rig controller for development and testing. It reads
// the launch plan written to it and answers with telemetry lines at a fixed
// interval: a random-walk voltage between the configured minimum and peak in
// Decoupled mode, and timed charge/discharge alternation in CDI and Custom.
type DemoRig struct {
	mu    sync.Mutex
	clock timeutil.Clock
	rnd   *rand.Rand

	interval    time.Duration
	readTimeout time.Duration
	out         bytes.Buffer
	in          []byte
	closed      bool

	// Received launch parameters
	mode      rig.Mode
	peak      float64
	min       float64
	hasPeak   bool
	timeMs    int64
	chargeMs  int64
	dischrgMs int64

	running    bool
	charging   bool
	voltage    float64
	phaseStart time.Time
	lastEmit   time.Time
}

var _ Port = (*DemoRig)(nil)

// NewDemoRig creates a simulated controller emitting one line per interval.
func NewDemoRig(clock timeutil.Clock, interval time.Duration) *DemoRig {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &DemoRig{
		clock:       clock,
		rnd:         rand.New(rand.NewSource(clock.Now().UnixNano())),
		interval:    interval,
		readTimeout: DefaultReadTimeout,
		peak:        2.0,
	}
}

// NewDemoLocator returns a Locator whose only candidate is the demo rig.
func NewDemoLocator(demo *DemoRig) *Locator {
	l := NewLocator(Config{
		Candidates:  []string{DemoPath},
		VendorMatch: []string{},
		Settle:      -1,
	})
	l.Exists = func(path string) bool { return path == DemoPath }
	l.ListPorts = nil
	l.Open = func(path string, _ *serial.Mode) (Port, error) {
		demo.reopen()
		return demo, nil
	}
	return l
}

func (d *DemoRig) reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	d.running = false
	d.out.Reset()
	d.in = d.in[:0]
}

func (d *DemoRig) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, errors.New("demo rig closed")
	}
	d.advance()
	if d.out.Len() > 0 {
		n, err := d.out.Read(p)
		d.mu.Unlock()
		return n, err
	}
	wait := d.readTimeout
	if d.running {
		if next := d.interval - d.clock.Since(d.lastEmit); next < wait {
			wait = next
		}
	}
	d.mu.Unlock()

	// Nothing queued: behave like a serial read timing out.
	if wait > 0 {
		d.clock.Sleep(wait)
	}
	return 0, nil
}

func (d *DemoRig) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.New("demo rig closed")
	}
	d.in = append(d.in, p...)
	for {
		i := bytes.IndexByte(d.in, '\n')
		if i < 0 {
			break
		}
		d.handle(strings.TrimSpace(string(d.in[:i])))
		d.in = d.in[i+1:]
	}
	return len(p), nil
}

func (d *DemoRig) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.running = false
	return nil
}

func (d *DemoRig) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readTimeout = t
	return nil
}

func (d *DemoRig) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out.Reset()
	return nil
}

// Running reports whether a launch plan has been accepted and not stopped.
func (d *DemoRig) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *DemoRig) handle(line string) {
	if line == "" {
		return
	}
	if line == rig.Stop.Key {
		d.running = false
		d.emit("none", "Stop")
		log.Printf("[demo] stopped")
		return
	}
	key, val, ok := strings.Cut(line, ":")
	if !ok {
		log.Printf("[demo] ignoring %q", line)
		return
	}
	switch key {
	case rig.KeyPeak:
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			d.peak = v
			d.hasPeak = true
		}
	case rig.KeyMin:
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			d.min = v
		}
	case rig.KeyTime:
		d.timeMs, _ = strconv.ParseInt(val, 10, 64)
		if d.hasPeak {
			d.start(rig.ModeDecoupled)
		} else {
			d.start(rig.ModeCDI)
		}
	case rig.KeyChargeTime:
		d.chargeMs, _ = strconv.ParseInt(val, 10, 64)
	case rig.KeyDischargeTime:
		d.dischrgMs, _ = strconv.ParseInt(val, 10, 64)
		d.start(rig.ModeCustom)
	default:
		log.Printf("[demo] unknown command %q", line)
	}
}

func (d *DemoRig) start(m rig.Mode) {
	now := d.clock.Now()
	d.mode = m
	d.running = true
	d.charging = true
	d.voltage = d.min
	d.phaseStart = now
	d.lastEmit = now
	d.hasPeak = false
	log.Printf("[demo] running %s", m)
}

// advance emits every line that has come due since the last read. A long
// gap between reads is capped so a stalled reader does not get a flood.
func (d *DemoRig) advance() {
	if !d.running {
		return
	}
	due := int(d.clock.Since(d.lastEmit) / d.interval)
	if due > 50 {
		d.lastEmit = d.clock.Now().Add(-50 * d.interval)
		due = 50
	}
	for i := 0; i < due; i++ {
		d.lastEmit = d.lastEmit.Add(d.interval)
		d.step(d.lastEmit)
	}
}

func (d *DemoRig) step(now time.Time) {
	delta := 0.01 + d.rnd.Float64()*0.02
	inPhase := now.Sub(d.phaseStart)

	switch d.mode {
	case rig.ModeDecoupled:
		if d.charging {
			d.voltage += delta
			if d.voltage >= d.peak {
				d.voltage = d.peak
				d.flip(now)
			}
		} else {
			d.voltage -= delta
			if d.voltage <= d.min {
				d.voltage = d.min
			}
			if d.voltage <= d.min || (d.timeMs > 0 && inPhase >= time.Duration(d.timeMs)*time.Millisecond) {
				d.flip(now)
			}
		}
	default:
		window := time.Duration(d.timeMs) * time.Millisecond
		if d.mode == rig.ModeCustom {
			window = time.Duration(d.chargeMs) * time.Millisecond
			if !d.charging {
				window = time.Duration(d.dischrgMs) * time.Millisecond
			}
		}
		if window <= 0 {
			window = time.Minute
		}
		if d.charging {
			d.voltage = min(d.voltage+delta, 1.2)
		} else {
			d.voltage = max(d.voltage-delta, 0)
		}
		if inPhase >= window {
			d.flip(now)
		}
	}

	dir, label := "up", "Charging"
	if !d.charging {
		dir, label = "down", "Discharging"
	}
	d.emit(dir, label)
}

func (d *DemoRig) flip(now time.Time) {
	d.charging = !d.charging
	d.phaseStart = now
}

func (d *DemoRig) emit(dir, mode string) {
	fmt.Fprintf(&d.out, "VOLTAGE: %.3f | DIR: %s | MODE: %s\n", d.voltage, dir, mode)
}
