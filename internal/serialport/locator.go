package serialport

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// ErrPortUnavailable is returned when neither the candidate paths nor the
// enumerated host ports produced an open connection.
var ErrPortUnavailable = errors.New("serialport: no rig controller port available")

const (
	// DefaultSettle covers the board auto-reset that follows opening a CDC ACM port.
	DefaultSettle = 2 * time.Second
	// DefaultReadTimeout keeps a silent device from stalling the caller's tick.
	DefaultReadTimeout = 100 * time.Millisecond
)

// DefaultCandidates returns the conventional device paths, probed in order.
func DefaultCandidates() []string {
	out := make([]string, 10)
	for i := range out {
		out[i] = fmt.Sprintf("/dev/ttyACM%d", i)
	}
	return out
}

// DefaultVendorMatch are the substrings that identify the controller among
// enumerated ports (CDC ACM device names, Arduino product strings and VID).
func DefaultVendorMatch() []string {
	return []string{"ACM", "Arduino", "2341"}
}

// Config holds connection configuration for the Locator.
type Config struct {
	Candidates  []string      `yaml:"candidates" json:"candidates"`
	VendorMatch []string      `yaml:"vendor_match" json:"vendorMatch"`
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
	Settle      time.Duration `yaml:"settle" json:"settle"`
}

// Locator finds and opens the rig controller port.
//
// It first probes Candidates in index order; the first path that exists and
// opens wins. Failing that it enumerates the host's serial ports and takes
// the first whose name, product or VID contains one of VendorMatch.
type Locator struct {
	cfg Config

	// Hooks, replaceable in tests and by the demo rig.
	Open      Opener
	Exists    func(path string) bool
	ListPorts func() ([]*enumerator.PortDetails, error)
	Sleep     func(time.Duration)
}

// NewLocator creates a Locator backed by real serial devices. Zero fields in
// cfg take their defaults; a negative Settle disables the settle delay.
func NewLocator(cfg Config) *Locator {
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = DefaultCandidates()
	}
	if cfg.VendorMatch == nil {
		cfg.VendorMatch = DefaultVendorMatch()
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Settle == 0 {
		cfg.Settle = DefaultSettle
	}
	return &Locator{
		cfg:       cfg,
		Open:      SerialOpener,
		Exists:    pathExists,
		ListPorts: enumerator.GetDetailedPortsList,
		Sleep:     time.Sleep,
	}
}

// Config returns the effective configuration after defaults.
func (l *Locator) Config() Config { return l.cfg }

// EnsureOpen returns current unchanged when it is still open, so it is safe
// to call on every tick. Otherwise it searches for the controller and returns
// a fresh Handle, or ErrPortUnavailable.
func (l *Locator) EnsureOpen(current *Handle) (*Handle, error) {
	if current.IsOpen() {
		return current, nil
	}

	tried := make(map[string]bool, len(l.cfg.Candidates))
	for _, path := range l.cfg.Candidates {
		if !l.Exists(path) {
			continue
		}
		tried[path] = true
		h, err := l.openPath(path)
		if err != nil {
			log.Printf("[serialport] %s: %v", path, err)
			continue
		}
		return h, nil
	}

	if l.ListPorts != nil && len(l.cfg.VendorMatch) > 0 {
		ports, err := l.ListPorts()
		if err != nil {
			log.Printf("[serialport] enumerate ports: %v", err)
		}
		for _, p := range ports {
			if tried[p.Name] || !matchVendor(p, l.cfg.VendorMatch) {
				continue
			}
			h, err := l.openPath(p.Name)
			if err != nil {
				log.Printf("[serialport] %s: %v", p.Name, err)
				continue
			}
			return h, nil
		}
	}

	return nil, ErrPortUnavailable
}

// openPath opens one port, waits for the board to settle and discards
// whatever it printed while booting.
func (l *Locator) openPath(path string) (*Handle, error) {
	port, err := l.Open(path, serialMode(l.cfg.BaudRate))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := port.SetReadTimeout(l.cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	if l.cfg.Settle > 0 {
		l.Sleep(l.cfg.Settle)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[serialport] %s: reset input buffer: %v", path, err)
	}
	log.Printf("[serialport] connected on %s at %d baud", path, l.cfg.BaudRate)
	return &Handle{
		Path:        path,
		BaudRate:    l.cfg.BaudRate,
		ReadTimeout: l.cfg.ReadTimeout,
		port:        port,
	}, nil
}

func matchVendor(p *enumerator.PortDetails, subs []string) bool {
	fields := []string{p.Name, p.Product, p.VID}
	for _, sub := range subs {
		if sub == "" {
			continue
		}
		for _, f := range fields {
			if strings.Contains(strings.ToUpper(f), strings.ToUpper(sub)) {
				return true
			}
		}
	}
	return false
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
