// Package logger records rig telemetry to CSV files and renders history exports.
package logger

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fnm-team/rigdash/internal/rig"
)

// Logger records timestamped samples to CSV files with automatic rotation.
// A new file is started for every session and after maxRowsPerFile rows.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file    *os.File
	writer  *csv.Writer
	session string
	lastTs  time.Time
	rows    int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // ~14 hrs at 2 Hz

	// DefaultPath is where session logs go when no path is configured.
	DefaultPath = "/var/log/rigdash"
)

var csvHeader = []string{
	"timestamp", "session", "seconds", "voltage", "direction", "state", "mode",
}

// ExportHeader is the header of a history export.
var ExportHeader = []string{"Seconds", "Voltage", "Direction", "State"}

// New creates a new Logger. An interval of zero records every sample.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one sample of the given session if the minimum interval has
// elapsed since the previous row. Throttling uses the sample's receive time.
func (l *Logger) Record(sessionID string, s rig.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	ts := s.Received
	if ts.IsZero() {
		ts = time.Now()
	}
	newSession := sessionID != l.session
	if !newSession && ts.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = ts

	if l.writer == nil || l.rows >= maxRowsPerFile || newSession {
		if err := l.rotateFile(ts, sessionID); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(ts, sessionID, s)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time, sessionID string) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("voltage_log_%s_%s.csv", now.Format("2006-01-02_150405"), ShortID(sessionID))
	path := filepath.Join(l.dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.session = sessionID
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.session = ""
}

func buildRow(ts time.Time, sessionID string, s rig.Sample) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		sessionID,
		strconv.Itoa(s.Elapsed),
		fmt.Sprintf("%.3f", s.Voltage),
		s.Direction,
		s.Phase.String(),
		s.ModeToken,
	}
}

// WriteCSV writes samples as a history export, oldest first.
func WriteCSV(w io.Writer, samples []rig.Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{
			strconv.Itoa(s.Elapsed),
			fmt.Sprintf("%.3f", s.Voltage),
			s.Direction,
			s.Phase.String(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ShortID is the first eight characters of a session ID, used in file names.
func ShortID(id string) string {
	if id == "" {
		return "nosession"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
