package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fnm-team/rigdash/internal/logger"
	"github.com/fnm-team/rigdash/internal/rig"
	"github.com/fnm-team/rigdash/internal/serialport"
	"github.com/fnm-team/rigdash/internal/session"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "/etc/rigdash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link to the rig controller
	Rig RigConfig `yaml:"rig" json:"rig"`

	// Session tuning and presenter cadence
	Session SessionConfig `yaml:"session" json:"session"`

	// Prefilled launch parameters for the start form
	Defaults DefaultsConfig `yaml:"defaults" json:"defaults"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type RigConfig struct {
	Type          string   `yaml:"type" json:"type"`                // "serial" or "demo"
	Candidates    []string `yaml:"candidates" json:"candidates"`    // probed in order
	VendorMatch   []string `yaml:"vendor_match" json:"vendorMatch"` // enumeration fallback
	BaudRate      int      `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs int      `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	SettleMs      int      `yaml:"settle_ms" json:"settleMs"`          // board reset delay after open
	CommandGapMs  int      `yaml:"command_gap_ms" json:"commandGapMs"` // pause between launch commands
	DemoRateMs    int      `yaml:"demo_rate_ms" json:"demoRateMs"`     // demo telemetry interval
}

type SessionConfig struct {
	HistoryCapacity int `yaml:"history_capacity" json:"historyCapacity"`
	PollBudgetMs    int `yaml:"poll_budget_ms" json:"pollBudgetMs"`
	TickMs          int `yaml:"tick_ms" json:"tickMs"` // UI refresh cadence
}

// DefaultsConfig mirrors the start form. Durations are in minutes.
type DefaultsConfig struct {
	Mode             string  `yaml:"mode" json:"mode"`
	Peak             float64 `yaml:"peak" json:"peak"`
	Min              float64 `yaml:"min" json:"min"`
	DischargeMinutes float64 `yaml:"discharge_minutes" json:"dischargeMinutes"`
	DurationMinutes  float64 `yaml:"duration_minutes" json:"durationMinutes"`
	ChargeMinutes    float64 `yaml:"charge_minutes" json:"chargeMinutes"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Rig: RigConfig{
			Type:          "serial",
			Candidates:    serialport.DefaultCandidates(),
			VendorMatch:   serialport.DefaultVendorMatch(),
			BaudRate:      serialport.DefaultBaudRate,
			ReadTimeoutMs: int(serialport.DefaultReadTimeout / time.Millisecond),
			SettleMs:      int(serialport.DefaultSettle / time.Millisecond),
			CommandGapMs:  int(rig.DefaultCommandGap / time.Millisecond),
			DemoRateMs:    500,
		},
		Session: SessionConfig{
			HistoryCapacity: 100,
			PollBudgetMs:    int(session.DefaultPollBudget / time.Millisecond),
			TickMs:          400,
		},
		Defaults: DefaultsConfig{
			Mode:             rig.ModeDecoupled.String(),
			Peak:             1.8,
			Min:              0.4,
			DischargeMinutes: 1.0,
			DurationMinutes:  1.0,
			ChargeMinutes:    1.0,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     logger.DefaultPath,
			Interval: 0,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: RIG_TYPE, RIG_PORT, RIG_BAUD, RIG_SETTLE_MS, LISTEN_ADDR,
// HISTORY_CAP, TICK_MS, LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RIG_TYPE"); v != "" {
		c.Rig.Type = v
	}
	if v := os.Getenv("RIG_PORT"); v != "" {
		// a pinned port is probed before the conventional paths
		c.Rig.Candidates = append([]string{v}, c.Rig.Candidates...)
	}
	envInt("RIG_BAUD", &c.Rig.BaudRate)
	envInt("RIG_SETTLE_MS", &c.Rig.SettleMs)
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	envInt("HISTORY_CAP", &c.Session.HistoryCapacity)
	envInt("TICK_MS", &c.Session.TickMs)
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	envInt("LOG_INTERVAL_MS", &c.Logging.Interval)
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

// LocatorConfig converts the rig section for serialport.NewLocator.
func (c *Config) LocatorConfig() serialport.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	settle := time.Duration(c.Rig.SettleMs) * time.Millisecond
	if c.Rig.SettleMs == 0 {
		settle = -1 // configured as no delay
	}
	return serialport.Config{
		Candidates:  append([]string(nil), c.Rig.Candidates...),
		VendorMatch: append([]string(nil), c.Rig.VendorMatch...),
		BaudRate:    c.Rig.BaudRate,
		ReadTimeout: time.Duration(c.Rig.ReadTimeoutMs) * time.Millisecond,
		Settle:      settle,
	}
}

// SessionTuning converts the session section for session.New.
func (c *Config) SessionTuning() session.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gap := time.Duration(c.Rig.CommandGapMs) * time.Millisecond
	if c.Rig.CommandGapMs == 0 {
		gap = -1
	}
	return session.Config{
		HistoryCapacity: c.Session.HistoryCapacity,
		PollBudget:      time.Duration(c.Session.PollBudgetMs) * time.Millisecond,
		CommandGap:      gap,
	}
}

// LoggerConfig converts the logging section for logger.New.
func (c *Config) LoggerConfig() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logger.Config{
		Enabled:    c.Logging.Enabled,
		Path:       c.Logging.Path,
		IntervalMs: c.Logging.Interval,
	}
}

// TickInterval is the presenter refresh cadence.
func (c *Config) TickInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Session.TickMs <= 0 {
		return 400 * time.Millisecond
	}
	return time.Duration(c.Session.TickMs) * time.Millisecond
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port candidates, baud rate, logging).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
