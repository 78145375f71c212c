package rig

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Phase classifies the rig's current half-cycle.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseCharging
	PhaseDischarging
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseCharging:
		return "Charging"
	case PhaseDischarging:
		return "Discharging"
	case PhaseStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// MarshalText lets samples carry the phase label in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PhaseFromToken maps the firmware's MODE token onto a Phase. The device
// token is authoritative; voltage thresholds never decide the phase.
func PhaseFromToken(tok string) Phase {
	switch tok {
	case "Charging":
		return PhaseCharging
	case "Stop", "Stopped", "STOP":
		return PhaseStopped
	case "Unknown", "Idle":
		return PhaseUnknown
	default:
		return PhaseDischarging
	}
}

// Sample is one decoded telemetry reading.
type Sample struct {
	Elapsed   int       `json:"seconds"` // whole seconds since the session started
	Voltage   float64   `json:"voltage"`
	Direction string    `json:"direction"`
	Phase     Phase     `json:"phase"`
	ModeToken string    `json:"mode"` // raw MODE token as reported
	Received  time.Time `json:"received"`
}

// telemetryPattern matches "VOLTAGE: <float> | DIR: <token> | MODE: <token>",
// tolerating whitespace around the separators.
var telemetryPattern = regexp.MustCompile(`VOLTAGE:\s*([0-9.]+)\s*\|\s*DIR:\s*(\w+)\s*\|\s*MODE:\s*(\w+)`)

// Parse decodes one telemetry line. Lines that do not match the grammar,
// including partial or garbled ones, yield ok == false. Elapsed and Received
// are left for the caller to fill in.
func Parse(line string) (s Sample, ok bool) {
	m := telemetryPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Sample{}, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		// "1.2.3" passes the character class but is not a number
		return Sample{}, false
	}
	return Sample{
		Voltage:   v,
		Direction: m[2],
		Phase:     PhaseFromToken(m[3]),
		ModeToken: m[3],
	}, true
}
