package session

import "fmt"

// State is the session lifecycle stage.
//
//	Idle --Start--> Armed --plan sent--> Running --Stop--> Stopped --Reset--> Idle
//	                  |                                      ^
//	                  +----------------Stop------------------+
type State int

const (
	// Idle: no plan sent, port may or may not be open.
	Idle State = iota
	// Armed: the launch plan is being (or failed to be) sent.
	Armed
	// Running: telemetry is being polled.
	Running
	// Stopped: terminal until Reset.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// FormatElapsed renders seconds as "D day H hrs M min S sec".
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	days := seconds / 86400
	seconds %= 86400
	hours := seconds / 3600
	seconds %= 3600
	minutes := seconds / 60
	seconds %= 60
	return fmt.Sprintf("%d day %d hrs %d min %d sec", days, hours, minutes, seconds)
}
