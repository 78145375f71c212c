package rig

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"
)

// Mode selects which experiment the rig controller runs.
type Mode int

const (
	// ModeDecoupled charges to a peak voltage, then discharges for a fixed time
	// or until the minimum voltage is reached.
	ModeDecoupled Mode = iota
	// ModeCDI runs capacitive deionization cycles of a fixed duration.
	ModeCDI
	// ModeCustom alternates explicit charge and discharge windows.
	ModeCustom
)

// String returns the label the dashboard shows for the mode.
func (m Mode) String() string {
	switch m {
	case ModeDecoupled:
		return "Decoupled"
	case ModeCDI:
		return "CDI"
	case ModeCustom:
		return "Custom"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the mode labels case-insensitively ("decoupled", "CDI", "custom").
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeDecoupled, ModeCDI, ModeCustom} {
		if strings.EqualFold(strings.TrimSpace(s), m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("rig: unknown mode %q", s)
}

// Voltage limits accepted by the controller firmware inputs.
const (
	MaxVoltage = 5.0
	MinVoltage = 0.0
)

var (
	// ErrInvalidParams is returned when mode parameters are out of range.
	ErrInvalidParams = errors.New("rig: invalid parameters")
	// ErrShortWrite is returned when the port accepted fewer bytes than a command holds.
	ErrShortWrite = errors.New("rig: short write to port")
)

// Params is the parameter record of one operating mode. It is implemented by
// Decoupled, CDI and Custom only.
type Params interface {
	Mode() Mode
	Validate() error
	commands() []Command
}

// Decoupled parameters: voltage window plus discharge time.
type Decoupled struct {
	Peak      float64       `json:"peak"`
	Min       float64       `json:"min"`
	Discharge time.Duration `json:"discharge"`
}

// CDI parameters: a single cycle duration.
type CDI struct {
	Duration time.Duration `json:"duration"`
}

// Custom parameters: explicit charge and discharge windows.
type Custom struct {
	Charge    time.Duration `json:"charge"`
	Discharge time.Duration `json:"discharge"`
}

func (Decoupled) Mode() Mode { return ModeDecoupled }
func (CDI) Mode() Mode       { return ModeCDI }
func (Custom) Mode() Mode    { return ModeCustom }

func (p Decoupled) Validate() error {
	if p.Peak < MinVoltage || p.Peak > MaxVoltage {
		return fmt.Errorf("%w: peak %.2f V outside [%.1f, %.1f]", ErrInvalidParams, p.Peak, MinVoltage, MaxVoltage)
	}
	if p.Min < MinVoltage || p.Min > MaxVoltage {
		return fmt.Errorf("%w: min %.2f V outside [%.1f, %.1f]", ErrInvalidParams, p.Min, MinVoltage, MaxVoltage)
	}
	if p.Min > p.Peak {
		return fmt.Errorf("%w: min %.2f V above peak %.2f V", ErrInvalidParams, p.Min, p.Peak)
	}
	if p.Discharge < 0 {
		return fmt.Errorf("%w: negative discharge time", ErrInvalidParams)
	}
	return nil
}

func (p CDI) Validate() error {
	if p.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidParams)
	}
	return nil
}

func (p Custom) Validate() error {
	if p.Charge < 0 || p.Discharge < 0 {
		return fmt.Errorf("%w: negative charge/discharge time", ErrInvalidParams)
	}
	return nil
}

func (p Decoupled) commands() []Command {
	return []Command{
		{Key: KeyPeak, Value: strconv.FormatFloat(p.Peak, 'f', 2, 64)},
		{Key: KeyMin, Value: strconv.FormatFloat(p.Min, 'f', 2, 64)},
		{Key: KeyTime, Value: millis(p.Discharge)},
	}
}

func (p CDI) commands() []Command {
	return []Command{{Key: KeyTime, Value: millis(p.Duration)}}
}

func (p Custom) commands() []Command {
	return []Command{
		{Key: KeyChargeTime, Value: millis(p.Charge)},
		{Key: KeyDischargeTime, Value: millis(p.Discharge)},
	}
}

// Minutes converts a fractional minute count, as typed into the dashboard, to a Duration.
func Minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// Command keys understood by the controller firmware.
const (
	KeyPeak          = "Peak"
	KeyMin           = "Min"
	KeyTime          = "Time"
	KeyChargeTime    = "c_time"
	KeyDischargeTime = "dc_time"
)

// Command is a single "Key:value" configuration token.
type Command struct {
	Key   string
	Value string
}

// Stop is the bare sentinel that halts the running experiment.
var Stop = Command{Key: "STOP"}

// String renders the token without the line terminator.
func (c Command) String() string {
	if c.Value == "" {
		return c.Key
	}
	return c.Key + ":" + c.Value
}

// Bytes renders the newline-terminated wire form.
func (c Command) Bytes() []byte {
	return []byte(c.String() + "\n")
}

// Plan is the ordered launch sequence for one mode. Order is significant: the
// firmware consumes the tokens one after another.
type Plan struct {
	Mode     Mode
	Commands []Command
}

// Strings returns the tokens in send order, mostly for logging.
func (p Plan) Strings() []string {
	out := make([]string, len(p.Commands))
	for i, c := range p.Commands {
		out[i] = c.String()
	}
	return out
}

// BuildPlan validates the parameters and returns the launch plan for their mode.
func BuildPlan(p Params) (Plan, error) {
	if p == nil {
		return Plan{}, fmt.Errorf("%w: no mode selected", ErrInvalidParams)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return Plan{Mode: p.Mode(), Commands: p.commands()}, nil
}

// DefaultCommandGap keeps consecutive writes from overrunning the controller's input buffer.
const DefaultCommandGap = 50 * time.Millisecond

// WriteError reports which command of a plan could not be sent. Commands
// before Index were written and are not rolled back.
type WriteError struct {
	Index   int
	Command Command
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("rig: send %q (command %d): %v", e.Command.String(), e.Index+1, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// SendCommand writes one newline-terminated command.
func SendCommand(w io.Writer, c Command) error {
	b := c.Bytes()
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrShortWrite
	}
	return nil
}

// SendPlan writes every command of the plan in order, calling sleep(gap)
// after each one. The first failed write aborts the rest of the plan.
// It returns the number of commands written.
func SendPlan(w io.Writer, plan Plan, gap time.Duration, sleep func(time.Duration)) (int, error) {
	if sleep == nil {
		sleep = time.Sleep
	}
	for i, c := range plan.Commands {
		if err := SendCommand(w, c); err != nil {
			return i, &WriteError{Index: i, Command: c, Err: err}
		}
		log.Printf("[rig] sent %s", c)
		if gap > 0 {
			sleep(gap)
		}
	}
	return len(plan.Commands), nil
}
