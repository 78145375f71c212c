package rig

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPlan(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		mode   Mode
		want   []string
	}{
		{
			name:   "decoupled",
			params: Decoupled{Peak: 2.0, Min: 0.5, Discharge: Minutes(1.5)},
			mode:   ModeDecoupled,
			want:   []string{"Peak:2.00", "Min:0.50", "Time:90000"},
		},
		{
			name:   "decoupled rounds voltages to centivolts",
			params: Decoupled{Peak: 1.806, Min: 0.104, Discharge: Minutes(0.1)},
			mode:   ModeDecoupled,
			want:   []string{"Peak:1.81", "Min:0.10", "Time:6000"},
		},
		{
			name:   "cdi",
			params: CDI{Duration: Minutes(2.0)},
			mode:   ModeCDI,
			want:   []string{"Time:120000"},
		},
		{
			name:   "custom",
			params: Custom{Charge: Minutes(1), Discharge: Minutes(0.5)},
			mode:   ModeCustom,
			want:   []string{"c_time:60000", "dc_time:30000"},
		},
		{
			name:   "zero durations are allowed",
			params: CDI{},
			mode:   ModeCDI,
			want:   []string{"Time:0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildPlan(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.mode, plan.Mode)
			assert.Equal(t, tt.want, plan.Strings())
		})
	}
}

func TestBuildPlan_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"nil params", nil},
		{"peak above range", Decoupled{Peak: 5.5, Min: 0}},
		{"negative min", Decoupled{Peak: 2, Min: -0.1}},
		{"min above peak", Decoupled{Peak: 1, Min: 1.5}},
		{"negative discharge", Decoupled{Peak: 2, Min: 1, Discharge: -time.Second}},
		{"negative cdi duration", CDI{Duration: -time.Minute}},
		{"negative custom charge", Custom{Charge: -1, Discharge: time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildPlan(tt.params)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"Decoupled": ModeDecoupled,
		"decoupled": ModeDecoupled,
		"CDI":       ModeCDI,
		"cdi":       ModeCDI,
		" custom ":  ModeCustom,
		"CUSTOM":    ModeCustom,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("pulsed")
	assert.Error(t, err)
}

func TestCommandBytes(t *testing.T) {
	assert.Equal(t, []byte("Peak:2.00\n"), Command{Key: KeyPeak, Value: "2.00"}.Bytes())
	assert.Equal(t, []byte("STOP\n"), Stop.Bytes())
}

// failingWriter fails the write with the given 1-based index.
type failingWriter struct {
	bytes.Buffer
	failAt int
	calls  int
	short  bool
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.calls == w.failAt {
		if w.short {
			return len(p) - 1, nil
		}
		return 0, errors.New("device unplugged")
	}
	return w.Buffer.Write(p)
}

func TestSendPlan(t *testing.T) {
	plan, err := BuildPlan(Decoupled{Peak: 2.0, Min: 0.5, Discharge: Minutes(1.5)})
	require.NoError(t, err)

	var w bytes.Buffer
	var sleeps []time.Duration
	n, err := SendPlan(&w, plan, DefaultCommandGap, func(d time.Duration) { sleeps = append(sleeps, d) })
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, "Peak:2.00\nMin:0.50\nTime:90000\n", w.String())
	assert.Equal(t, []time.Duration{DefaultCommandGap, DefaultCommandGap, DefaultCommandGap}, sleeps)
}

func TestSendPlan_AbortsOnFailure(t *testing.T) {
	plan, err := BuildPlan(Decoupled{Peak: 2.0, Min: 0.5, Discharge: Minutes(1)})
	require.NoError(t, err)

	w := &failingWriter{failAt: 2}
	n, err := SendPlan(w, plan, 0, nil)

	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "Peak:2.00\n", w.String(), "earlier commands are not rolled back")
	assert.Equal(t, 2, w.calls, "remaining commands are not attempted")

	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 1, we.Index)
	assert.Equal(t, "Min:0.50", we.Command.String())
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestSendPlan_ShortWrite(t *testing.T) {
	plan, err := BuildPlan(CDI{Duration: Minutes(1)})
	require.NoError(t, err)

	n, err := SendPlan(&failingWriter{failAt: 1, short: true}, plan, 0, nil)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrShortWrite)
}
