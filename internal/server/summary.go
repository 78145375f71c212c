package server

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/fnm-team/rigdash/internal/rig"
)

// Summary holds descriptive statistics over the retained history.
type Summary struct {
	Count   int     `json:"count"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stdDev"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Latest  float64 `json:"latest"`
	Seconds int     `json:"seconds"` // span covered by the retained samples
	Cycles  int     `json:"cycles"`
}

// Summarize computes voltage statistics for samples, oldest first.
func Summarize(samples []rig.Sample, cycles int) Summary {
	sum := Summary{Count: len(samples), Cycles: cycles}
	if len(samples) == 0 {
		return sum
	}

	v := make([]float64, len(samples))
	for i, s := range samples {
		v[i] = s.Voltage
	}
	sum.Mean = round3(stat.Mean(v, nil))
	if len(v) > 1 {
		sum.StdDev = round3(stat.StdDev(v, nil))
	}
	sum.Min = floats.Min(v)
	sum.Max = floats.Max(v)
	sum.Latest = v[len(v)-1]
	sum.Seconds = samples[len(samples)-1].Elapsed - samples[0].Elapsed
	return sum
}

func round3(x float64) float64 { return math.Round(x*1000) / 1000 }

// limitFor flags the latest voltage against the Decoupled thresholds. It is
// display only; the phase always comes from the device's MODE token.
func limitFor(p rig.Params, latest *rig.Sample) string {
	d, ok := p.(rig.Decoupled)
	if !ok || latest == nil || latest.Phase == rig.PhaseStopped {
		return ""
	}
	switch {
	case latest.Voltage >= d.Peak:
		return "peak"
	case latest.Voltage <= d.Min:
		return "min"
	default:
		return ""
	}
}
