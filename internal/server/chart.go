package server

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/fnm-team/rigdash/internal/rig"
	"github.com/fnm-team/rigdash/internal/session"
)

// handleChart renders the retained history as a voltage-over-time line chart (HTML).
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.ctrl.Snapshot()
	line := buildChart(snap, s.ctrl.History())

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		log.Printf("[server] render chart: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to render chart: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func buildChart(snap session.Snapshot, samples []rig.Sample) *charts.Line {
	x := make([]string, len(samples))
	volts := make([]opts.LineData, len(samples))
	for i, smp := range samples {
		x[i] = strconv.Itoa(smp.Elapsed)
		volts[i] = opts.LineData{Value: smp.Voltage, Name: smp.Phase.String()}
	}

	subtitle := fmt.Sprintf("%s  %d samples  %s", snap.State, len(samples), snap.ElapsedText)
	if snap.Mode != "" {
		subtitle = snap.Mode + "  " + subtitle
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Rig Voltage", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Voltage vs Time", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Seconds", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Voltage (V)", Min: 0}),
	)
	line.SetXAxis(x).AddSeries("voltage", volts)

	// Decoupled sessions also plot their thresholds
	if d, ok := snap.Params.(rig.Decoupled); ok && len(samples) > 0 {
		line.AddSeries("peak", constantSeries(len(samples), d.Peak))
		line.AddSeries("min", constantSeries(len(samples), d.Min))
	}
	return line
}

func constantSeries(n int, v float64) []opts.LineData {
	out := make([]opts.LineData, n)
	for i := range out {
		out[i] = opts.LineData{Value: v}
	}
	return out
}
