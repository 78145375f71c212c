package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/fnm-team/rigdash/internal/logger"
	"github.com/fnm-team/rigdash/internal/rig"
	"github.com/fnm-team/rigdash/internal/serialport"
	"github.com/fnm-team/rigdash/internal/session"
)

// StartRequest is the body of POST /api/session/start. Durations are in
// minutes, as on the start form. Fields left out keep the configured defaults.
type StartRequest struct {
	Mode             string  `json:"mode"`
	Peak             float64 `json:"peak"`
	Min              float64 `json:"min"`
	DischargeMinutes float64 `json:"dischargeMinutes"`
	DurationMinutes  float64 `json:"durationMinutes"`
	ChargeMinutes    float64 `json:"chargeMinutes"`
}

// Params converts the form values into launch parameters for the chosen mode.
func (r StartRequest) Params() (rig.Params, error) {
	mode, err := rig.ParseMode(r.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rig.ErrInvalidParams, err)
	}
	switch mode {
	case rig.ModeDecoupled:
		return rig.Decoupled{Peak: r.Peak, Min: r.Min, Discharge: rig.Minutes(r.DischargeMinutes)}, nil
	case rig.ModeCDI:
		return rig.CDI{Duration: rig.Minutes(r.DurationMinutes)}, nil
	default:
		return rig.Custom{Charge: rig.Minutes(r.ChargeMinutes), Discharge: rig.Minutes(r.DischargeMinutes)}, nil
	}
}

// DefaultParams builds launch parameters from the configured form defaults.
func (c *Config) DefaultParams() (rig.Params, error) {
	c.mu.RLock()
	d := c.Defaults
	c.mu.RUnlock()
	return StartRequest(d).Params()
}

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, apiError{Error: err.Error()})
}

// statusFor maps session errors onto HTTP status codes.
func statusFor(err error) int {
	var we *rig.WriteError
	switch {
	case errors.Is(err, rig.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, serialport.ErrPortUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &we):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.ctrl.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.cfg.mu.RLock()
	req := StartRequest(s.cfg.Defaults)
	s.cfg.mu.RUnlock()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode start request: %w", err))
			return
		}
	}

	params, err := req.Params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Start(params); err != nil {
		log.Printf("[server] start: %v", err)
		writeError(w, statusFor(err), err)
		return
	}
	s.broadcastSnapshot()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Stop always ends the session; an error only means STOP or close failed.
	if err := s.ctrl.Stop(); err != nil {
		log.Printf("[server] stop: %v", err)
	}
	s.broadcastSnapshot()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.ctrl.Reset(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.broadcastSnapshot()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// HistoryResponse is the body of GET /api/history.
type HistoryResponse struct {
	ID      string       `json:"id,omitempty"`
	Samples []rig.Sample `json:"samples"`
	Summary Summary      `json:"summary"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.ctrl.Snapshot()
	samples := s.ctrl.History()
	if samples == nil {
		samples = []rig.Sample{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		ID:      snap.ID,
		Samples: samples,
		Summary: Summarize(samples, snap.Cycles),
	})
}

func (s *Server) handleHistoryCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.ctrl.Snapshot()
	filename := fmt.Sprintf("voltage_log_%s.csv", logger.ShortID(snap.ID))

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := logger.WriteCSV(w, s.ctrl.History()); err != nil {
		log.Printf("[server] csv export: %v", err)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.logger.SetEnabled(s.cfg.LoggerConfig().Enabled)

		// Broadcast updated form defaults
		s.cfg.mu.RLock()
		defaults := s.cfg.Defaults
		s.cfg.mu.RUnlock()
		s.broadcast(Frame{Defaults: &defaults, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// broadcastSnapshot pushes the session state right after a command so
// clients do not wait for the next tick.
func (s *Server) broadcastSnapshot() {
	snap := s.ctrl.Snapshot()
	s.broadcast(Frame{
		Session: &snap,
		Limit:   limitFor(snap.Params, snap.Latest),
		Stamp:   time.Now().UnixMilli(),
	})
}
