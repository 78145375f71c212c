package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fnm-team/rigdash/internal/logger"
	"github.com/fnm-team/rigdash/internal/rig"
	"github.com/fnm-team/rigdash/internal/session"
)

// Server drives the session tick loop and serves the dashboard: the embedded
// web UI, a JSON API and a WebSocket feed of session frames.
type Server struct {
	cfg    *Config
	ctrl   *session.Controller
	webFS  fs.FS
	logger *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Session  *session.Snapshot `json:"session,omitempty"`
	Samples  []rig.Sample      `json:"samples,omitempty"` // new since the previous frame
	Limit    string            `json:"limit,omitempty"`   // "peak", "min" or empty
	Defaults *DefaultsConfig   `json:"defaults,omitempty"`
	Stamp    int64             `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, ctrl *session.Controller, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		webFS:   webFS,
		logger:  logger.New(cfg.LoggerConfig()),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes of the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Session API
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/session/start", s.handleStart)
	mux.HandleFunc("/api/session/stop", s.handleStop)
	mux.HandleFunc("/api/session/reset", s.handleReset)

	// History exports
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/history.csv", s.handleHistoryCSV)
	mux.HandleFunc("/api/chart", s.handleChart)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run starts the HTTP server and the tick loop. On cancellation the rig is
// stopped and the port released before the listener shuts down.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		if err := s.ctrl.Stop(); err != nil {
			log.Printf("[server] stop on shutdown: %v", err)
		}
		if err := s.ctrl.Close(); err != nil {
			log.Printf("[server] close port: %v", err)
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Initial frame: current session plus the start form defaults
	snap := s.ctrl.Snapshot()
	s.cfg.mu.RLock()
	defaults := s.cfg.Defaults
	s.cfg.mu.RUnlock()
	initial := Frame{
		Session:  &snap,
		Limit:    limitFor(snap.Params, snap.Latest),
		Defaults: &defaults,
		Stamp:    time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients do not send commands)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// pollLoop ticks the session at the configured refresh cadence and
// broadcasts one frame per tick.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			s.broadcast(s.tick())
		}
	}
}

// tick polls the controller once, records new samples and builds the frame.
func (s *Server) tick() Frame {
	added, err := s.ctrl.Poll()
	if err != nil {
		log.Printf("[server] poll: %v", err)
	}
	snap := s.ctrl.Snapshot()
	for _, smp := range added {
		s.logger.Record(snap.ID, smp)
	}
	return Frame{
		Session: &snap,
		Samples: added,
		Limit:   limitFor(snap.Params, snap.Latest),
		Stamp:   time.Now().UnixMilli(),
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[ws] marshal frame: %v", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
