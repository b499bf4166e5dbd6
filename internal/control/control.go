// Package control implements the HTTP + Server-Sent-Events surface (C8):
// it exposes the session's Commands and a read view onto the event bus.
// The routing here is plain net/http.ServeMux, no framework — there's no
// application HTTP API precedent to follow locally (only an optional
// net/http/pprof import elsewhere for profiling), so this mux is built
// the same unadorned way the rest of this codebase wires up net/http.
package control

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ghostlink/ghostlinkd/internal/eventbus"
)

// Engine is the subset of *session.Engine the control surface depends
// on, kept as an interface so this package can be tested without the
// full session stack.
type Engine interface {
	Bus() *eventbus.Bus
	Connect(ip string, port int) error
	Disconnect()
	SendMessage(text string) error
	ClearChat()
}

// Server wires an Engine to an http.ServeMux.
type Server struct {
	engine Engine
	mux    *http.ServeMux
	static http.FileSystem
}

// New builds a Server. static may be nil if no front-end assets are
// embedded (e.g. in a headless test build).
func New(engine Engine, static http.FileSystem) *Server {
	s := &Server{engine: engine, mux: http.NewServeMux(), static: static}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/state", s.handleState)
	s.mux.HandleFunc("/api/connect", s.handleConnect)
	s.mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("/api/message", s.handleMessage)
	s.mux.HandleFunc("/api/clear", s.handleClear)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	if s.static != nil {
		s.mux.Handle("/", http.FileServer(s.static))
	}
}

// ServeHTTP lets Server be handed directly to http.Serve / httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": s.engine.Bus().Snapshot()})
}

type connectRequest struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Address string `json:"address"` // supplemented: accepts "ip:port" paste form too
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req connectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ip, port := req.IP, req.Port
	if req.Address != "" {
		parsedIP, parsedPort, err := SplitPasted(req.Address)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ip, port = parsedIP, parsedPort
	}

	if _, _, err := ParsePeerAddress(ip, port); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.engine.Bus().Snapshot().Status != eventbus.StatusDisconnected {
		writeError(w, http.StatusConflict, "already connecting or connected")
		return
	}

	if err := s.engine.Connect(ip, port); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	s.engine.Disconnect() // idempotent: a no-op when already Disconnected
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes+4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := ValidateMessage(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.engine.Bus().Snapshot().Status != eventbus.StatusConnected {
		writeError(w, http.StatusConflict, "not connected")
		return
	}
	if err := s.engine.SendMessage(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	s.engine.ClearChat()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.engine.Bus().Subscribe()
	defer sub.Unsubscribe()

	ctx := r.Context()
	keepalive := time.NewTicker(20 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
