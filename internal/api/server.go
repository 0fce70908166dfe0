package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/events"
	"github.com/voicebridge/voicebridge/internal/relay"
)

// Server exposes the downstream WebSocket endpoint plus read-only
// introspection over HTTP.
type Server struct {
	registry *relay.Registry
	broker   *events.Broker[any]
	upgrader websocket.Upgrader
	router   *mux.Router
	logger   *log.Logger
}

// NewServer wires the HTTP routes around the given registry and broker.
func NewServer(registry *relay.Registry, broker *events.Broker[any]) *Server {
	s := &Server{
		registry: registry,
		broker:   broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.With("component", "api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/sessions", s.handleSessions).Methods("GET")
	v1.HandleFunc("/events", s.handleEventsSSE).Methods("GET")

	s.router = r
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server. Blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// handleWebSocket accepts a downstream connection and binds a session to it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.logger.Info("client connected", "client", client.ID(), "remote", r.RemoteAddr)

	s.registry.Connect(client)

	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.Len(),
		"timestamp":       time.Now().UTC(),
	})
}

// handleSessions reports per-session stats. Purely observational; it never
// mutates session state.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": stats,
		"count":    len(stats),
	})
}

// handleEventsSSE streams relay lifecycle events as Server-Sent Events.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "data: {\"type\": \"connected\", \"timestamp\": %d}\n\n", time.Now().Unix())
	flusher.Flush()

	var filters []events.EventFilter
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		filters = append(filters, events.FilterBySession(sessionID))
	}

	ch := s.broker.Subscribe(r.Context(), filters...)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}
