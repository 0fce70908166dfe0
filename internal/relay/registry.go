package relay

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"

	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/events"
	"github.com/voicebridge/voicebridge/internal/history"
	"github.com/voicebridge/voicebridge/internal/upstream"
)

// Registry maps each downstream connection to its session and owns session
// creation and teardown. It is the only way in or out of the session map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	dialer     *upstream.Dialer
	clock      clock.Clock
	timing     config.Timing
	historyCap int
	broker     *events.Broker[any]
	logger     *log.Logger
}

// NewRegistry creates an empty registry. The broker is optional; a nil broker
// disables lifecycle event publishing.
func NewRegistry(dialer *upstream.Dialer, timing config.Timing, historyCap int, broker *events.Broker[any]) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		dialer:     dialer,
		clock:      dialer.Clock(),
		timing:     timing,
		historyCap: historyCap,
		broker:     broker,
		logger:     log.With("component", "relay"),
	}
}

// Connect creates the session for a newly accepted downstream connection and
// starts the first upstream attempt, ephemeral-preferred. If both the initial
// attempt and its static-key retry fail, the session stays registered without
// an upstream connection; the router's open-guards silently drop its messages.
func (r *Registry) Connect(client DownstreamClient) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     client.ID(),
		client: client,
		reg:    r,
		ctx:    ctx,
		cancel: cancel,
		log:    history.NewLog(r.historyCap),
		logger: r.logger.With("session", client.ID()),
	}

	r.mu.Lock()
	r.sessions[client.ID()] = s
	count := len(r.sessions)
	r.mu.Unlock()

	s.logger.Info("session created", "active", count)
	r.publish(events.SessionStarted, nil, s.id)

	s.establish(true, phaseInitialEphemeral)
	return s
}

// Disconnect tears down the session for a departed downstream connection:
// pending timers cancelled, watchdog stopped, upstream closed, entry removed.
// No reconnection is attempted once the downstream side is gone.
func (r *Registry) Disconnect(clientID string) {
	r.mu.Lock()
	s := r.sessions[clientID]
	delete(r.sessions, clientID)
	count := len(r.sessions)
	r.mu.Unlock()

	if s == nil {
		return
	}
	s.teardown()
	s.logger.Info("session destroyed", "active", count)
	r.publish(events.SessionClosed, nil, clientID)
}

// Get returns the session for a downstream connection, or nil.
func (r *Registry) Get(clientID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[clientID]
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns read-only stats for every active session.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	now := r.clock.Now()
	out := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.stats(now))
	}
	return out
}

func (r *Registry) publish(eventType events.EventType, payload any, sessionID string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(eventType, payload, events.WithSession(sessionID))
}
