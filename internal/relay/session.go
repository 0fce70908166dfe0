package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/events"
	"github.com/voicebridge/voicebridge/internal/history"
	"github.com/voicebridge/voicebridge/internal/upstream"
)

// DownstreamClient is the session's view of the downstream connection. Send
// must never block; implementations enqueue and drop on overflow.
type DownstreamClient interface {
	ID() string
	Send(v any)
}

// phase tracks which step of the bounded connect/reconnect sequence the
// session is in, so a failed attempt knows what comes next.
type phase int

const (
	// First connection for the session, ephemeral-preferred.
	phaseInitialEphemeral phase = iota
	// Immediate static-key retry after the initial attempt failed outright.
	phaseInitialStatic
	// Scheduled reconnect after a close, ephemeral-preferred.
	phaseReconnectPrimary
	// Last-resort static-key retry after the scheduled reconnect failed
	// outright. No automatic attempt follows this one.
	phaseReconnectFallback
)

// Session bundles everything the relay tracks for one downstream connection:
// the current upstream connection (exactly one live instance at a time),
// conversation history, in-progress utterance accumulators and the timers
// driving reconnection. All state is guarded by mu; each event source
// (downstream pump, upstream read loop, timers) is a single goroutine, so
// per-source ordering is preserved.
type Session struct {
	id     string
	client DownstreamClient
	reg    *Registry
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger

	mu             sync.Mutex
	conn           *upstream.Conn
	phase          phase
	opens          int
	reconnectCount int
	log            *history.Log
	userBuf        string
	assistantBuf   string
	pendingAudio   []string
	reconnectTimer *clock.Timer
	msgCount       int
	closed         bool
}

// establish starts a new connection attempt and atomically installs its
// handle as the session's current connection. Callbacks from any superseded
// connection are rejected by pointer identity.
func (s *Session) establish(preferEphemeral bool, ph phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.phase = ph
	s.conn = s.reg.dialer.Establish(s.ctx, s.opens, preferEphemeral, s.log.Render(), s)
}

// scheduleReconnect arms the pending-reconnect timer, replacing any earlier
// one. The fired callback is a no-op once the session is closed.
func (s *Session) scheduleReconnect(delay time.Duration, preferEphemeral bool, ph phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = s.reg.clock.AfterFunc(delay, func() {
		s.establish(preferEphemeral, ph)
	})
}

// teardown is the terminal transition, driven by the downstream disconnect.
// It cancels every outstanding timer and closes the current upstream
// connection; no reconnection happens once the downstream side is gone.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timer := s.reconnectTimer
	s.reconnectTimer = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "client disconnected")
	}
	s.cancel()
}

// current reports whether c is still the session's live connection.
func (s *Session) current(c *upstream.Conn) bool {
	return !s.closed && c == s.conn
}

// ConnReady implements upstream.Handler.
func (s *Session) ConnReady(c *upstream.Conn, historyRestored bool) {
	s.mu.Lock()
	if !s.current(c) {
		closed := s.closed
		s.mu.Unlock()
		if closed {
			c.Close(websocket.CloseNormalClosure, "session gone")
		}
		return
	}
	s.opens++
	s.reconnectCount = c.Attempt()
	count := s.reconnectCount
	s.mu.Unlock()

	s.logger.Info("session ready", "reconnects", count, "history", historyRestored)
	s.client.Send(newReady(historyRestored, count))
	s.reg.publish(events.SessionReady, map[string]any{
		"reconnect_count":  count,
		"history_restored": historyRestored,
	}, s.id)
}

// ConnEvent implements upstream.Handler.
func (s *Session) ConnEvent(c *upstream.Conn, raw []byte) {
	s.handleUpstreamEvent(c, raw)
}

// ConnError implements upstream.Handler. Errors are diagnostic only; the
// close that follows drives reconnection.
func (s *Session) ConnError(c *upstream.Conn, err error) {
	s.mu.Lock()
	ok := s.current(c)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Warn("upstream error", "error", err)
	s.client.Send(newError(fmt.Sprintf("upstream error: %v", err)))
}

// ConnClosed implements upstream.Handler. Any close of the live connection,
// including a watchdog staleness close, schedules the primary reconnect.
func (s *Session) ConnClosed(c *upstream.Conn, code int, reason string) {
	s.mu.Lock()
	if !s.current(c) {
		s.mu.Unlock()
		return
	}
	count := s.reconnectCount
	s.mu.Unlock()

	s.logger.Info("upstream closed, reconnect pending", "code", code, "reason", reason)
	s.scheduleReconnect(s.reg.timing.ReconnectDelay, true, phaseReconnectPrimary)

	// The timer is armed before the client hears about it, so observing
	// the reconnecting envelope means a reconnect is genuinely pending.
	s.client.Send(newReconnecting("Connection to assistant lost, reconnecting...", count))
	s.reg.publish(events.SessionReconnecting, map[string]any{
		"code":   code,
		"reason": reason,
	}, s.id)
}

// ConnFailed implements upstream.Handler: the attempt never reached open.
// The bounded sequence: initial failure retries once with the static key
// immediately; a scheduled reconnect failure gets one shorter-delay
// static-only retry; a fallback failure ends automatic recovery.
func (s *Session) ConnFailed(c *upstream.Conn, err error) {
	s.mu.Lock()
	if !s.current(c) {
		s.mu.Unlock()
		return
	}
	ph := s.phase
	s.mu.Unlock()

	switch ph {
	case phaseInitialEphemeral:
		s.logger.Warn("initial connect failed, retrying with static key", "error", err)
		s.reg.publish(events.CredentialFallback, map[string]any{"error": err.Error()}, s.id)
		s.establish(false, phaseInitialStatic)
	case phaseReconnectPrimary:
		s.logger.Warn("reconnect failed, scheduling static-key fallback", "error", err)
		s.scheduleReconnect(s.reg.timing.FallbackDelay, false, phaseReconnectFallback)
		s.reg.publish(events.CredentialFallback, map[string]any{"error": err.Error()}, s.id)
	case phaseInitialStatic, phaseReconnectFallback:
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.logger.Error("upstream unreachable, giving up", "error", err)
		s.client.Send(newError("Could not reach the assistant. Please reconnect."))
		s.reg.publish(events.UpstreamGivenUp, map[string]any{"error": err.Error()}, s.id)
	}
}

// Stats is the read-only introspection view of one session.
type Stats struct {
	SessionID      string  `json:"session_id"`
	Messages       int     `json:"messages"`
	HistoryEntries int     `json:"history_entries"`
	HistoryChars   int     `json:"history_chars"`
	ReconnectCount int     `json:"reconnect_count"`
	UpstreamOpen   bool    `json:"upstream_open"`
	LastAckSeconds float64 `json:"last_ack_seconds"`
}

// stats snapshots the session without mutating it.
func (s *Session) stats(now time.Time) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		SessionID:      s.id,
		Messages:       s.msgCount,
		HistoryEntries: s.log.Len(),
		HistoryChars:   s.log.Chars(),
		ReconnectCount: s.reconnectCount,
		LastAckSeconds: -1,
	}
	if s.conn != nil {
		st.UpstreamOpen = s.conn.IsOpen()
		if wd := s.conn.Watchdog(); wd != nil {
			if ack := wd.LastAck(); !ack.IsZero() {
				st.LastAckSeconds = now.Sub(ack).Seconds()
			}
		}
	}
	return st
}
