package events

import "time"

// EventType identifies the type of event
type EventType string

// Relay lifecycle event types
const (
	SessionStarted      EventType = "session.started"
	SessionReady        EventType = "session.ready"
	SessionReconnecting EventType = "session.reconnecting"
	SessionClosed       EventType = "session.closed"

	UpstreamOpened     EventType = "upstream.opened"
	UpstreamClosed     EventType = "upstream.closed"
	UpstreamStale      EventType = "upstream.stale"
	UpstreamGivenUp    EventType = "upstream.given_up"
	HistoryCleared     EventType = "history.cleared"
	CredentialFallback EventType = "credential.fallback"
)

// Event represents a single relay event.
type Event[T any] struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}

// EventFilter decides whether a subscriber receives an event.
type EventFilter func(Event[any]) bool

// FilterBySession keeps only events for the given session.
func FilterBySession(sessionID string) EventFilter {
	return func(e Event[any]) bool {
		return e.SessionID == sessionID
	}
}

// FilterByType keeps only events of the given types.
func FilterByType(types ...EventType) EventFilter {
	return func(e Event[any]) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// PublishOptions carries optional event metadata.
type PublishOptions struct {
	SessionID string
}

// PublishOption configures a publish call.
type PublishOption func(*PublishOptions)

// WithSession tags the event with the originating session.
func WithSession(sessionID string) PublishOption {
	return func(o *PublishOptions) {
		o.SessionID = sessionID
	}
}
