package events

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultBufferSize = 64
	defaultMaxEvents  = 256
)

// Broker implements a generic publish-subscribe broker with type safety.
// Publishing never blocks; slow subscribers drop events.
type Broker[T any] struct {
	subs         map[chan Event[T]][]EventFilter
	mu           sync.RWMutex
	done         chan struct{}
	bufferSize   int
	maxEvents    int
	eventHistory []Event[T]
	historyMu    sync.RWMutex
}

// NewBroker creates a new broker with default settings.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs:         make(map[chan Event[T]][]EventFilter),
		done:         make(chan struct{}),
		bufferSize:   defaultBufferSize,
		maxEvents:    defaultMaxEvents,
		eventHistory: make([]Event[T], 0, defaultMaxEvents),
	}
}

// Publish publishes an event to all subscribers.
func (b *Broker[T]) Publish(eventType EventType, payload T, opts ...PublishOption) {
	select {
	case <-b.done:
		return
	default:
	}

	options := &PublishOptions{}
	for _, opt := range opts {
		opt(options)
	}

	event := Event[T]{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		SessionID: options.SessionID,
	}

	b.addToHistory(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filters := range b.subs {
		if !b.matches(event, filters) {
			continue
		}
		select {
		case ch <- event:
		default:
			log.Warn("event channel full, dropping event", "type", eventType, "session", options.SessionID)
		}
	}
}

// Subscribe creates a new subscription with optional filters. The
// subscription ends when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event[T], b.bufferSize)
	b.subs[ch] = filters

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()

	return ch
}

func (b *Broker[T]) unsubscribe(ch chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[ch]; exists {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broker[T]) matches(event Event[T], filters []EventFilter) bool {
	if len(filters) == 0 {
		return true
	}

	anyEvent := Event[any]{
		ID:        event.ID,
		Type:      event.Type,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
		SessionID: event.SessionID,
	}

	for _, filter := range filters {
		if !filter(anyEvent) {
			return false
		}
	}
	return true
}

func (b *Broker[T]) addToHistory(event Event[T]) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.eventHistory = append(b.eventHistory, event)

	if len(b.eventHistory) > b.maxEvents {
		copy(b.eventHistory, b.eventHistory[len(b.eventHistory)-b.maxEvents:])
		b.eventHistory = b.eventHistory[:b.maxEvents]
	}
}

// GetHistory returns recent events matching the given filters.
func (b *Broker[T]) GetHistory(filters ...EventFilter) []Event[T] {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	var result []Event[T]
	for _, event := range b.eventHistory {
		if b.matches(event, filters) {
			result = append(result, event)
		}
	}
	return result
}

// Shutdown gracefully shuts down the broker.
func (b *Broker[T]) Shutdown() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
