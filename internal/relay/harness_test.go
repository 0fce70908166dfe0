package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/auth"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/history"
	"github.com/voicebridge/voicebridge/internal/upstream"
)

// fakeClient records every envelope the relay sends downstream.
type fakeClient struct {
	id string

	mu   sync.Mutex
	msgs []any
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, v)
}

func (c *fakeClient) readies() []readyEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []readyEnvelope
	for _, m := range c.msgs {
		if e, ok := m.(readyEnvelope); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeClient) countType(envelopeType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		switch e := m.(type) {
		case readyEnvelope:
			if e.Type == envelopeType {
				n++
			}
		case reconnectingEnvelope:
			if e.Type == envelopeType {
				n++
			}
		case passthroughEnvelope:
			if e.Type == envelopeType {
				n++
			}
		case errorEnvelope:
			if e.Type == envelopeType {
				n++
			}
		case ackEnvelope:
			if e.Type == envelopeType {
				n++
			}
		}
	}
	return n
}

// fakeTransport is an in-memory upstream.Transport.
type fakeTransport struct {
	mu       sync.Mutex
	written  []string
	closed   bool
	closeErr error

	inbound chan []byte
	done    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, string(data))
	return nil
}

func (t *fakeTransport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-t.inbound:
		return websocket.TextMessage, msg, nil
	case <-t.done:
		t.mu.Lock()
		err := t.closeErr
		t.mu.Unlock()
		if err == nil {
			err = &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "transport closed"}
		}
		return 0, nil, err
	}
}

func (t *fakeTransport) SetPongHandler(h func(string) error) {}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// deliver injects one upstream event, waiting for the read loop to take it.
func (t *fakeTransport) deliver(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	t.deliverRaw(data)
}

func (t *fakeTransport) deliverRaw(data []byte) {
	select {
	case t.inbound <- data:
	case <-t.done:
	}
}

// closeFromServer simulates a provider-side close.
func (t *fakeTransport) closeFromServer(code int, text string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = &websocket.CloseError{Code: code, Text: text}
	t.mu.Unlock()
	close(t.done)
}

func (t *fakeTransport) writtenMessages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.written))
	copy(out, t.written)
	return out
}

// dialScript controls which dial attempts succeed.
type dialScript struct {
	mu         sync.Mutex
	calls      int
	failCall   func(call int) error
	transports []*fakeTransport
	creds      []auth.Credential
}

func (d *dialScript) dial(ctx context.Context, endpoint string, cred auth.Credential, timeout time.Duration) (upstream.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.creds = append(d.creds, cred)
	if d.failCall != nil {
		if err := d.failCall(d.calls); err != nil {
			return nil, err
		}
	}
	tr := newFakeTransport()
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *dialScript) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *dialScript) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func (d *dialScript) lastTransport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func testTiming() config.Timing {
	return config.Timing{
		ProbeInterval:  20 * time.Second,
		StaleThreshold: 45 * time.Second,
		ReconnectDelay: 3 * time.Second,
		FallbackDelay:  2 * time.Second,
		WriteTimeout:   time.Second,
		DialTimeout:    time.Second,
	}
}

// newTestRegistry builds a registry on a mock clock, a scripted dialer and a
// static-key supplier.
func newTestRegistry(script *dialScript) (*Registry, *clock.Mock) {
	mock := clock.NewMock()
	supplier := auth.NewSupplier(config.Auth{APIKey: "static-key"})
	up := config.Upstream{
		Endpoint:         "wss://example.test/bidi",
		Model:            "models/gemini-2.0-flash-exp",
		ResponseModality: "AUDIO",
		Voice:            "Puck",
		PersonaPreamble:  "You are a helpful voice assistant.",
	}
	dialer := upstream.NewDialerWithTransport(up, testTiming(), supplier, script.dial, mock)
	return NewRegistry(dialer, testTiming(), 30, nil), mock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connect establishes a ready session against the scripted dialer.
func connect(t *testing.T, r *Registry, script *dialScript) (*fakeClient, *Session) {
	t.Helper()
	client := &fakeClient{id: "client-1"}
	s := r.Connect(client)
	waitFor(t, "upstream transport", func() bool { return script.lastTransport() != nil })
	waitFor(t, "ready envelope", func() bool { return len(client.readies()) > 0 })
	return client, s
}

// sendJSON routes a raw downstream message string into the session.
func sendJSON(s *Session, raw string) {
	s.HandleDownstream([]byte(raw))
}

func (s *Session) snapshotForTest() (userBuf, assistantBuf string, pendingAudio int, historyLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userBuf, s.assistantBuf, len(s.pendingAudio), s.log.Len()
}

// historyForTest reads the conversation log under the session lock, since the
// upstream read loop may be appending concurrently.
func (s *Session) historyForTest() []history.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Entries()
}
