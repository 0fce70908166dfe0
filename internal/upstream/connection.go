package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/auth"
	"github.com/voicebridge/voicebridge/internal/config"
)

// State is the lifecycle state of one connection attempt.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// staleCloseCode is the application close code used when the watchdog gives
// up on a silent connection.
const staleCloseCode = 4000

// ErrNotOpen is returned by send operations on a connection that is not open.
var ErrNotOpen = errors.New("upstream: connection not open")

// Transport is the minimal surface of a live WebSocket used by Conn. A
// *websocket.Conn satisfies it; tests substitute fakes.
type Transport interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetPongHandler(h func(string) error)
	Close() error
}

// DialFunc opens a raw transport to the endpoint authenticated with the given
// credential.
type DialFunc func(ctx context.Context, endpoint string, cred auth.Credential, timeout time.Duration) (Transport, error)

// Handler receives lifecycle and message callbacks for one connection. All
// callbacks carry the Conn so the receiver can reject events from a
// superseded connection.
type Handler interface {
	// ConnReady fires once the setup handshake has been sent.
	ConnReady(c *Conn, historyRestored bool)
	// ConnEvent fires for each inbound service message.
	ConnEvent(c *Conn, raw []byte)
	// ConnError fires on a transport error; the close that follows drives
	// any reconnection.
	ConnError(c *Conn, err error)
	// ConnClosed fires exactly once when the connection ends after having
	// opened.
	ConnClosed(c *Conn, code int, reason string)
	// ConnFailed fires when the attempt never reaches open (credential or
	// dial failure).
	ConnFailed(c *Conn, err error)
}

// Conn is one attempt at a transport session with the AI service.
type Conn struct {
	attempt int
	handler Handler
	logger  *log.Logger

	mu        sync.Mutex
	state     State
	transport Transport
	watchdog  *Watchdog
	closeCode int
	closeText string

	closeOnce  sync.Once
	notifyOnce sync.Once
}

// Attempt reports the reconnect-attempt number this connection was created for.
func (c *Conn) Attempt() int {
	return c.attempt
}

// IsOpen reports whether the connection is currently usable.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// Watchdog returns the bound watchdog, nil before open.
func (c *Conn) Watchdog() *Watchdog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchdog
}

// SendAudio forwards one media chunk.
func (c *Conn) SendAudio(mimeType, data string) error {
	return c.send(RealtimeInputMessage{
		RealtimeInput: RealtimeInput{
			MediaChunks: []MediaChunk{{MimeType: mimeType, Data: data}},
		},
	})
}

// SendTurnComplete forwards the explicit end-of-turn marker: a realtime input
// frame with no media.
func (c *Conn) SendTurnComplete() error {
	return c.send(RealtimeInputMessage{})
}

// SendInterrupt asks the model to stop the in-progress response.
func (c *Conn) SendInterrupt() error {
	return c.send(InterruptMessage{})
}

func (c *Conn) send(v any) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrNotOpen
	}
	tr := c.transport
	c.mu.Unlock()

	return tr.WriteJSON(v)
}

func (c *Conn) sendPing() {
	c.mu.Lock()
	tr := c.transport
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || tr == nil {
		return
	}
	if err := tr.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
		c.logger.Debug("ping failed", "attempt", c.attempt, "error", err)
	}
}

// Close tears the connection down with the given close code. Idempotent; the
// watchdog is stopped before the transport is disposed so a racing probe can
// never touch a dead handle.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.closeCode = code
		c.closeText = reason
		wd := c.watchdog
		tr := c.transport
		c.mu.Unlock()

		if wd != nil {
			wd.Stop()
		}
		if tr != nil {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(code, reason)
			_ = tr.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = tr.Close()
		}
	})
}

func (c *Conn) closeStale(silent time.Duration) {
	c.logger.Warn("closing stale connection", "attempt", c.attempt, "silent", silent)
	c.Close(staleCloseCode, "no keepalive ack")
}

// notifyClosed delivers the single ConnClosed callback, using the code and
// reason recorded by whichever side closed first.
func (c *Conn) notifyClosed() {
	c.notifyOnce.Do(func() {
		c.mu.Lock()
		code, reason := c.closeCode, c.closeText
		c.mu.Unlock()
		c.handler.ConnClosed(c, code, reason)
	})
}

// Dialer establishes configured connections to the upstream service.
type Dialer struct {
	upstream config.Upstream
	timing   config.Timing
	creds    *auth.Supplier
	dial     DialFunc
	clock    clock.Clock
	logger   *log.Logger
}

// NewDialer creates a dialer using the real WebSocket transport.
func NewDialer(up config.Upstream, timing config.Timing, creds *auth.Supplier) *Dialer {
	return &Dialer{
		upstream: up,
		timing:   timing,
		creds:    creds,
		dial:     wsDial,
		clock:    clock.New(),
		logger:   log.With("component", "upstream"),
	}
}

// NewDialerWithTransport creates a dialer with an injected dial function and
// clock, for tests.
func NewDialerWithTransport(up config.Upstream, timing config.Timing, creds *auth.Supplier, dial DialFunc, clk clock.Clock) *Dialer {
	return &Dialer{
		upstream: up,
		timing:   timing,
		creds:    creds,
		dial:     dial,
		clock:    clk,
		logger:   log.With("component", "upstream"),
	}
}

// Clock exposes the dialer's clock so session timers share the same source.
func (d *Dialer) Clock() clock.Clock {
	return d.clock
}

// Establish starts one connection attempt and returns its handle immediately.
// The connection becomes usable only after the handler's ConnReady fires.
// historyBlock, when non-empty, is appended to the persona preamble in the
// setup handshake — the sole mechanism by which conversational context
// survives a reconnect.
func (d *Dialer) Establish(ctx context.Context, attempt int, preferEphemeral bool, historyBlock string, h Handler) *Conn {
	c := &Conn{
		attempt: attempt,
		handler: h,
		logger:  d.logger,
		state:   StateConnecting,
	}
	go d.run(ctx, c, preferEphemeral, historyBlock)
	return c
}

func (d *Dialer) run(ctx context.Context, c *Conn, preferEphemeral bool, historyBlock string) {
	cred, err := d.creds.Acquire(ctx, preferEphemeral)
	if err != nil && preferEphemeral {
		// One transparent fallback to the static key within the same
		// attempt; not a loop.
		d.logger.Warn("ephemeral credential failed, trying static key", "attempt", c.attempt, "error", err)
		cred, err = d.creds.Acquire(ctx, false)
	}
	if err != nil {
		d.fail(c, fmt.Errorf("acquiring credential: %w", err))
		return
	}

	tr, err := d.dial(ctx, d.upstream.Endpoint, cred, d.timing.DialTimeout)
	if err != nil {
		d.fail(c, fmt.Errorf("dialing upstream: %w", err))
		return
	}

	wd := newWatchdog(c, d.clock, d.timing.ProbeInterval, d.timing.StaleThreshold)
	tr.SetPongHandler(func(string) error {
		wd.Ack()
		return nil
	})

	c.mu.Lock()
	if c.state == StateClosed {
		// Torn down while dialing.
		c.mu.Unlock()
		tr.Close()
		return
	}
	c.transport = tr
	c.watchdog = wd
	c.state = StateOpen
	c.mu.Unlock()

	if err := tr.WriteJSON(d.buildSetup(historyBlock)); err != nil {
		c.Close(websocket.CloseInternalServerErr, "setup failed")
		d.fail(c, fmt.Errorf("sending setup: %w", err))
		return
	}

	wd.Start()
	d.logger.Info("upstream connection open", "attempt", c.attempt, "method", cred.Method, "history", historyBlock != "")
	c.handler.ConnReady(c, historyBlock != "")

	d.readLoop(c, tr)
}

func (d *Dialer) fail(c *Conn, err error) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	d.logger.Error("connection attempt failed", "attempt", c.attempt, "error", err)
	c.handler.ConnFailed(c, err)
}

func (d *Dialer) readLoop(c *Conn, tr Transport) {
	for {
		_, data, err := tr.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.handler.ConnError(c, err)
			}
			c.Close(code, reason)
			c.notifyClosed()
			return
		}
		c.handler.ConnEvent(c, data)
	}
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func (d *Dialer) buildSetup(historyBlock string) SetupMessage {
	instruction := d.upstream.PersonaPreamble
	if historyBlock != "" {
		instruction = instruction + "\n\n" + historyBlock
	}

	return SetupMessage{
		Setup: Setup{
			Model: d.upstream.Model,
			GenerationConfig: GenerationConfig{
				ResponseModalities: []string{d.upstream.ResponseModality},
				SpeechConfig: &SpeechConfig{
					VoiceConfig: VoiceConfig{
						PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: d.upstream.Voice},
					},
				},
			},
			SystemInstruction: &Content{
				Parts: []TextPart{{Text: instruction}},
			},
		},
	}
}

// wsDial opens the real WebSocket transport. Ephemeral tokens authenticate
// via a Bearer header, static keys via the key query parameter.
func wsDial(ctx context.Context, endpoint string, cred auth.Credential, timeout time.Duration) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	header := http.Header{}

	target := endpoint
	switch cred.Method {
	case auth.MethodEphemeral:
		header.Set("Authorization", "Bearer "+cred.Token)
	case auth.MethodStatic:
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		target = endpoint + sep + "key=" + url.QueryEscape(cred.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}
