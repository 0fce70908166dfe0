package upstream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Watchdog probes one bound connection for liveness. On every interval it
// records the probe time, sends a transport-level ping and, if no
// acknowledgment has arrived for longer than the stale threshold, closes the
// bound connection — once. Sustained silence is the only condition it acts on;
// a single missed ack never triggers a close.
type Watchdog struct {
	conn      *Conn
	clock     clock.Clock
	interval  time.Duration
	threshold time.Duration

	mu        sync.Mutex
	lastProbe time.Time
	lastAck   time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newWatchdog(conn *Conn, clk clock.Clock, interval, threshold time.Duration) *Watchdog {
	return &Watchdog{
		conn:      conn,
		clock:     clk,
		interval:  interval,
		threshold: threshold,
		stop:      make(chan struct{}),
	}
}

// Start begins probing. The connection counts as acknowledged at start so the
// threshold measures silence from this point, not from the dial.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.lastAck = w.clock.Now()
	w.mu.Unlock()
	// Create the ticker before the goroutine starts so it is registered
	// with the clock as soon as Start returns.
	ticker := w.clock.Ticker(w.interval)
	go w.loop(ticker)
}

func (w *Watchdog) loop(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.probe()
		}
	}
}

func (w *Watchdog) probe() {
	// The connection closes before the watchdog is stopped; this check
	// resolves the tick-vs-cancel race in favor of cancellation.
	if !w.conn.IsOpen() {
		return
	}

	now := w.clock.Now()
	w.mu.Lock()
	w.lastProbe = now
	silent := now.Sub(w.lastAck)
	w.mu.Unlock()

	w.conn.sendPing()

	if silent > w.threshold {
		w.conn.closeStale(silent)
	}
}

// Ack records an acknowledgment. Called from the transport's pong handler,
// independent of the probe interval.
func (w *Watchdog) Ack() {
	w.mu.Lock()
	w.lastAck = w.clock.Now()
	w.mu.Unlock()
}

// Stop cancels the watchdog. Idempotent; once stopped it never probes again.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

// LastAck reports when the last acknowledgment arrived.
func (w *Watchdog) LastAck() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAck
}

// LastProbe reports when the last probe was sent.
func (w *Watchdog) LastProbe() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastProbe
}
