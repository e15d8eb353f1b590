package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wondertwin-ai/twin-directline/pkg/twincore"
)

const (
	maxTraceBacklog = 500

	// traceQueueSize bounds the events waiting for a subscriber's writer.
	// It holds a full backlog plus live traffic.
	traceQueueSize = maxTraceBacklog + 256
)

// TraceHub broadcasts network-trace events to at most one subscriber.
// Without a subscriber, failed exchanges are kept for the next one and
// everything else is dropped. Trace never writes to the socket itself: a
// per-subscriber writer drains a bounded queue, and events that do not fit
// are dropped.
type TraceHub struct {
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	queue   chan twincore.TraceEvent
	session uint64
	backlog []twincore.TraceEvent
	dropped int
}

// NewTraceHub creates a TraceHub.
func NewTraceHub(writeTimeout time.Duration, logger *slog.Logger) *TraceHub {
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceHub{writeTimeout: writeTimeout, logger: logger}
}

// Trace implements twincore.TraceSink. It never blocks on the network.
func (t *TraceHub) Trace(ev twincore.TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		if ev.Failed() {
			if len(t.backlog) >= maxTraceBacklog {
				t.backlog = t.backlog[1:]
			}
			t.backlog = append(t.backlog, ev)
		}
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.dropped++
	}
}

// Connect makes conn the subscriber, closing any previous one, and queues
// the backlogged failures for it.
func (t *TraceHub) Connect(conn *websocket.Conn) {
	t.mu.Lock()
	t.detachLocked()
	t.session++
	session := t.session
	queue := make(chan twincore.TraceEvent, traceQueueSize)
	for _, ev := range t.backlog {
		queue <- ev
	}
	t.backlog = nil
	t.conn = conn
	t.queue = queue
	t.mu.Unlock()

	go t.pump(conn, queue, session)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		t.detach(session)
	}()
}

// pump writes queued events to conn until the queue is closed or a write
// fails.
func (t *TraceHub) pump(conn *websocket.Conn, queue <-chan twincore.TraceEvent, session uint64) {
	for ev := range queue {
		if err := t.write(conn, ev); err != nil {
			t.logger.Debug("trace subscriber write failed", "err", err)
			t.detach(session)
			return
		}
	}
}

// detach drops the subscriber of session, if it is still the current one.
func (t *TraceHub) detach(session uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == session {
		t.detachLocked()
	}
}

func (t *TraceHub) detachLocked() {
	if t.conn == nil {
		return
	}
	close(t.queue)
	t.conn.Close()
	t.conn = nil
	t.queue = nil
}

// Subscribed reports whether a subscriber is attached.
func (t *TraceHub) Subscribed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Backlog returns the number of failures waiting for a subscriber.
func (t *TraceHub) Backlog() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.backlog)
}

// Dropped returns the number of events discarded because the subscriber's
// queue was full.
func (t *TraceHub) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Reset drops the subscriber and the backlog.
func (t *TraceHub) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detachLocked()
	t.backlog = nil
	t.dropped = 0
}

func (t *TraceHub) write(conn *websocket.Conn, ev twincore.TraceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
