package twincore

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const (
	maxTracedRequestBody  = 64 << 10
	maxTracedResponseBody = 16 << 10
)

// RequestLogEntry captures details of an incoming request for admin inspection.
type RequestLogEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Route      string            `json:"route,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	StatusCode int               `json:"status_code"`
	Duration   time.Duration     `json:"duration_ms"`
	RequestID  string            `json:"request_id,omitempty"`
}

// RequestLog is a thread-safe ring buffer of recent requests.
type RequestLog struct {
	mu      sync.RWMutex
	entries []RequestLogEntry
	maxSize int
}

// NewRequestLog creates a request log with the given max size.
func NewRequestLog(maxSize int) *RequestLog {
	return &RequestLog{
		entries: make([]RequestLogEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add appends an entry, evicting the oldest if at capacity.
func (rl *RequestLog) Add(entry RequestLogEntry) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.entries) >= rl.maxSize {
		rl.entries = rl.entries[1:]
	}
	rl.entries = append(rl.entries, entry)
}

// Entries returns a copy of all log entries.
func (rl *RequestLog) Entries() []RequestLogEntry {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	out := make([]RequestLogEntry, len(rl.entries))
	copy(out, rl.entries)
	return out
}

// Clear removes all entries.
func (rl *RequestLog) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.entries = rl.entries[:0]
}

// TraceEvent describes one request/response exchange for developer tooling.
type TraceEvent struct {
	Method  string          `json:"method"`
	Route   string          `json:"route"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  int             `json:"status"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// Failed reports whether the exchange ended in an error status.
func (e TraceEvent) Failed() bool {
	return e.Status >= http.StatusBadRequest
}

// TraceSink receives one TraceEvent per completed request.
type TraceSink interface {
	Trace(TraceEvent)
}

// Middleware provides the common middleware functions.
type Middleware struct {
	cfg    *Config
	logger *slog.Logger
	ReqLog *RequestLog

	mu   sync.RWMutex
	sink TraceSink
}

// NewMiddleware creates a new Middleware instance.
func NewMiddleware(cfg *Config, logger *slog.Logger) *Middleware {
	return &Middleware{
		cfg:    cfg,
		logger: logger,
		ReqLog: NewRequestLog(1000),
	}
}

// SetTraceSink registers the receiver of network-trace events.
func (m *Middleware) SetTraceSink(sink TraceSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

func (m *Middleware) traceSink() TraceSink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink
}

// CORS adds permissive CORS headers; the test client runs on another origin.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, x-emulator-botendpoint, x-ms-bot-agent")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code and, for failures, the response body.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.statusCode >= http.StatusBadRequest && sr.body.Len() < maxTracedResponseBody {
		sr.body.Write(p)
	}
	return sr.ResponseWriter.Write(p)
}

// RequestLog middleware records each request into the ring buffer and
// publishes a TraceEvent to the registered sink.
func (m *Middleware) RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		payload := peekJSONBody(r)

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		entry := RequestLogEntry{
			Timestamp:  start,
			Method:     r.Method,
			Path:       r.URL.Path,
			Route:      route,
			StatusCode: rec.statusCode,
			Duration:   time.Since(start),
			RequestID:  chimw.GetReqID(r.Context()),
		}
		if m.cfg.Verbose {
			entry.Headers = make(map[string]string)
			for k := range r.Header {
				if strings.EqualFold(k, "Authorization") {
					continue
				}
				entry.Headers[k] = r.Header.Get(k)
			}
		}
		m.ReqLog.Add(entry)

		if sink := m.traceSink(); sink != nil {
			ev := TraceEvent{
				Method:  r.Method,
				Route:   route,
				Payload: payload,
				Status:  rec.statusCode,
			}
			if ev.Failed() {
				ev.Error = errorDetail(rec.body.Bytes(), rec.statusCode)
			}
			sink.Trace(ev)
		}

		if m.cfg.Verbose {
			m.logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.statusCode,
				"duration", time.Since(start),
			)
		}
	})
}

// peekJSONBody reads up to maxTracedRequestBody bytes of a JSON request body
// and restores the body for downstream handlers.
func peekJSONBody(r *http.Request) json.RawMessage {
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxTracedRequestBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || !json.Valid(buf) {
		return nil
	}
	return json.RawMessage(buf)
}

// errorDetail pulls the message out of an error envelope. Responses that are
// not envelopes (e.g. a relayed bot body) still yield a detail with the status.
func errorDetail(body []byte, status int) *ErrorDetail {
	var env ErrorBody
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return &env.Error
	}
	return &ErrorDetail{Message: http.StatusText(status), Status: status}
}
