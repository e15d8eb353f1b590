// Package twincore provides the base HTTP server, middleware chain, and
// response helpers for the Direct Line twin.
package twincore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Config holds the settings the base server needs. Twin-specific settings
// live with the twin and are projected onto this struct.
type Config struct {
	Name    string // twin name for logging
	Port    int
	Verbose bool
}

// Twin is the base server. It wraps a chi router with the common
// middleware and manages the lifecycle of its listeners.
type Twin struct {
	Config *Config
	Router *chi.Mux
	Logger *slog.Logger
	mw     *Middleware
}

// New creates a new Twin with the given config.
func New(cfg *Config) *Twin {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	r := chi.NewRouter()
	mw := NewMiddleware(cfg, logger)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.CORS)
	r.Use(mw.RequestLog)

	return &Twin{
		Config: cfg,
		Router: r,
		Logger: logger,
		mw:     mw,
	}
}

// Middleware returns the middleware instance for external access (request
// log inspection, trace sink registration).
func (t *Twin) Middleware() *Middleware {
	return t.mw
}

// Listen binds the main listener. With Port 0 the OS assigns a port, which
// is written back into Config.Port.
func (t *Twin) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.Config.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", t.Config.Port, err)
	}
	t.Config.Port = ln.Addr().(*net.TCPAddr).Port
	return ln, nil
}

// Sidecar is an extra listener served alongside the main router and shut
// down with it.
type Sidecar struct {
	Name     string
	Listener net.Listener
	Handler  http.Handler
}

// Serve serves the router on ln plus any sidecars, and blocks until an
// interrupt or SIGTERM arrives.
func (t *Twin) Serve(ln net.Listener, sidecars ...Sidecar) error {
	servers := []*http.Server{newServer(t.Router)}
	listeners := []net.Listener{ln}
	names := []string{t.Config.Name}
	for _, sc := range sidecars {
		servers = append(servers, newServer(sc.Handler))
		listeners = append(listeners, sc.Listener)
		names = append(names, sc.Name)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		go func(srv *http.Server, ln net.Listener, name string) {
			t.Logger.Info("starting listener", "name", name, "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(srv, listeners[i], names[i])
	}

	var serveErr error
	select {
	case <-done:
	case serveErr = <-errCh:
		t.Logger.Error("server error", "err", serveErr)
	}
	t.Logger.Info("shutting down twin", "name", t.Config.Name)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			srv.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	return serveErr
}

func newServer(h http.Handler) *http.Server {
	// No WriteTimeout: websocket sessions on the realtime sidecar are long-lived.
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ServeHTTP implements http.Handler so Twin can be used directly in tests.
func (t *Twin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.Router.ServeHTTP(w, r)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// ErrorBody is the envelope every error response is wrapped in.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner object of an error envelope.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Error writes an error envelope with no specific code.
func Error(w http.ResponseWriter, status int, message string) {
	ErrorCode(w, status, "", message)
}

// ErrorCode writes an error envelope carrying a taxonomy code.
func ErrorCode(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: ErrorDetail{
		Code:    code,
		Message: message,
		Status:  status,
	}})
}
