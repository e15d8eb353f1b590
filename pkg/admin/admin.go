// Package admin provides the /admin/* control plane used to inspect and
// reset the Direct Line twin between test runs.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wondertwin-ai/twin-directline/pkg/store"
	"github.com/wondertwin-ai/twin-directline/pkg/twincore"
)

// StateStore is implemented by the twin to expose and clear its state.
type StateStore interface {
	// Snapshot returns the full state as a JSON-serializable value.
	Snapshot() any
	// Reset clears all in-memory state.
	Reset()
}

// Handler provides the admin endpoints.
type Handler struct {
	state   StateStore
	mw      *twincore.Middleware
	clock   *store.Clock
	started time.Time
}

// NewHandler creates a new admin handler. clock may be nil.
func NewHandler(state StateStore, mw *twincore.Middleware, clock *store.Clock) *Handler {
	return &Handler{
		state:   state,
		mw:      mw,
		clock:   clock,
		started: time.Now(),
	}
}

// Routes mounts the admin endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/reset", h.handleReset)
		r.Get("/state", h.handleGetState)
		r.Get("/requests", h.handleGetRequests)
		r.Post("/time/advance", h.handleTimeAdvance)
		r.Get("/time", h.handleGetTime)
		r.Get("/health", h.handleHealth)
	})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.state.Reset()
	h.mw.ReqLog.Clear()
	if h.clock != nil {
		h.clock.Reset()
	}
	twincore.JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, h.state.Snapshot())
}

func (h *Handler) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, h.mw.ReqLog.Entries())
}

func (h *Handler) handleTimeAdvance(w http.ResponseWriter, r *http.Request) {
	if h.clock == nil {
		twincore.Error(w, http.StatusBadRequest, "simulated clock not configured")
		return
	}

	var req struct {
		Duration string `json:"duration"` // Go duration string, e.g., "24h", "30m"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid duration: "+err.Error())
		return
	}
	if d < 0 {
		twincore.Error(w, http.StatusBadRequest, "duration must not be negative")
		return
	}

	h.clock.Advance(d)
	twincore.JSON(w, http.StatusOK, map[string]any{
		"status":    "advanced",
		"duration":  d.String(),
		"offset":    h.clock.Offset().String(),
		"simulated": h.clock.Now().Format(time.RFC3339),
	})
}

func (h *Handler) handleGetTime(w http.ResponseWriter, r *http.Request) {
	if h.clock == nil {
		twincore.JSON(w, http.StatusOK, map[string]any{
			"real": time.Now().Format(time.RFC3339),
		})
		return
	}
	twincore.JSON(w, http.StatusOK, map[string]any{
		"real":      time.Now().Format(time.RFC3339),
		"simulated": h.clock.Now().Format(time.RFC3339),
		"offset":    h.clock.Offset().String(),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}
