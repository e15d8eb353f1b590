package realtime

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wondertwin-ai/twin-directline/pkg/twincore"
)

// Handler serves the websocket endpoints of the realtime listener.
type Handler struct {
	hub      *Hub
	trace    *TraceHub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(hub *Hub, trace *TraceHub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:   hub,
		trace: trace,
		upgrader: websocket.Upgrader{
			// The test client is served from another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes mounts the websocket endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws/conversation/{conversationID}", h.handleConversation)
	r.Get("/ws/trace", h.handleTrace)
}

func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		twincore.Error(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}
	id, err := url.PathUnescape(chi.URLParam(r, "conversationID"))
	if err != nil || id == "" {
		twincore.Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if h.hub.Policy() == PolicyReject && h.hub.Live(id) {
		twincore.Error(w, http.StatusConflict, "conversation already has a live session")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "conversation_id", id, "err", err)
		return
	}
	if err := h.hub.Connect(id, conn); err != nil {
		// Lost a race with another subscriber after the pre-upgrade check.
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), deadline)
		conn.Close()
	}
}

func (h *Handler) handleTrace(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		twincore.Error(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "route", "/ws/trace", "err", err)
		return
	}
	h.trace.Connect(conn)
}
