// Package api implements the Direct Line compatible HTTP surface of the
// emulator and the /emulator/* inspection routes.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/internal/attachment"
	"github.com/wondertwin-ai/twin-directline/internal/conversation"
	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
	"github.com/wondertwin-ai/twin-directline/internal/realtime"
)

// Config wires a Handler to the emulator's state.
type Config struct {
	Conversations *conversation.Registry
	Endpoints     *endpoint.Registry
	Attachments   *attachment.Store
	Hub           *realtime.Hub
	Trace         *realtime.TraceHub

	// Authenticate gates routes bots call into. Nil leaves them open.
	Authenticate func(http.Handler) http.Handler

	// ServiceURL is the base URL bots use to reach the emulator.
	ServiceURL string
	// WSPort is the realtime listener's port.
	WSPort int
	Logger *slog.Logger
}

// Handler holds all API handler state.
type Handler struct {
	conversations *conversation.Registry
	endpoints     *endpoint.Registry
	attachments   *attachment.Store
	hub           *realtime.Hub
	trace         *realtime.TraceHub
	authenticate  func(http.Handler) http.Handler
	serviceURL    string
	wsPort        int
	logger        *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		conversations: cfg.Conversations,
		endpoints:     cfg.Endpoints,
		attachments:   cfg.Attachments,
		hub:           cfg.Hub,
		trace:         cfg.Trace,
		authenticate:  cfg.Authenticate,
		serviceURL:    cfg.ServiceURL,
		wsPort:        cfg.WSPort,
		logger:        cfg.Logger,
	}
}

// Routes mounts the API routes.
func (h *Handler) Routes(r chi.Router) {
	// Test client traffic.
	r.Post("/v3/conversations", h.CreateConversation)
	r.Post("/v3/conversations/{conversationID}/activities", h.PostUserActivity)
	r.Post("/v3/directline/conversations", h.StartConversation)
	r.Get("/v3/directline/conversations/{conversationID}/activities", h.GetActivities)
	r.Get("/v3/attachments/{attachmentID}", h.GetAttachmentInfo)
	r.Get("/v3/attachments/{attachmentID}/views/{viewID}", h.GetAttachmentView)
	r.Put("/conversations/{conversationID}/updateConversation", h.UpdateConversation)
	r.Get("/conversations/ws/port", h.GetWSPort)

	// Calls that may carry a bot's bearer token.
	r.Group(func(r chi.Router) {
		if h.authenticate != nil {
			r.Use(h.authenticate)
		}
		r.Post("/v3/conversations/{conversationID}/activities/{activityID}", h.ReplyToActivity)
		r.Post("/v3/conversations/{conversationID}/attachments", h.UploadAttachment)
		r.Post("/v3/directline/conversations/{conversationID}/activities", h.PostDirectLineActivity)
		r.Post("/v3/directline/conversations/{conversationID}/upload", h.Upload)
	})

	// Emulator inspection (not part of Direct Line).
	r.Route("/emulator", func(r chi.Router) {
		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{conversationID}", h.GetConversation)
		r.Delete("/conversations/{conversationID}", h.DeleteConversation)
		r.Post("/conversations/{conversationID}/clear", h.ClearConversation)
		r.Get("/conversations/{conversationID}/transcript", h.GetTranscript)
		r.Post("/conversations/{conversationID}/replay", h.ReplayTranscript)
		r.Post("/endpoints", h.RegisterEndpoint)
		r.Get("/endpoints", h.ListEndpoints)
		r.Get("/endpoints/{endpointID}", h.GetEndpoint)
	})
}

// idResponse is the body most write routes answer with.
type idResponse struct {
	ID string `json:"id"`
}

// param returns the unescaped URL parameter. Conversation ids carry a "|"
// that clients send percent-encoded.
func param(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// lookupConversation resolves the {conversationID} parameter.
func (h *Handler) lookupConversation(r *http.Request) (*conversation.Conversation, error) {
	return h.conversations.Lookup(param(r, "conversationID"))
}

// decodeJSON decodes the request body into v. An empty body is an error
// unless optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}
	return apierror.BadSyntaxf("invalid request body: %v", err)
}
