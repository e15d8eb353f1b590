package api

import (
	"encoding/json"
	"net/http"

	"github.com/wondertwin-ai/twin-directline/internal/activity"
	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/internal/conversation"
	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
	"github.com/wondertwin-ai/twin-directline/pkg/twincore"
)

// ListConversations handles GET /emulator/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	list := h.conversations.List()
	out := make([]conversation.Snapshot, 0, len(list))
	for _, c := range list {
		out = append(out, c.Snapshot())
	}
	twincore.JSON(w, http.StatusOK, out)
}

// GetConversation handles GET /emulator/conversations/{conversationID}.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.lookupConversation(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	twincore.JSON(w, http.StatusOK, c.Snapshot())
}

// DeleteConversation handles DELETE /emulator/conversations/{conversationID}.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := param(r, "conversationID")
	if !h.conversations.Delete(id) {
		apierror.Write(w, apierror.NotFoundf("conversation %q not found", id))
		return
	}
	h.hub.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// ClearConversation handles POST /emulator/conversations/{conversationID}/clear.
func (h *Handler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.lookupConversation(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	c.Clear()
	twincore.JSON(w, http.StatusOK, c.Snapshot())
}

// ReplayTranscript handles POST /emulator/conversations/{conversationID}/replay.
// The body is a JSON array of recorded activities.
func (h *Handler) ReplayTranscript(w http.ResponseWriter, r *http.Request) {
	c, err := h.lookupConversation(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	var activities []activity.Activity
	if err := decodeJSON(r, &activities, false); err != nil {
		apierror.Write(w, err)
		return
	}
	if _, err := c.Replay(activities); err != nil {
		apierror.Write(w, err)
		return
	}
	twincore.JSON(w, http.StatusOK, c.Snapshot())
}

// GetTranscript handles GET /emulator/conversations/{conversationID}/transcript.
// The transcript is streamed as a JSON array, one activity at a time.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	c, err := h.lookupConversation(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("["))
	first := true
	for a := range c.Transcript(r.Context()) {
		data, err := json.Marshal(a)
		if err != nil {
			h.logger.Error("encoding transcript activity", "activity_id", a.ID, "err", err)
			continue
		}
		if !first {
			w.Write([]byte(","))
		}
		first = false
		w.Write(data)
	}
	w.Write([]byte("]\n"))
}

// RegisterEndpoint handles POST /emulator/endpoints.
func (h *Handler) RegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var spec endpoint.Spec
	if err := decodeJSON(r, &spec, false); err != nil {
		apierror.Write(w, err)
		return
	}
	ep, err := h.endpoints.Register(spec)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	twincore.JSON(w, http.StatusOK, ep.Info())
}

// ListEndpoints handles GET /emulator/endpoints.
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	list := h.endpoints.List()
	out := make([]endpoint.Info, 0, len(list))
	for _, ep := range list {
		out = append(out, ep.Info())
	}
	twincore.JSON(w, http.StatusOK, out)
}

// GetEndpoint handles GET /emulator/endpoints/{endpointID}.
func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	id := param(r, "endpointID")
	ep, ok := h.endpoints.Get(id)
	if !ok {
		apierror.Write(w, apierror.NotFoundf("endpoint %q not found", id))
		return
	}
	twincore.JSON(w, http.StatusOK, ep.Info())
}
