package api

import (
	"github.com/wondertwin-ai/twin-directline/internal/conversation"
	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
)

// State is the /admin/state view of the emulator.
type State struct {
	Conversations []conversation.Snapshot `json:"conversations"`
	Endpoints     []EndpointState         `json:"endpoints"`
	Attachments   int                     `json:"attachments"`
	Realtime      map[string]string       `json:"realtime"`
	TraceBacklog  int                     `json:"trace_backlog"`
}

// EndpointState is an endpoint with its outbound call history.
type EndpointState struct {
	endpoint.Info
	Deliveries []endpoint.Delivery `json:"deliveries"`
}

// Snapshot implements admin.StateStore.
func (h *Handler) Snapshot() any {
	s := State{
		Conversations: make([]conversation.Snapshot, 0),
		Endpoints:     make([]EndpointState, 0),
		Attachments:   h.attachments.Count(),
		Realtime:      h.hub.State(),
		TraceBacklog:  h.trace.Backlog(),
	}
	for _, c := range h.conversations.List() {
		s.Conversations = append(s.Conversations, c.Snapshot())
	}
	for _, ep := range h.endpoints.List() {
		s.Endpoints = append(s.Endpoints, EndpointState{Info: ep.Info(), Deliveries: ep.Deliveries()})
	}
	return s
}

// Reset implements admin.StateStore. Registered endpoints survive a reset;
// conversations, attachments and realtime sessions do not.
func (h *Handler) Reset() {
	h.conversations.Reset()
	h.attachments.Reset()
	h.hub.Reset()
	h.trace.Reset()
	h.logger.Info("emulator state reset")
}
