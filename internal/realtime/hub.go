// Package realtime pushes activities to test clients over websockets, one
// session per conversation, and streams network-trace events to developer
// tooling.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wondertwin-ai/twin-directline/internal/activity"
)

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 10 * time.Second

// DuplicatePolicy decides what happens when a second client subscribes to a
// conversation that already has a live session.
type DuplicatePolicy string

const (
	// PolicyReject refuses the second subscription with 409.
	PolicyReject DuplicatePolicy = "reject"
	// PolicyReplace closes the live session and hands the conversation to
	// the newcomer.
	PolicyReplace DuplicatePolicy = "replace"
)

// ParsePolicy validates a policy name. Empty means PolicyReject.
func ParsePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyReplace:
		return PolicyReplace, nil
	}
	return "", fmt.Errorf("unknown duplicate socket policy %q (want %q or %q)", s, PolicyReject, PolicyReplace)
}

// ErrAlreadyConnected is returned by Connect under PolicyReject.
var ErrAlreadyConnected = errors.New("conversation already has a live session")

type roomState int

const (
	stateOpen     roomState = iota // no session yet; sends are backlogged
	stateDraining                  // session registered, backlog being flushed
	stateLive                      // sends go straight to the socket
	stateClosed                    // session ended; sends are dropped
)

func (s roomState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateDraining:
		return "draining"
	case stateLive:
		return "live"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// room is the per-conversation channel. Its mutex covers registration,
// backlog and every write to the socket.
type room struct {
	mu      sync.Mutex
	state   roomState
	conn    *websocket.Conn
	session uint64
	backlog []activity.Activity
}

// Message is the frame sent for each activity.
type Message struct {
	Activities []activity.Activity `json:"activities"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	Policy       DuplicatePolicy
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Hub routes activities to the socket subscribed to their conversation.
type Hub struct {
	policy       DuplicatePolicy
	writeTimeout time.Duration
	logger       *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates a Hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		policy:       cfg.Policy,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		rooms:        make(map[string]*room),
	}
}

// Policy returns the hub's duplicate-subscription policy.
func (h *Hub) Policy() DuplicatePolicy {
	return h.policy
}

func (h *Hub) room(conversationID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[conversationID]
	if !ok {
		r = &room{}
		h.rooms[conversationID] = r
	}
	return r
}

// Send delivers a to the conversation's live session, flushing any backlog
// first. Without a session the activity is backlogged; after a session has
// closed it is dropped.
func (h *Hub) Send(conversationID string, a activity.Activity) {
	r := h.room(conversationID)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateOpen, stateDraining:
		r.backlog = append(r.backlog, a)
	case stateLive:
		r.backlog = append(r.backlog, a)
		h.flushLocked(conversationID, r)
	case stateClosed:
		h.logger.Debug("dropping activity for closed session",
			"conversation_id", conversationID, "activity_id", a.ID)
	}
}

// Connect registers conn as the conversation's session and flushes the
// backlog to it. The session ends when the client goes away.
func (h *Hub) Connect(conversationID string, conn *websocket.Conn) error {
	r := h.room(conversationID)
	r.mu.Lock()

	if r.state == stateLive || r.state == stateDraining {
		if h.policy == PolicyReject {
			r.mu.Unlock()
			return ErrAlreadyConnected
		}
		h.logger.Info("replacing live session", "conversation_id", conversationID)
		r.conn.Close()
	}
	if r.state == stateClosed {
		r.backlog = nil
	}

	r.session++
	session := r.session
	r.conn = conn
	r.state = stateDraining
	h.flushLocked(conversationID, r)
	if r.conn == conn {
		r.state = stateLive
	}
	r.mu.Unlock()

	h.logger.Info("realtime session connected", "conversation_id", conversationID)
	go h.watch(conversationID, r, conn, session)
	return nil
}

// flushLocked writes the backlog oldest first. A failed write ends the
// session.
func (h *Hub) flushLocked(conversationID string, r *room) {
	for len(r.backlog) > 0 {
		if err := h.write(r.conn, r.backlog[0]); err != nil {
			h.logger.Warn("realtime write failed, closing session",
				"conversation_id", conversationID, "err", err)
			h.endLocked(r)
			return
		}
		r.backlog = r.backlog[1:]
	}
}

func (h *Hub) write(conn *websocket.Conn, a activity.Activity) error {
	data, err := json.Marshal(Message{Activities: []activity.Activity{a}})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) endLocked(r *room) {
	if r.conn != nil {
		r.conn.Close()
	}
	r.conn = nil
	r.state = stateClosed
	r.backlog = nil
}

// watch reads until the client goes away, then ends the session unless a
// newer one has replaced it.
func (h *Hub) watch(conversationID string, r *room, conn *websocket.Conn, session uint64) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	r.mu.Lock()
	if r.session == session && r.state != stateClosed {
		h.endLocked(r)
		h.logger.Info("realtime session closed", "conversation_id", conversationID)
	}
	r.mu.Unlock()
	conn.Close()
}

// Live reports whether the conversation has a live session.
func (h *Hub) Live(conversationID string) bool {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateLive || r.state == stateDraining
}

// Backlog returns how many activities are waiting for a session.
func (h *Hub) Backlog(conversationID string) int {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}

// State returns the lifecycle state of every known conversation channel.
func (h *Hub) State() map[string]string {
	h.mu.Lock()
	rooms := make(map[string]*room, len(h.rooms))
	for id, r := range h.rooms {
		rooms[id] = r
	}
	h.mu.Unlock()

	out := make(map[string]string, len(rooms))
	for id, r := range rooms {
		r.mu.Lock()
		out[id] = r.state.String()
		r.mu.Unlock()
	}
	return out
}

// Forget closes any session for the conversation and discards its channel.
func (h *Hub) Forget(conversationID string) {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	delete(h.rooms, conversationID)
	h.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	h.endLocked(r)
	r.mu.Unlock()
}

// Reset closes every session and discards all channels.
func (h *Hub) Reset() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.mu.Unlock()
	for _, r := range rooms {
		r.mu.Lock()
		h.endLocked(r)
		r.mu.Unlock()
	}
}
