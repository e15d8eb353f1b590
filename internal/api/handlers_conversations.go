package api

import (
	"net/http"
	"strings"

	"github.com/wondertwin-ai/twin-directline/internal/activity"
	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/internal/conversation"
	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
	"github.com/wondertwin-ai/twin-directline/pkg/twincore"
)

// createConversationRequest is the JSON body for POST /v3/conversations.
type createConversationRequest struct {
	Bot            *activity.ChannelAccount  `json:"bot"`
	BotURL         string                    `json:"botUrl"`
	MsaAppID       string                    `json:"msaAppId"`
	MsaPassword    string                    `json:"msaPassword"`
	ChannelService string                    `json:"channelService"`
	EndpointID     string                    `json:"endpointId"`
	Members        []activity.ChannelAccount `json:"members"`
	Mode           string                    `json:"mode"`
	ConversationID string                    `json:"conversationId"`
	Locale         string                    `json:"locale"`
}

// conversationResponse is returned when a conversation is created.
type conversationResponse struct {
	ConversationID string                    `json:"conversationId"`
	EndpointID     string                    `json:"endpointId"`
	Members        []activity.ChannelAccount `json:"members"`
	ID             string                    `json:"id"`
}

// CreateConversation handles POST /v3/conversations.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		apierror.Write(w, err)
		return
	}

	// Validate the request before touching any registry. An existing
	// conversation is returned as is, without resolving an endpoint.
	if req.Bot == nil || req.Bot.ID == "" {
		apierror.Write(w, apierror.MissingPropertyf("bot id is required"))
		return
	}
	user, err := userFromMembers(req.Members, req.Bot.ID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if req.ConversationID != "" {
		mode := req.Mode
		if mode == "" {
			mode = conversation.ModeLivechat
		}
		if c, ok := h.conversations.Get(conversation.WithModeSuffix(req.ConversationID, mode)); ok {
			twincore.JSON(w, http.StatusOK, newConversationResponse(c))
			return
		}
	}
	ep, err := h.resolveEndpoint(req)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	c, created, err := h.conversations.Create(conversation.Params{
		ID:       req.ConversationID,
		Mode:     req.Mode,
		Locale:   req.Locale,
		Bot:      *req.Bot,
		User:     user,
		Endpoint: ep,
	})
	if err != nil {
		apierror.Write(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	twincore.JSON(w, status, newConversationResponse(c))
}

// newConversationResponse reports c with its own endpoint.
func newConversationResponse(c *conversation.Conversation) conversationResponse {
	id := c.ID()
	resp := conversationResponse{ConversationID: id, Members: c.Members(), ID: id}
	if ep := c.Endpoint(); ep != nil {
		resp.EndpointID = ep.ID
	}
	return resp
}

// userFromMembers picks the single non-bot member. No members means the
// registry generates a user.
func userFromMembers(members []activity.ChannelAccount, botID string) (activity.ChannelAccount, error) {
	if len(members) == 0 {
		return activity.ChannelAccount{}, nil
	}
	var users []activity.ChannelAccount
	for i, m := range members {
		if m.ID == "" {
			return activity.ChannelAccount{}, apierror.BadArgumentf("members[%d] has no id", i)
		}
		if m.ID == botID || m.Role == activity.RoleBot {
			continue
		}
		users = append(users, m)
	}
	if len(users) != 1 {
		return activity.ChannelAccount{}, apierror.BadArgumentf("members must name exactly one user, got %d", len(users))
	}
	return users[0], nil
}

// resolveEndpoint finds the endpoint named by id or registers the one
// described by the bot URL and credentials.
func (h *Handler) resolveEndpoint(req createConversationRequest) (*endpoint.Endpoint, error) {
	if req.EndpointID != "" {
		ep, ok := h.endpoints.Get(req.EndpointID)
		if !ok {
			return nil, apierror.BadArgumentf("endpoint %q is not registered", req.EndpointID)
		}
		return ep, nil
	}
	if req.BotURL == "" {
		return nil, apierror.BadArgumentf("an endpointId or botUrl is required")
	}
	return h.endpoints.Register(endpoint.Spec{
		BotID:          req.Bot.ID,
		BotURL:         req.BotURL,
		AppID:          req.MsaAppID,
		AppPassword:    req.MsaPassword,
		ChannelService: req.ChannelService,
	})
}

// PostUserActivity handles POST /v3/conversations/{conversationID}/activities.
func (h *Handler) PostUserActivity(w http.ResponseWriter, r *http.Request) {
	h.deliverToBot(w, r)
}

// deliverToBot stamps the body's activity, posts it to the conversation's
// bot and relays the bot's answer.
func (h *Handler) deliverToBot(w http.ResponseWriter, r *http.Request) {
	var a activity.Activity
	if err := decodeJSON(r, &a, false); err != nil {
		apierror.Write(w, err)
		return
	}
	c, err := h.lookupConversation(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	d, err := c.DeliverToBot(r.Context(), a)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	h.relay(w, c.ID(), d)
}

// relay answers with the bot's status. Successful deliveries carry the
// stamped activity's id, failed ones an error envelope with the bot's
// message or body.
func (h *Handler) relay(w http.ResponseWriter, conversationID string, d *conversation.Delivery) {
	resp := d.Response
	if resp.OK() {
		twincore.JSON(w, resp.StatusCode, idResponse{ID: d.Activity.ID})
		return
	}

	h.logger.Warn("bot rejected activity",
		"conversation_id", conversationID, "activity_id", d.Activity.ID, "status", resp.StatusCode)
	message := resp.Message
	if message == "" {
		message = strings.TrimSpace(string(resp.Body))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	code := apierror.ServiceError
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		code = apierror.Unauthorized
	case http.StatusForbidden:
		code = apierror.Forbidden
	}
	twincore.ErrorCode(w, resp.StatusCode, string(code), message)
}

// ReplyToActivity handles POST /v3/conversations/{conversationID}/activities/{activityID}.
func (h *Handler) ReplyToActivity(w http.ResponseWriter, r *http.Request) {
	var a activity.Activity
	if err := decodeJSON(r, &a, false); err != nil {
		apierror.Write(w, err)
		return
	}
	c, err := h.lookupConversation(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if err := h.attachments.CaptureDataURLs(&a, h.serviceURL); err != nil {
		apierror.Write(w, err)
		return
	}
	if a.ReplyToID == "" {
		a.ReplyToID = param(r, "activityID")
	}

	stamped := c.StampForUser(a, "")
	twincore.JSON(w, http.StatusOK, idResponse{ID: stamped.ID})
}

// updateConversationRequest is the JSON body for PUT /conversations/{conversationID}/updateConversation.
type updateConversationRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// UpdateConversation handles PUT /conversations/{conversationID}/updateConversation.
func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req updateConversationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		apierror.Write(w, err)
		return
	}
	oldID := param(r, "conversationID")
	c, err := h.conversations.Rename(oldID, req.ConversationID, req.UserID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if c.ID() != oldID {
		h.hub.Forget(oldID)
	}
	twincore.JSON(w, http.StatusCreated, c.Snapshot())
}

// GetWSPort handles GET /conversations/ws/port.
func (h *Handler) GetWSPort(w http.ResponseWriter, r *http.Request) {
	if h.wsPort <= 0 {
		apierror.Write(w, apierror.Service(0, "realtime listener is not running", nil, nil))
		return
	}
	twincore.JSON(w, http.StatusOK, h.wsPort)
}
