package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/wondertwin-ai/twin-directline/internal/activity"
	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/internal/attachment"
	"github.com/wondertwin-ai/twin-directline/internal/conversation"
	"github.com/wondertwin-ai/twin-directline/pkg/twincore"
)

// MaxUploadSize bounds the body of a multipart upload.
const MaxUploadSize = 32 << 20

// activityPart is the multipart field that carries the activity.
const activityPart = "activity"

// startConversationRequest is the optional JSON body for POST /v3/directline/conversations.
type startConversationRequest struct {
	User   *activity.ChannelAccount `json:"user"`
	Locale string                   `json:"locale"`
}

// startConversationResponse mirrors the Direct Line conversation resource.
type startConversationResponse struct {
	ConversationID string `json:"conversationId"`
	StreamURL      string `json:"streamUrl"`
}

// StartConversation handles POST /v3/directline/conversations. The bearer
// token names the registered endpoint to talk to.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpoints.FromBearer(r.Header.Get("Authorization"))
	if !ok {
		apierror.Write(w, apierror.BadArgumentf("bearer token must name a registered endpoint"))
		return
	}
	var req startConversationRequest
	if err := decodeJSON(r, &req, true); err != nil {
		apierror.Write(w, err)
		return
	}

	bot := activity.ChannelAccount{ID: ep.BotID}
	if bot.ID == "" {
		bot.ID = ep.ID
	}
	params := conversation.Params{Bot: bot, Endpoint: ep, Locale: req.Locale}
	if req.User != nil {
		params.User = *req.User
	}
	c, _, err := h.conversations.Create(params)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	id := c.ID()
	twincore.JSON(w, http.StatusCreated, startConversationResponse{
		ConversationID: id,
		StreamURL:      h.streamURL(id),
	})
}

// streamURL is the realtime socket URL for a conversation, on the service
// URL's host.
func (h *Handler) streamURL(conversationID string) string {
	host, scheme := "localhost", "ws"
	if u, err := url.Parse(h.serviceURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
		if u.Scheme == "https" {
			scheme = "wss"
		}
	}
	return fmt.Sprintf("%s://%s/ws/conversation/%s",
		scheme, net.JoinHostPort(host, strconv.Itoa(h.wsPort)), url.PathEscape(conversationID))
}

// PostDirectLineActivity handles POST /v3/directline/conversations/{conversationID}/activities.
func (h *Handler) PostDirectLineActivity(w http.ResponseWriter, r *http.Request) {
	h.deliverToBot(w, r)
}

// activitySet is a page of queued activities.
type activitySet struct {
	Activities []activity.Activity `json:"activities"`
	Watermark  string              `json:"watermark"`
}

// GetActivities handles GET /v3/directline/conversations/{conversationID}/activities.
func (h *Handler) GetActivities(w http.ResponseWriter, r *http.Request) {
	c, err := h.lookupConversation(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	since := 0
	if raw := r.URL.Query().Get("watermark"); raw != "" {
		since, err = strconv.Atoi(raw)
		if err != nil || since < 0 {
			apierror.Write(w, apierror.BadArgumentf("watermark %q is not a non-negative integer", raw))
			return
		}
	}
	activities, next := c.ActivitiesSince(since)
	twincore.JSON(w, http.StatusOK, activitySet{Activities: activities, Watermark: strconv.Itoa(next)})
}

// Upload handles POST /v3/directline/conversations/{conversationID}/upload.
// The "activity" part carries the activity; every other part is stored as
// an attachment and appended to it in order. Activities from the bot go to
// the user, everything else goes to the bot.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	c, err := h.lookupConversation(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	a, err := h.readUpload(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	if a.From != nil && a.From.Role == activity.RoleBot {
		stamped := c.StampForUser(a, "")
		twincore.JSON(w, http.StatusOK, idResponse{ID: stamped.ID})
		return
	}
	d, err := c.DeliverToBot(r.Context(), a)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	h.relay(w, c.ID(), d)
}

// readUpload walks the multipart body and builds the activity it describes.
func (h *Handler) readUpload(r *http.Request) (activity.Activity, error) {
	a := activity.Activity{Type: activity.TypeMessage}
	mr, err := r.MultipartReader()
	if err != nil {
		return a, apierror.BadSyntaxf("expected a multipart body: %v", err)
	}

	var files []activity.Attachment
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return a, uploadError(err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return a, uploadError(err)
		}

		if part.FormName() == activityPart {
			if err := json.Unmarshal(data, &a); err != nil {
				return a, apierror.BadSyntaxf("invalid activity part: %v", err)
			}
			continue
		}

		contentType := part.Header.Get("Content-Type")
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mt
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		name := part.FileName()
		if name == "" {
			name = part.FormName()
		}
		id, err := h.attachments.Upload(attachment.Upload{Type: contentType, Name: name, OriginalBase64: data})
		if err != nil {
			return a, err
		}
		files = append(files, activity.Attachment{
			ContentType: contentType,
			ContentURL:  attachment.ViewURL(h.serviceURL, id, attachment.ViewOriginal),
			Name:        name,
		})
	}

	a.Attachments = append(a.Attachments, files...)
	return a, nil
}

func uploadError(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return apierror.Newf(apierror.MessageSizeTooBig, http.StatusRequestEntityTooLarge,
			"upload exceeds %d bytes", tooBig.Limit)
	}
	return apierror.BadSyntaxf("reading upload: %v", err)
}
