// Package conversation implements the per-conversation state machine: it
// stamps activities flowing between the test client and the bot, assigns
// watermarks, and keeps the transcript.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wondertwin-ai/twin-directline/internal/activity"
	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/internal/attachment"
	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
	"github.com/wondertwin-ai/twin-directline/pkg/store"
)

// ChannelID is stamped on every activity.
const ChannelID = "emulator"

// Chat modes. Livechat and transcript ids carry the mode as a suffix.
const (
	ModeLivechat   = "livechat"
	ModeTranscript = "transcript"
	ModeDebug      = "debug"
)

// Publisher receives every activity addressed to the user, in stamping order.
type Publisher interface {
	Send(conversationID string, a activity.Activity)
}

// ContentFetcher resolves attachment content for transcript export.
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (contentType string, data []byte, err error)
}

// Pending is a queued activity with the watermark it was assigned.
type Pending struct {
	Watermark int               `json:"watermark"`
	Activity  activity.Activity `json:"activity"`
}

// Snapshot is a point-in-time view of a conversation.
type Snapshot struct {
	ID         string                    `json:"conversationId"`
	Mode       string                    `json:"mode"`
	Locale     string                    `json:"locale"`
	EndpointID string                    `json:"endpointId,omitempty"`
	Members    []activity.ChannelAccount `json:"members"`
	Watermark  int                       `json:"watermark"`
	Pending    int                       `json:"pending"`
	Transcript int                       `json:"transcriptLength"`
}

// Conversation is one emulated conversation between a user and a bot.
type Conversation struct {
	// mu guards everything below, and is held while publishing so the
	// realtime order matches the watermark order.
	mu         sync.Mutex
	id         string
	mode       string
	locale     string
	bot        activity.ChannelAccount
	user       activity.ChannelAccount
	endpoint   *endpoint.Endpoint
	watermark  int
	queue      []Pending
	transcript []activity.Activity

	serviceURL string
	clock      *store.Clock
	logger     *slog.Logger
	publisher  Publisher
	fetcher    ContentFetcher
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Mode returns the chat mode the conversation was created in.
func (c *Conversation) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Endpoint returns the bot endpoint this conversation delivers to.
func (c *Conversation) Endpoint() *endpoint.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// User returns the conversation's user.
func (c *Conversation) User() activity.ChannelAccount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Members returns the bot followed by the user.
func (c *Conversation) Members() []activity.ChannelAccount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []activity.ChannelAccount{c.bot, c.user}
}

// Snapshot returns the conversation's current state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		ID:         c.id,
		Mode:       c.mode,
		Locale:     c.locale,
		Members:    []activity.ChannelAccount{c.bot, c.user},
		Watermark:  c.watermark,
		Pending:    len(c.queue),
		Transcript: len(c.transcript),
	}
	if c.endpoint != nil {
		s.EndpointID = c.endpoint.ID
	}
	return s
}

// StampForBot prepares an activity for delivery to the bot and records it.
// Historic activities being replayed keep their original recipient and
// timestamp.
func (c *Conversation) StampForBot(a activity.Activity, historic bool) activity.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := a.Clone()
	out.ID = uuid.NewString()
	out.ChannelID = ChannelID
	if !historic || out.Recipient == nil {
		bot := c.bot.Clone()
		out.Recipient = &bot
	}
	if out.Recipient.Name == "" {
		out.Recipient.Name = "Bot"
	}
	if out.Recipient.Role == "" {
		out.Recipient.Role = activity.RoleBot
	}
	if !historic || out.Timestamp.IsZero() {
		c.stampTime(&out)
	}
	if out.From == nil {
		user := c.user.Clone()
		out.From = &user
	}
	out.Locale = c.locale
	out.ServiceURL = c.serviceURL
	out.Conversation = c.conversationAccount(out.Conversation)

	c.record(out)
	return out
}

// StampForUser prepares an activity for delivery to the user identified by
// userID, records it and publishes it.
func (c *Conversation) StampForUser(a activity.Activity, userID string) activity.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := a.Clone()
	out.ID = uuid.NewString()
	out.ChannelID = ChannelID
	if out.From == nil {
		bot := c.bot.Clone()
		out.From = &bot
	}
	if out.From.Name == "" {
		out.From.Name = "Bot"
	}
	if out.From.Role == "" {
		out.From.Role = activity.RoleBot
	}
	if out.Type == activity.TypeTrace {
		switch out.Name {
		case activity.TraceReceivedActivity:
			out = out.WithNestedFromRole(activity.RoleUser)
		case activity.TraceSentActivity:
			out = out.WithNestedFromRole(activity.RoleBot)
		}
	}
	if out.Locale == "" {
		out.Locale = c.locale
	}
	if out.Recipient == nil {
		user := c.user.Clone()
		if userID != "" {
			user.ID = userID
		}
		out.Recipient = &user
	}
	if out.Recipient.Role == "" {
		out.Recipient.Role = activity.RoleUser
	}
	c.stampTime(&out)
	out.Conversation = c.conversationAccount(out.Conversation)

	if c.record(out) && c.publisher != nil {
		c.publisher.Send(c.id, out)
	}
	return out
}

// conversationAccount points an activity at this conversation, keeping any
// extra members the sender set on it.
func (c *Conversation) conversationAccount(prev *activity.ConversationAccount) *activity.ConversationAccount {
	conv := &activity.ConversationAccount{ID: c.id}
	if prev != nil {
		conv.Extra = prev.Extra
	}
	return conv
}

func (c *Conversation) stampTime(a *activity.Activity) {
	now := c.clock.Now()
	a.Timestamp = now.UTC()
	a.LocalTimestamp = now.Local()
}

// record appends to the transcript and, unless a is a postback, queues it
// under the next watermark. It reports whether a was queued.
func (c *Conversation) record(a activity.Activity) bool {
	c.transcript = append(c.transcript, a)
	if a.IsPostback() {
		return false
	}
	c.queue = append(c.queue, Pending{Watermark: c.watermark, Activity: a})
	c.watermark++
	return true
}

// Delivery is the outcome of handing an activity to the bot.
type Delivery struct {
	Activity activity.Activity
	Response *endpoint.Response
}

// DeliverToBot stamps a and posts it to the bot's endpoint. The bot's
// response, including failures to reach it, is returned for the caller to
// relay.
func (c *Conversation) DeliverToBot(ctx context.Context, a activity.Activity) (*Delivery, error) {
	ep := c.Endpoint()
	if ep == nil {
		return nil, apierror.BadArgumentf("conversation %q has no bot endpoint", c.ID())
	}
	stamped := c.StampForBot(a, false)
	body, err := json.Marshal(stamped)
	if err != nil {
		return nil, apierror.Service(0, "encoding activity", nil, err)
	}
	resp := ep.Post(ctx, body)
	c.logger.Debug("delivered activity to bot",
		"conversation_id", stamped.Conversation.ID, "activity_id", stamped.ID, "status", resp.StatusCode)
	return &Delivery{Activity: stamped, Response: resp}, nil
}

// Replay feeds recorded activities into a transcript-mode conversation in
// order. Activities from the bot are stamped for the user and published;
// everything else is recorded as historic bot-bound traffic and not
// delivered. It returns the stamped activities.
func (c *Conversation) Replay(activities []activity.Activity) ([]activity.Activity, error) {
	if mode := c.Mode(); mode != ModeTranscript {
		return nil, apierror.BadArgumentf("conversation %q is in %s mode; only transcript conversations accept a replay", c.ID(), mode)
	}
	out := make([]activity.Activity, 0, len(activities))
	for _, a := range activities {
		if a.From != nil && a.From.Role == activity.RoleBot {
			out = append(out, c.StampForUser(a, ""))
			continue
		}
		out = append(out, c.StampForBot(a, true))
	}
	c.logger.Info("replayed transcript", "conversation_id", c.ID(), "count", len(out))
	return out, nil
}

// ActivitiesSince returns queued activities with a watermark of at least
// since, and the watermark to poll from next.
func (c *Conversation) ActivitiesSince(since int) ([]activity.Activity, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]activity.Activity, 0)
	for _, p := range c.queue {
		if p.Watermark >= since {
			out = append(out, p.Activity)
		}
	}
	return out, c.watermark
}

// Transcript yields every recorded activity, postbacks included, with
// attachment URLs inlined as data: URLs where the content is small enough.
// Each iteration takes a fresh snapshot.
func (c *Conversation) Transcript(ctx context.Context) iter.Seq[activity.Activity] {
	return func(yield func(activity.Activity) bool) {
		c.mu.Lock()
		records := slices.Clone(c.transcript)
		c.mu.Unlock()

		for _, a := range records {
			if ctx.Err() != nil {
				return
			}
			if !yield(c.inline(ctx, a)) {
				return
			}
		}
	}
}

func (c *Conversation) inline(ctx context.Context, a activity.Activity) activity.Activity {
	if c.fetcher == nil || len(a.Attachments) == 0 {
		return a
	}
	out := a.Clone()
	for i := range out.Attachments {
		att := &out.Attachments[i]
		if att.ContentURL == "" || strings.HasPrefix(att.ContentURL, "data:") {
			continue
		}
		contentType, data, err := c.fetcher.Fetch(ctx, att.ContentURL)
		if err != nil {
			if !errors.Is(err, attachment.ErrTooLarge) {
				c.logger.Warn("could not inline transcript attachment",
					"activity_id", a.ID, "url", att.ContentURL, "err", err)
			}
			continue
		}
		if len(data) >= attachment.MaxInlineSize {
			continue
		}
		if att.ContentType != "" {
			contentType = att.ContentType
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		att.ContentURL = attachment.EncodeDataURL(contentType, data)
	}
	return out
}

// Clear empties the transcript and queue and restarts the watermark.
// Membership and locale are kept.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Conversation) clearLocked() {
	c.transcript = nil
	c.queue = nil
	c.watermark = 0
}

// SetLocale changes the active locale for subsequent activities.
func (c *Conversation) SetLocale(locale string) {
	if locale == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locale = locale
}
