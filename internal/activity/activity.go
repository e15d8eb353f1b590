// Package activity defines the Bot Framework activity schema as exchanged
// between the test client, the emulator and the bot.
package activity

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"
)

// Activity types the emulator gives special treatment to.
const (
	TypeMessage            = "message"
	TypeConversationUpdate = "conversationUpdate"
	TypeEvent              = "event"
	TypeTrace              = "trace"
	TypeInvoke             = "invoke"
	TypeEndOfConversation  = "endOfConversation"
)

// Member roles.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Names of the trace activities that wrap another activity as their value.
const (
	TraceReceivedActivity = "ReceivedActivity"
	TraceSentActivity     = "SentActivity"
)

// ChannelAccount identifies a participant.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`

	Extra Extra `json:"-"`
}

// Clone returns a copy of c that shares no mutable state with it.
func (c ChannelAccount) Clone() ChannelAccount {
	c.Extra = c.Extra.Clone()
	return c
}

// ConversationAccount identifies the conversation an activity belongs to.
type ConversationAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`

	Extra Extra `json:"-"`
}

// Attachment is a reference to, or inline copy of, a piece of content.
type Attachment struct {
	ContentType  string          `json:"contentType,omitempty"`
	ContentURL   string          `json:"contentUrl,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Name         string          `json:"name,omitempty"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`

	Extra Extra `json:"-"`
}

// Activity is a partial activity: every field is optional and absent fields
// stay absent on the wire. Opaque payloads (value, channel data, entities)
// are carried as raw JSON and treated as immutable. Members the type does not
// declare are kept in Extra and written back out unchanged.
type Activity struct {
	Type             string               `json:"type,omitempty"`
	ID               string               `json:"id,omitempty"`
	Timestamp        time.Time            `json:"timestamp,omitzero"`
	LocalTimestamp   time.Time            `json:"localTimestamp,omitzero"`
	ServiceURL       string               `json:"serviceUrl,omitempty"`
	ChannelID        string               `json:"channelId,omitempty"`
	From             *ChannelAccount      `json:"from,omitempty"`
	Recipient        *ChannelAccount      `json:"recipient,omitempty"`
	Conversation     *ConversationAccount `json:"conversation,omitempty"`
	ReplyToID        string               `json:"replyToId,omitempty"`
	Text             string               `json:"text,omitempty"`
	TextFormat       string               `json:"textFormat,omitempty"`
	Speak            string               `json:"speak,omitempty"`
	InputHint        string               `json:"inputHint,omitempty"`
	Locale           string               `json:"locale,omitempty"`
	Name             string               `json:"name,omitempty"`
	Label            string               `json:"label,omitempty"`
	ValueType        string               `json:"valueType,omitempty"`
	Value            json.RawMessage      `json:"value,omitempty"`
	Action           string               `json:"action,omitempty"`
	MembersAdded     []ChannelAccount     `json:"membersAdded,omitempty"`
	MembersRemoved   []ChannelAccount     `json:"membersRemoved,omitempty"`
	Attachments      []Attachment         `json:"attachments,omitempty"`
	AttachmentLayout string               `json:"attachmentLayout,omitempty"`
	SuggestedActions json.RawMessage      `json:"suggestedActions,omitempty"`
	Entities         []json.RawMessage    `json:"entities,omitempty"`
	ChannelData      json.RawMessage      `json:"channelData,omitempty"`

	Extra Extra `json:"-"`
}

// Clone returns a copy that shares no mutable state with a.
func (a Activity) Clone() Activity {
	out := a
	if a.From != nil {
		from := a.From.Clone()
		out.From = &from
	}
	if a.Recipient != nil {
		rcpt := a.Recipient.Clone()
		out.Recipient = &rcpt
	}
	if a.Conversation != nil {
		conv := *a.Conversation
		conv.Extra = conv.Extra.Clone()
		out.Conversation = &conv
	}
	out.MembersAdded = cloneAccounts(a.MembersAdded)
	out.MembersRemoved = cloneAccounts(a.MembersRemoved)
	if a.Attachments != nil {
		out.Attachments = make([]Attachment, len(a.Attachments))
		for i, att := range a.Attachments {
			att.Extra = att.Extra.Clone()
			out.Attachments[i] = att
		}
	}
	out.Entities = slices.Clone(a.Entities)
	out.Extra = a.Extra.Clone()
	return out
}

func cloneAccounts(in []ChannelAccount) []ChannelAccount {
	if in == nil {
		return nil
	}
	out := make([]ChannelAccount, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}

// IsPostback reports whether the channel data marks a as a postback: a
// non-visible turn that is recorded but never queued for delivery.
func (a Activity) IsPostback() bool {
	if len(bytes.TrimSpace(a.ChannelData)) == 0 {
		return false
	}
	var cd struct {
		PostBack bool `json:"postBack"`
		Postback bool `json:"postback"`
	}
	if err := json.Unmarshal(a.ChannelData, &cd); err != nil {
		return false
	}
	return cd.PostBack || cd.Postback
}

// WithNestedFromRole returns a copy of a whose value's from.role is set to
// role. Values that are not JSON objects are left untouched.
func (a Activity) WithNestedFromRole(role string) Activity {
	out := a.Clone()
	var value map[string]json.RawMessage
	if err := json.Unmarshal(a.Value, &value); err != nil || value == nil {
		return out
	}
	from := map[string]any{}
	if raw, ok := value["from"]; ok {
		if err := json.Unmarshal(raw, &from); err != nil || from == nil {
			from = map[string]any{}
		}
	}
	from["role"] = role
	encodedFrom, err := json.Marshal(from)
	if err != nil {
		return out
	}
	value["from"] = encodedFrom
	if encoded, err := json.Marshal(value); err == nil {
		out.Value = encoded
	}
	return out
}
