package conversation

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wondertwin-ai/twin-directline/internal/activity"
	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
	"github.com/wondertwin-ai/twin-directline/pkg/store"
)

// DefaultLocale is used when neither the conversation nor the registry
// names one.
const DefaultLocale = "en-US"

// Config is shared by every conversation a Registry creates.
type Config struct {
	ServiceURL string
	Locale     string
	Clock      *store.Clock
	Logger     *slog.Logger
	Publisher  Publisher
	Fetcher    ContentFetcher
}

// Params describes a conversation to create.
type Params struct {
	ID       string
	Mode     string
	Locale   string
	Bot      activity.ChannelAccount
	User     activity.ChannelAccount
	Endpoint *endpoint.Endpoint
}

// Registry owns every live conversation.
type Registry struct {
	cfg           Config
	mu            sync.Mutex // serializes create and rename
	conversations *store.Store[*Conversation]
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Locale == "" {
		cfg.Locale = DefaultLocale
	}
	return &Registry{
		cfg:           cfg,
		conversations: store.NewWithIDs[*Conversation](store.UUIDs),
	}
}

// WithModeSuffix appends "|mode" to id for modes that tag their ids, unless
// id already carries it.
func WithModeSuffix(id, mode string) string {
	if mode != ModeLivechat && mode != ModeTranscript {
		return id
	}
	suffix := "|" + mode
	if strings.HasSuffix(id, suffix) {
		return id
	}
	return id + suffix
}

// Create registers a new conversation. If the id is already registered the
// existing conversation is returned and created is false.
func (r *Registry) Create(p Params) (c *Conversation, created bool, err error) {
	if p.Bot.ID == "" {
		return nil, false, apierror.MissingPropertyf("bot id is required")
	}
	if p.Mode == "" {
		p.Mode = ModeLivechat
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	id = WithModeSuffix(id, p.Mode)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.conversations.Get(id); ok {
		return existing, false, nil
	}

	bot := p.Bot
	if bot.Name == "" {
		bot.Name = "Bot"
	}
	bot.Role = activity.RoleBot
	user := p.User
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Name == "" {
		user.Name = "User"
	}
	user.Role = activity.RoleUser
	locale := p.Locale
	if locale == "" {
		locale = r.cfg.Locale
	}

	c = &Conversation{
		id:         id,
		mode:       p.Mode,
		locale:     locale,
		bot:        bot,
		user:       user,
		endpoint:   p.Endpoint,
		serviceURL: r.cfg.ServiceURL,
		clock:      r.cfg.Clock,
		logger:     r.cfg.Logger,
		publisher:  r.cfg.Publisher,
		fetcher:    r.cfg.Fetcher,
	}
	r.conversations.Set(id, c)
	r.cfg.Logger.Info("created conversation", "conversation_id", id, "mode", p.Mode)
	return c, true, nil
}

// Get looks up a conversation.
func (r *Registry) Get(id string) (*Conversation, bool) {
	return r.conversations.Get(id)
}

// Lookup is Get reporting a miss as a NotFound error.
func (r *Registry) Lookup(id string) (*Conversation, error) {
	c, ok := r.conversations.Get(id)
	if !ok {
		return nil, apierror.NotFoundf("conversation %q not found", id)
	}
	return c, nil
}

// Delete removes a conversation from the registry.
func (r *Registry) Delete(id string) bool {
	return r.conversations.Delete(id)
}

// Rename moves the conversation at oldID to newID and, when userID is set,
// swaps the user's id. The conversation is cleared in the process. An empty
// newID keeps the current id.
func (r *Registry) Rename(oldID, newID, userID string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations.Get(oldID)
	if !ok {
		return nil, apierror.NotFoundf("conversation %q not found", oldID)
	}

	c.mu.Lock()
	if newID == "" {
		newID = c.id
	}
	newID = WithModeSuffix(newID, c.mode)
	if newID != oldID {
		if _, taken := r.conversations.Get(newID); taken {
			c.mu.Unlock()
			return nil, apierror.BadArgumentf("conversation %q already exists", newID)
		}
	}
	c.id = newID
	if userID != "" {
		c.user.ID = userID
	}
	c.clearLocked()
	c.mu.Unlock()

	if newID != oldID {
		r.conversations.Delete(oldID)
		r.conversations.Set(newID, c)
	}
	r.cfg.Logger.Info("renamed conversation", "from", oldID, "to", newID)
	return c, nil
}

// List returns every conversation in creation order.
func (r *Registry) List() []*Conversation {
	return r.conversations.List()
}

// Count returns the number of conversations.
func (r *Registry) Count() int {
	return r.conversations.Count()
}

// Reset drops every conversation.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations.Reset()
}
