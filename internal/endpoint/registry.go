package endpoint

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/pkg/store"
)

// Token endpoints for the client-credentials grant.
const (
	PublicTokenEndpoint     = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	GovernmentTokenEndpoint = "https://login.microsoftonline.us/cab8a31a-1906-4287-a0d8-4eef66b95f6e/oauth2/v2.0/token"
)

// Spec describes an endpoint to register.
type Spec struct {
	ID             string `json:"id,omitempty" yaml:"id"`
	BotID          string `json:"botId,omitempty" yaml:"botId"`
	BotURL         string `json:"botUrl" yaml:"endpoint"`
	AppID          string `json:"msaAppId,omitempty" yaml:"appId"`
	AppPassword    string `json:"msaPassword,omitempty" yaml:"appPassword"`
	ChannelService string `json:"channelService,omitempty" yaml:"channelService"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	HTTPClient              *http.Client
	Clock                   *store.Clock
	Logger                  *slog.Logger
	PublicTokenEndpoint     string
	GovernmentTokenEndpoint string
}

// Registry holds every endpoint registered during the process lifetime.
type Registry struct {
	cfg       RegistryConfig
	mu        sync.Mutex // serializes find-or-create
	endpoints *store.Store[*Endpoint]
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PublicTokenEndpoint == "" {
		cfg.PublicTokenEndpoint = PublicTokenEndpoint
	}
	if cfg.GovernmentTokenEndpoint == "" {
		cfg.GovernmentTokenEndpoint = GovernmentTokenEndpoint
	}
	return &Registry{
		cfg:       cfg,
		endpoints: store.NewWithIDs[*Endpoint](store.UUIDs),
	}
}

// Register creates an endpoint for spec, or returns the existing one when an
// endpoint with the same id, or the same URL and credentials, is already
// registered. Changed credentials replace the endpoint, dropping its cached
// token.
func (r *Registry) Register(spec Spec) (*Endpoint, error) {
	if strings.TrimSpace(spec.BotURL) == "" {
		return nil, apierror.MissingPropertyf("bot endpoint url is required")
	}
	if u, err := url.Parse(spec.BotURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apierror.BadArgumentf("bot endpoint url %q is not an absolute url", spec.BotURL)
	}
	switch spec.ChannelService {
	case "":
		spec.ChannelService = ChannelServicePublic
	case ChannelServicePublic, ChannelServiceGovernment:
	default:
		return nil, apierror.BadArgumentf("unknown channel service %q", spec.ChannelService)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var existing *Endpoint
	if spec.ID != "" {
		existing, _ = r.endpoints.Get(spec.ID)
	} else {
		existing, _ = r.endpoints.Find(func(_ string, e *Endpoint) bool {
			return e.BotURL == spec.BotURL && e.AppID == spec.AppID && e.AppPassword == spec.AppPassword
		})
	}
	if existing != nil && sameSpec(existing, spec) {
		return existing, nil
	}

	id := spec.ID
	if id == "" {
		if existing != nil {
			id = existing.ID
		} else {
			id = r.endpoints.NextID()
		}
	}
	ep := r.newEndpoint(id, spec)
	r.endpoints.Set(id, ep)
	r.cfg.Logger.Info("registered bot endpoint", "endpoint_id", id, "url", spec.BotURL, "replaced", existing != nil)
	return ep, nil
}

func sameSpec(e *Endpoint, spec Spec) bool {
	return e.BotURL == spec.BotURL &&
		e.AppID == spec.AppID &&
		e.AppPassword == spec.AppPassword &&
		e.ChannelService == spec.ChannelService &&
		(spec.BotID == "" || e.BotID == spec.BotID)
}

func (r *Registry) newEndpoint(id string, spec Spec) *Endpoint {
	tokenURL := r.cfg.PublicTokenEndpoint
	if spec.ChannelService == ChannelServiceGovernment {
		tokenURL = r.cfg.GovernmentTokenEndpoint
	}
	return &Endpoint{
		ID:             id,
		BotID:          spec.BotID,
		BotURL:         spec.BotURL,
		AppID:          spec.AppID,
		AppPassword:    spec.AppPassword,
		ChannelService: spec.ChannelService,
		tokenURL:       tokenURL,
		client:         r.cfg.HTTPClient,
		clock:          r.cfg.Clock,
		logger:         r.cfg.Logger,
	}
}

// Get looks up an endpoint by id.
func (r *Registry) Get(id string) (*Endpoint, bool) {
	return r.endpoints.Get(id)
}

// FromBearer looks up the endpoint whose id is wrapped in an
// "Authorization: Bearer <id>" header value.
func (r *Registry) FromBearer(header string) (*Endpoint, bool) {
	scheme, id, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, false
	}
	return r.endpoints.Get(strings.TrimSpace(id))
}

// List returns all endpoints in registration order.
func (r *Registry) List() []*Endpoint {
	return r.endpoints.List()
}
