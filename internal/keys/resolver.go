// Package keys fetches and caches the signing keys used to verify tokens
// that bots attach to their calls into the emulator.
package keys

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wondertwin-ai/twin-directline/pkg/store"
)

// StaleAfter is how long a fetched key set is trusted before the next
// lookup refreshes it.
const StaleAfter = 5 * 24 * time.Hour

// RefreshTimeout bounds one shared fetch of the metadata and key set.
const RefreshTimeout = 30 * time.Second

// JWK is one entry of a JSON Web Key Set.
type JWK struct {
	Kty          string   `json:"kty"`
	Use          string   `json:"use,omitempty"`
	Kid          string   `json:"kid"`
	N            string   `json:"n,omitempty"`
	E            string   `json:"e,omitempty"`
	X5c          []string `json:"x5c,omitempty"`
	Endorsements []string `json:"endorsements,omitempty"`
}

type openIDMetadata struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type keySet struct {
	Keys []JWK `json:"keys"`
}

// Config configures a Resolver.
type Config struct {
	// DiscoveryURL is the OpenID configuration document that names the key set.
	DiscoveryURL string
	HTTPClient   *http.Client
	Clock        *store.Clock
	Logger       *slog.Logger
}

// Resolver resolves key ids to RSA public keys from one key source.
type Resolver struct {
	discoveryURL string
	client       *http.Client
	clock        *store.Clock
	logger       *slog.Logger

	mu          sync.RWMutex
	keys        []JWK
	refreshedAt time.Time

	group singleflight.Group
}

// NewResolver creates a Resolver with an empty cache; the first lookup fetches.
func NewResolver(cfg Config) *Resolver {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		discoveryURL: cfg.DiscoveryURL,
		client:       cfg.HTTPClient,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
}

// Key returns the RSA key with the given id. A nil key with a nil error means
// the id is unknown or the key lacks RSA material. A non-nil error means the
// key set could not be refreshed, leaving the cache empty, or that ctx ended
// while the refresh was still running.
func (r *Resolver) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if r.stale() {
		if err := r.refresh(ctx); err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if k.Kid != kid {
			continue
		}
		if k.N == "" || k.E == "" {
			return nil, nil
		}
		pub, err := rsaKey(k)
		if err != nil {
			r.logger.Warn("discarding malformed signing key", "kid", kid, "err", err)
			return nil, nil
		}
		return pub, nil
	}
	return nil, nil
}

func (r *Resolver) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshedAt.IsZero() || r.clock.Now().Sub(r.refreshedAt) > StaleAfter
}

// refresh collapses concurrent refreshes into a single fetch. The fetch is
// detached from any one caller's cancellation; each caller stops waiting
// when its own ctx is done.
func (r *Resolver) refresh(ctx context.Context) error {
	ch := r.group.DoChan("refresh", func() (any, error) {
		// A refresh that finished between our staleness check and here is enough.
		if !r.stale() {
			return nil, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		keys, err := r.fetch(fetchCtx)

		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			r.keys = nil
			r.refreshedAt = time.Time{}
			return nil, err
		}
		r.keys = keys
		r.refreshedAt = r.clock.Now()
		r.logger.Debug("refreshed signing keys", "source", r.discoveryURL, "count", len(keys))
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resolver) fetch(ctx context.Context) ([]JWK, error) {
	var meta openIDMetadata
	if err := r.getJSON(ctx, r.discoveryURL, &meta); err != nil {
		return nil, fmt.Errorf("fetch openid metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("fetch openid metadata: document has no jwks_uri")
	}
	var set keySet
	if err := r.getJSON(ctx, meta.JWKSURI, &set); err != nil {
		return nil, fmt.Errorf("fetch signing keys: %w", err)
	}
	return set.Keys, nil
}

func (r *Resolver) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func rsaKey(k JWK) (*rsa.PublicKey, error) {
	n, err := decodeSegment(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := decodeSegment(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 2 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
