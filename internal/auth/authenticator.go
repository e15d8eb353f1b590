// Package auth verifies the bearer tokens bots attach to calls into the
// emulator. Requests without an Authorization header pass through; this
// middleware only gates calls that claim to come from a bot.
package auth

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/pkg/store"
)

// ClockSkew is the tolerance applied to exp/nbf/iat.
const ClockSkew = 300 * time.Second

// Bot Framework token audiences and key sources.
const (
	PublicBotTokenAudience  = "https://api.botframework.com"
	PublicOpenIDMetadataURL = "https://login.botframework.com/v1/.well-known/openidconfiguration"
	PublicIssuerV1          = "https://sts.windows.net/d6d49420-f39b-4df7-a1dc-d59a935871db/"
	PublicIssuerV2          = "https://login.microsoftonline.com/d6d49420-f39b-4df7-a1dc-d59a935871db/v2.0"
	// LegacyIssuerV1 is accepted for public-cloud 1.0 tokens minted before
	// the issuer change in Bot Framework 3.2.
	LegacyIssuerV1 = "https://sts.windows.net/f8cdef31-a31e-4b4a-93e4-5f571e91255a/"

	GovBotTokenAudience  = "https://api.botframework.us"
	GovOpenIDMetadataURL = "https://login.botframework.azure.us/v1/.well-known/openidconfiguration"
	GovIssuerV1          = "https://sts.windows.net/cab8a31a-1906-4287-a0d8-4eef66b95f6e/"
	GovIssuerV2          = "https://login.microsoftonline.us/cab8a31a-1906-4287-a0d8-4eef66b95f6e/v2.0"
)

// KeySource resolves a key id to a verification key. A nil key with a nil
// error means the key is unknown.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Cloud describes one token-issuing environment.
type Cloud struct {
	Name     string
	Audience string
	IssuerV1 string
	IssuerV2 string
	// FallbackIssuerV1, when set, is tried once if a 1.0 token fails
	// verification against IssuerV1.
	FallbackIssuerV1 string
	Keys             KeySource
}

// PublicCloud returns the public Azure cloud settings backed by keys.
func PublicCloud(keys KeySource) Cloud {
	return Cloud{
		Name:             "public",
		Audience:         PublicBotTokenAudience,
		IssuerV1:         PublicIssuerV1,
		IssuerV2:         PublicIssuerV2,
		FallbackIssuerV1: LegacyIssuerV1,
		Keys:             keys,
	}
}

// GovernmentCloud returns the US Government cloud settings backed by keys.
// Government tokens never get the legacy-issuer fallback.
func GovernmentCloud(keys KeySource) Cloud {
	return Cloud{
		Name:     "government",
		Audience: GovBotTokenAudience,
		IssuerV1: GovIssuerV1,
		IssuerV2: GovIssuerV2,
		Keys:     keys,
	}
}

// Config configures an Authenticator.
type Config struct {
	Public     Cloud
	Government Cloud
	Clock      *store.Clock
	Logger     *slog.Logger
}

// Authenticator validates bot-originated bearer tokens.
type Authenticator struct {
	public Cloud
	gov    Cloud
	clock  *store.Clock
	logger *slog.Logger
}

// New creates an Authenticator.
func New(cfg Config) *Authenticator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Authenticator{
		public: cfg.Public,
		gov:    cfg.Government,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

type claimsKey struct{}

// ClaimsFromContext returns the verified claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(jwt.MapClaims)
	return claims, ok
}

// Middleware rejects requests whose bearer token does not verify. Requests
// without an Authorization header are passed through unauthenticated.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.authenticate(r.Context(), header)
		if err != nil {
			if e, ok := apierror.As(err); ok && e.Status >= http.StatusInternalServerError {
				a.logger.Error("bot token verification unavailable", "path", r.URL.Path, "err", err)
			} else {
				a.logger.Debug("rejected bot token", "path", r.URL.Path, "err", err)
			}
			apierror.Write(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (a *Authenticator) authenticate(ctx context.Context, header string) (jwt.MapClaims, error) {
	scheme, token, _ := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !strings.EqualFold(scheme, "bearer") || token == "" {
		return nil, unauthorized("authorization header must carry a bearer token")
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, unauthorized("bearer token could not be decoded")
	}
	claims := unverified.Claims.(jwt.MapClaims)
	kid, _ := unverified.Header["kid"].(string)

	cloud := a.public
	if aud, _ := claims.GetAudience(); slices.Contains(aud, a.gov.Audience) {
		cloud = a.gov
	}

	version, _ := claims["ver"].(string)
	var issuer string
	switch version {
	case "1.0":
		issuer = cloud.IssuerV1
	case "2.0":
		issuer = cloud.IssuerV2
	default:
		return nil, unauthorized("unrecognized token version")
	}

	key, err := cloud.Keys.Key(ctx, kid)
	if err != nil {
		return nil, apierror.Service(http.StatusInternalServerError, "signing keys are unavailable", nil, err)
	}
	if key == nil {
		return nil, apierror.Service(http.StatusInternalServerError, "signing key not found", nil, nil)
	}

	verified, err := a.verify(token, key, cloud.Audience, issuer)
	if err != nil && version == "1.0" && cloud.FallbackIssuerV1 != "" {
		verified, err = a.verify(token, key, cloud.Audience, cloud.FallbackIssuerV1)
	}
	if err != nil {
		return nil, &apierror.Error{
			Code:    apierror.Unauthorized,
			Status:  http.StatusUnauthorized,
			Message: "bearer token failed verification",
			Err:     err,
		}
	}
	return verified, nil
}

func (a *Authenticator) verify(token string, key *rsa.PublicKey, audience, issuer string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(ClockSkew),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func unauthorized(message string) error {
	return apierror.New(apierror.Unauthorized, http.StatusUnauthorized, message)
}
