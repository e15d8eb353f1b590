package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/wondertwin-ai/twin-directline/internal/auth"
	"github.com/wondertwin-ai/twin-directline/internal/keys"
	"github.com/wondertwin-ai/twin-directline/internal/keys/keystest"
	"github.com/wondertwin-ai/twin-directline/pkg/store"
)

type fixture struct {
	public  *keystest.Server
	gov     *keystest.Server
	handler http.Handler
	claims  jwt.MapClaims
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{public: keystest.NewServer(t), gov: keystest.NewServer(t)}
	clock := store.NewClock()
	a := auth.New(auth.Config{
		Public: auth.PublicCloud(keys.NewResolver(keys.Config{
			DiscoveryURL: f.public.DiscoveryURL(), Clock: clock,
		})),
		Government: auth.GovernmentCloud(keys.NewResolver(keys.Config{
			DiscoveryURL: f.gov.DiscoveryURL(), Clock: clock,
		})),
		Clock: clock,
	})
	f.handler = a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.claims, _ = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

func (f *fixture) do(authorization string) int {
	req := httptest.NewRequest(http.MethodPost, "/v3/directline/conversations/c1/activities", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec.Code
}

func claims(aud, ver, iss string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"aud":   aud,
		"ver":   ver,
		"iss":   iss,
		"appid": "bot-app-id",
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

// ---------------------------------------------------------------------------
// Header handling
// ---------------------------------------------------------------------------

func TestNoAuthorizationHeaderPassesThrough(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusOK, f.do(""))
	require.Nil(t, f.claims)
	require.EqualValues(t, 0, f.public.MetadataHits.Load())
}

func TestMalformedHeaders(t *testing.T) {
	f := setup(t)
	for _, h := range []string{"Basic abc", "Bearer", "Bearer    ", "Bearer not.a.jwt", "token-without-scheme"} {
		require.Equal(t, http.StatusUnauthorized, f.do(h), "header %q", h)
	}
}

func TestSchemeIsCaseInsensitive(t *testing.T) {
	f := setup(t)
	token := f.public.Sign(t, claims(auth.PublicBotTokenAudience, "1.0", auth.PublicIssuerV1))
	require.Equal(t, http.StatusOK, f.do("bEaReR "+token))
}

// ---------------------------------------------------------------------------
// Cloud and version selection
// ---------------------------------------------------------------------------

func TestPublicCloudTokens(t *testing.T) {
	f := setup(t)

	v1 := f.public.Sign(t, claims(auth.PublicBotTokenAudience, "1.0", auth.PublicIssuerV1))
	require.Equal(t, http.StatusOK, f.do("Bearer "+v1))
	require.Equal(t, "bot-app-id", f.claims["appid"])

	v2 := f.public.Sign(t, claims(auth.PublicBotTokenAudience, "2.0", auth.PublicIssuerV2))
	require.Equal(t, http.StatusOK, f.do("Bearer "+v2))
}

func TestGovernmentCloudTokensUseGovernmentKeys(t *testing.T) {
	f := setup(t)

	token := f.gov.Sign(t, claims(auth.GovBotTokenAudience, "1.0", auth.GovIssuerV1))
	require.Equal(t, http.StatusOK, f.do("Bearer "+token))
	require.EqualValues(t, 0, f.public.MetadataHits.Load())

	// Same kid, but signed by the public source's key: the signature cannot verify.
	wrongSigner := f.public.Sign(t, claims(auth.GovBotTokenAudience, "2.0", auth.GovIssuerV2))
	require.Equal(t, http.StatusUnauthorized, f.do("Bearer "+wrongSigner))
}

func TestUnknownVersionRejected(t *testing.T) {
	f := setup(t)
	for _, ver := range []string{"", "3.0", "1"} {
		token := f.public.Sign(t, claims(auth.PublicBotTokenAudience, ver, auth.PublicIssuerV1))
		require.Equal(t, http.StatusUnauthorized, f.do("Bearer "+token), "ver %q", ver)
	}
}

func TestIssuerMismatchRejected(t *testing.T) {
	f := setup(t)
	token := f.public.Sign(t, claims(auth.PublicBotTokenAudience, "2.0", auth.PublicIssuerV1))
	require.Equal(t, http.StatusUnauthorized, f.do("Bearer "+token))
}

// ---------------------------------------------------------------------------
// Key availability
// ---------------------------------------------------------------------------

func TestUnknownKeyIsServerError(t *testing.T) {
	f := setup(t)
	published := f.public.Kid
	f.public.Kid = "not-published"
	token := f.public.Sign(t, claims(auth.PublicBotTokenAudience, "1.0", auth.PublicIssuerV1))
	f.public.Kid = published

	require.Equal(t, http.StatusInternalServerError, f.do("Bearer "+token))
}

func TestKeyServiceOutageIsServerError(t *testing.T) {
	f := setup(t)
	f.public.FailMetadata(http.StatusBadGateway)
	token := f.public.Sign(t, claims(auth.PublicBotTokenAudience, "1.0", auth.PublicIssuerV1))
	require.Equal(t, http.StatusInternalServerError, f.do("Bearer "+token))
}

// ---------------------------------------------------------------------------
// Expiry and skew
// ---------------------------------------------------------------------------

func TestClockSkewTolerance(t *testing.T) {
	f := setup(t)

	withinSkew := claims(auth.PublicBotTokenAudience, "1.0", auth.PublicIssuerV1)
	withinSkew["exp"] = time.Now().Add(-2 * time.Minute).Unix()
	require.Equal(t, http.StatusOK, f.do("Bearer "+f.public.Sign(t, withinSkew)))

	beyondSkew := claims(auth.PublicBotTokenAudience, "1.0", auth.PublicIssuerV1)
	beyondSkew["exp"] = time.Now().Add(-10 * time.Minute).Unix()
	require.Equal(t, http.StatusUnauthorized, f.do("Bearer "+f.public.Sign(t, beyondSkew)))
}

func TestWrongAudienceRejected(t *testing.T) {
	f := setup(t)
	token := f.public.Sign(t, claims("https://someone-else.example", "1.0", auth.PublicIssuerV1))
	require.Equal(t, http.StatusUnauthorized, f.do("Bearer "+token))
}

// ---------------------------------------------------------------------------
// Legacy issuer fallback
// ---------------------------------------------------------------------------

func TestLegacyIssuerFallbackForPublicV1(t *testing.T) {
	f := setup(t)
	token := f.public.Sign(t, claims(auth.PublicBotTokenAudience, "1.0", auth.LegacyIssuerV1))
	require.Equal(t, http.StatusOK, f.do("Bearer "+token))
}

func TestNoFallbackForPublicV2(t *testing.T) {
	f := setup(t)
	token := f.public.Sign(t, claims(auth.PublicBotTokenAudience, "2.0", auth.LegacyIssuerV1))
	require.Equal(t, http.StatusUnauthorized, f.do("Bearer "+token))
}

func TestNoFallbackForGovernment(t *testing.T) {
	f := setup(t)
	token := f.gov.Sign(t, claims(auth.GovBotTokenAudience, "1.0", auth.LegacyIssuerV1))
	require.Equal(t, http.StatusUnauthorized, f.do("Bearer "+token))
}
