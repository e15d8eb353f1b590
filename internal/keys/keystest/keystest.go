// Package keystest serves an OpenID metadata document and key set backed by
// a freshly generated RSA key, and signs tokens with it.
package keystest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wondertwin-ai/twin-directline/internal/keys"
)

// Server is a key source for tests.
type Server struct {
	*httptest.Server
	Key *rsa.PrivateKey
	Kid string

	MetadataHits atomic.Int32
	KeySetHits   atomic.Int32

	mu             sync.Mutex
	extra          []keys.JWK
	metadataStatus int
	keySetStatus   int
	metadataDelay  time.Duration
}

// NewServer starts a key source and registers its shutdown with t.
func NewServer(t *testing.T) *Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	s := &Server{Key: key, Kid: "test-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openidconfiguration", s.serveMetadata)
	mux.HandleFunc("/keys", s.serveKeySet)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// DiscoveryURL is the metadata document URL to configure a keys.Resolver with.
func (s *Server) DiscoveryURL() string {
	return s.URL + "/.well-known/openidconfiguration"
}

// FailMetadata makes the metadata endpoint answer with status; 0 restores it.
func (s *Server) FailMetadata(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadataStatus = status
}

// FailKeySet makes the key-set endpoint answer with status; 0 restores it.
func (s *Server) FailKeySet(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keySetStatus = status
}

// DelayMetadata makes the metadata endpoint wait d before answering.
func (s *Server) DelayMetadata(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadataDelay = d
}

// AddKey publishes an extra key alongside the signing key.
func (s *Server) AddKey(k keys.JWK) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra = append(s.extra, k)
}

// Sign returns an RS256 token over claims with the server's key id.
func (s *Server) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.Kid
	signed, err := token.SignedString(s.Key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *Server) serveMetadata(w http.ResponseWriter, r *http.Request) {
	s.MetadataHits.Add(1)
	s.mu.Lock()
	status, delay := s.metadataStatus, s.metadataDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, map[string]string{
		"issuer":   "https://api.botframework.com",
		"jwks_uri": s.URL + "/keys",
	})
}

func (s *Server) serveKeySet(w http.ResponseWriter, r *http.Request) {
	s.KeySetHits.Add(1)
	s.mu.Lock()
	status := s.keySetStatus
	set := append([]keys.JWK{{
		Kty: "RSA",
		Use: "sig",
		Kid: s.Kid,
		N:   base64.RawURLEncoding.EncodeToString(s.Key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.Key.PublicKey.E)).Bytes()),
	}}, s.extra...)
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, map[string]any{"keys": set})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
