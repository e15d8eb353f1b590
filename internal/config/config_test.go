package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
)

var envKeys = []string{
	"PORT", "DIRECTLINE_PORT", "DIRECTLINE_WS_PORT", "DIRECTLINE_SERVICE_URL",
	"DIRECTLINE_LOCALE", "DIRECTLINE_HTTP_TIMEOUT", "DIRECTLINE_TOKEN_ENDPOINT",
	"DIRECTLINE_GOV_TOKEN_ENDPOINT", "DIRECTLINE_PUBLIC_OPENID_URL", "PUBLIC_OPENID_URL",
	"DIRECTLINE_GOV_OPENID_URL", "GOV_OPENID_URL", "DIRECTLINE_DUPLICATE_SOCKET",
	"DIRECTLINE_BOTS_FILE", "DIRECTLINE_VERBOSE",
}

// clearEnv unsets every variable Load reads, restoring them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

// ---------------------------------------------------------------------------
// Precedence
// ---------------------------------------------------------------------------

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("twin-directline", nil, io.Discard)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 0 || cfg.WSPort != 0 {
		t.Errorf("expected auto-assigned ports, got %d/%d", cfg.Port, cfg.WSPort)
	}
	if cfg.Locale != "en-US" {
		t.Errorf("expected en-US, got %q", cfg.Locale)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.HTTPTimeout)
	}
	if cfg.TokenEndpoint != endpoint.PublicTokenEndpoint {
		t.Errorf("unexpected token endpoint %q", cfg.TokenEndpoint)
	}
	if cfg.DuplicateSocket != DuplicateReject {
		t.Errorf("expected reject policy, got %q", cfg.DuplicateSocket)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIRECTLINE_LOCALE", "de-DE")
	t.Setenv("DIRECTLINE_HTTP_TIMEOUT", "5s")
	t.Setenv("DIRECTLINE_WS_PORT", "7001")
	t.Setenv("DIRECTLINE_GOV_OPENID_URL", "http://keys.test/gov")
	t.Setenv("DIRECTLINE_VERBOSE", "true")

	cfg, err := Load("twin-directline", nil, io.Discard)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Locale != "de-DE" || cfg.HTTPTimeout != 5*time.Second || cfg.WSPort != 7001 {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.GovOpenIDURL != "http://keys.test/gov" {
		t.Errorf("expected gov openid override, got %q", cfg.GovOpenIDURL)
	}
	if !cfg.Verbose {
		t.Error("expected verbose from env")
	}
}

func TestPlainPortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	cfg, err := Load("twin-directline", nil, io.Discard)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected PORT fallback 8080, got %d", cfg.Port)
	}

	t.Setenv("DIRECTLINE_PORT", "9090")
	cfg, err = Load("twin-directline", nil, io.Discard)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected DIRECTLINE_PORT to win, got %d", cfg.Port)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIRECTLINE_LOCALE", "de-DE")
	t.Setenv("DIRECTLINE_WS_PORT", "7001")

	cfg, err := Load("twin-directline", []string{"--locale", "fr-FR", "--duplicate-socket=replace", "--port=5000"}, io.Discard)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Locale != "fr-FR" {
		t.Errorf("expected flag locale, got %q", cfg.Locale)
	}
	if cfg.WSPort != 7001 {
		t.Errorf("unset flag should keep env value, got %d", cfg.WSPort)
	}
	if cfg.Port != 5000 || cfg.DuplicateSocket != DuplicateReplace {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"policy", []string{"--duplicate-socket=ignore"}, "duplicate socket policy"},
		{"timeout", []string{"--http-timeout=0s"}, "http timeout"},
		{"port", []string{"--port=70000"}, "out of range"},
		{"locale", []string{"--locale="}, "locale"},
		{"positional", []string{"extra"}, "unexpected argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load("twin-directline", tt.args, io.Discard)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadHelp(t *testing.T) {
	clearEnv(t)
	var usage strings.Builder
	_, err := Load("twin-directline", []string{"--help"}, &usage)
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
	if !strings.Contains(usage.String(), "--duplicate-socket") {
		t.Errorf("usage should list flags, got %q", usage.String())
	}
}

func TestResolvedServiceURL(t *testing.T) {
	cfg := Default()
	if got := cfg.ResolvedServiceURL(5000); got != "http://localhost:5000" {
		t.Errorf("unexpected default service url %q", got)
	}
	cfg.ServiceURL = "https://tunnel.example/"
	if got := cfg.ResolvedServiceURL(5000); got != "https://tunnel.example" {
		t.Errorf("unexpected configured service url %q", got)
	}
}

// ---------------------------------------------------------------------------
// Bot profiles
// ---------------------------------------------------------------------------

func writeBots(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bots.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBots(t *testing.T) {
	path := writeBots(t, `
bots:
  - id: echo
    name: Echo Bot
    endpoint: http://localhost:3978/api/messages
  - id: secure
    name: Secure Bot
    endpoint: https://secure.example/api/messages
    appId: 11111111-2222-3333-4444-555555555555
    appPassword: hunter2
    channelService: azureusgovernment
`)
	bots, err := LoadBots(path)
	if err != nil {
		t.Fatalf("LoadBots() error: %v", err)
	}
	if len(bots) != 2 {
		t.Fatalf("expected 2 bots, got %d", len(bots))
	}
	spec := bots[1].Spec()
	if spec.ID != "secure" || spec.BotURL != "https://secure.example/api/messages" ||
		spec.AppPassword != "hunter2" || spec.ChannelService != endpoint.ChannelServiceGovernment {
		t.Errorf("unexpected spec %+v", spec)
	}
}

func TestLoadBotsErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no id", "bots:\n  - endpoint: http://x\n", "has no id"},
		{"no endpoint", "bots:\n  - id: a\n", "has no endpoint"},
		{"duplicate", "bots:\n  - {id: a, endpoint: http://x}\n  - {id: a, endpoint: http://y}\n", "duplicate"},
		{"syntax", "bots: [", "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBots(writeBots(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := LoadBots(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if bots, err := LoadBots(""); err != nil || bots != nil {
		t.Errorf("expected no bots for empty path, got %v, %v", bots, err)
	}
}
