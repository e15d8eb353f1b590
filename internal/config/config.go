// Package config assembles the emulator's runtime configuration from
// defaults, DIRECTLINE_* environment variables and command-line flags, and
// loads the optional bot profile file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/wondertwin-ai/twin-directline/internal/auth"
	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DIRECTLINE"

// Duplicate socket policies accepted by --duplicate-socket.
const (
	DuplicateReject  = "reject"
	DuplicateReplace = "replace"
)

// Config is the emulator's runtime configuration.
type Config struct {
	// Port falls back to the plain PORT variable.
	Port             int           `envconfig:"PORT"`
	WSPort           int           `split_words:"true"`
	ServiceURL       string        `split_words:"true"`
	Locale           string        `split_words:"true"`
	HTTPTimeout      time.Duration `split_words:"true"`
	TokenEndpoint    string        `split_words:"true"`
	GovTokenEndpoint string        `split_words:"true"`
	PublicOpenIDURL  string        `envconfig:"PUBLIC_OPENID_URL"`
	GovOpenIDURL     string        `envconfig:"GOV_OPENID_URL"`
	DuplicateSocket  string        `split_words:"true"`
	BotsFile         string        `split_words:"true"`
	Verbose          bool          `split_words:"true"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Locale:           "en-US",
		HTTPTimeout:      30 * time.Second,
		TokenEndpoint:    endpoint.PublicTokenEndpoint,
		GovTokenEndpoint: endpoint.GovernmentTokenEndpoint,
		PublicOpenIDURL:  auth.PublicOpenIDMetadataURL,
		GovOpenIDURL:     auth.GovOpenIDMetadataURL,
		DuplicateSocket:  DuplicateReject,
	}
}

// Load resolves configuration with precedence flag > environment > default.
// A --help request is reported as pflag.ErrHelp after usage is written to
// usage.
func Load(name string, args []string, usage io.Writer) (*Config, error) {
	cfg := Default()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(usage)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port (default: auto-assigned)")
	fs.IntVar(&cfg.WSPort, "ws-port", cfg.WSPort, "realtime websocket listen port (default: auto-assigned)")
	fs.StringVar(&cfg.ServiceURL, "service-url", cfg.ServiceURL, "base URL the bot uses to reach the emulator (default: http://localhost:<port>)")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "default conversation locale")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "timeout for calls to bots, token and key services")
	fs.StringVar(&cfg.TokenEndpoint, "token-endpoint", cfg.TokenEndpoint, "OAuth token endpoint for public-cloud bots")
	fs.StringVar(&cfg.GovTokenEndpoint, "gov-token-endpoint", cfg.GovTokenEndpoint, "OAuth token endpoint for US Government bots")
	fs.StringVar(&cfg.PublicOpenIDURL, "public-openid-url", cfg.PublicOpenIDURL, "OpenID metadata URL for public-cloud signing keys")
	fs.StringVar(&cfg.GovOpenIDURL, "gov-openid-url", cfg.GovOpenIDURL, "OpenID metadata URL for US Government signing keys")
	fs.StringVar(&cfg.DuplicateSocket, "duplicate-socket", cfg.DuplicateSocket, "second subscription to a conversation: reject or replace")
	fs.StringVar(&cfg.BotsFile, "bots-file", cfg.BotsFile, "YAML file of bot endpoints to register at startup")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that flags and env cannot constrain by type.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.WSPort < 0 || c.WSPort > 65535 {
		errs = append(errs, fmt.Errorf("ws port %d out of range", c.WSPort))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http timeout must be positive"))
	}
	if c.Locale == "" {
		errs = append(errs, errors.New("locale must not be empty"))
	}
	switch c.DuplicateSocket {
	case DuplicateReject, DuplicateReplace:
	default:
		errs = append(errs, fmt.Errorf("duplicate socket policy %q: want %q or %q",
			c.DuplicateSocket, DuplicateReject, DuplicateReplace))
	}
	return errors.Join(errs...)
}

// ResolvedServiceURL returns ServiceURL, or the localhost URL for port when
// none was configured.
func (c *Config) ResolvedServiceURL(port int) string {
	if c.ServiceURL != "" {
		return strings.TrimRight(c.ServiceURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

// Bot is one entry of the bot profile file.
type Bot struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Endpoint       string `yaml:"endpoint"`
	AppID          string `yaml:"appId,omitempty"`
	AppPassword    string `yaml:"appPassword,omitempty"`
	ChannelService string `yaml:"channelService,omitempty"`
}

// Spec converts the profile into an endpoint registration.
func (b Bot) Spec() endpoint.Spec {
	return endpoint.Spec{
		ID:             b.ID,
		BotID:          b.ID,
		BotURL:         b.Endpoint,
		AppID:          b.AppID,
		AppPassword:    b.AppPassword,
		ChannelService: b.ChannelService,
	}
}

// BotsFile is the on-disk shape of the bot profile file.
type BotsFile struct {
	Bots []Bot `yaml:"bots"`
}

// LoadBots reads the bot profile file at path. An empty path yields no bots.
func LoadBots(path string) ([]Bot, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bots file %s: %w", path, err)
	}

	var f BotsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing bots file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Bots))
	for i, b := range f.Bots {
		if b.ID == "" {
			return nil, fmt.Errorf("bots file %s: bot %d has no id", path, i)
		}
		if b.Endpoint == "" {
			return nil, fmt.Errorf("bots file %s: bot %q has no endpoint", path, b.ID)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("bots file %s: duplicate bot id %q", path, b.ID)
		}
		seen[b.ID] = true
	}
	return f.Bots, nil
}
