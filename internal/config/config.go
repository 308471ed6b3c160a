// Package config loads and validates the authgate configuration file.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddress = "0.0.0.0"
	defaultListenPort    = 10003
	defaultLogLevel      = "info"
	defaultStateTimeout  = 300
)

// Config is the top-level configuration.
type Config struct {
	ListenAddress string        `yaml:"listen_address"`
	ListenPort    int           `yaml:"listen_port"`
	LogLevel      string        `yaml:"log_level" validate:"omitempty,oneof=trace debug info error critical"`
	Chains        []ChainConfig `yaml:"chains" validate:"required,min=1,dive"`
}

// ChainConfig is one named filter chain.
type ChainConfig struct {
	Name string      `yaml:"name" validate:"required"`
	OIDC *OIDCConfig `yaml:"oidc" validate:"required"`
}

// EndpointConfig is a structured URL.
type EndpointConfig struct {
	Scheme   string `yaml:"scheme" validate:"required,oneof=http https"`
	Hostname string `yaml:"hostname" validate:"required"`
	Port     int    `yaml:"port" validate:"min=0,max=65535"`
	Path     string `yaml:"path" validate:"required"`
}

// HeaderConfig names a header a token is forwarded in.
type HeaderConfig struct {
	Header   string `yaml:"header" validate:"required"`
	Preamble string `yaml:"preamble"`
}

// OIDCConfig configures one OIDC filter. The authorization and token
// endpoints may be given directly or discovered from the issuer.
type OIDCConfig struct {
	Issuer                string          `yaml:"issuer" validate:"required,url"`
	AuthorizationEndpoint *EndpointConfig `yaml:"authorization_endpoint"`
	TokenEndpoint         *EndpointConfig `yaml:"token_endpoint"`
	JWKSURI               string          `yaml:"jwks_uri" validate:"omitempty,url"`

	Callback EndpointConfig `yaml:"callback" validate:"required"`

	ClientID     string   `yaml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret" validate:"required"`
	Scopes       []string `yaml:"scopes"`

	LandingPage      string `yaml:"landing_page" validate:"required,url"`
	CookieNamePrefix string `yaml:"cookie_name_prefix"`
	Timeout          int64  `yaml:"timeout" validate:"min=0"`
	RequireHTTPS     bool   `yaml:"require_https"`

	IDToken     HeaderConfig  `yaml:"id_token" validate:"required"`
	AccessToken *HeaderConfig `yaml:"access_token"`

	// SessionKeyFile is the cleartext tink keyset the session cookies
	// are encrypted with.
	SessionKeyFile string `yaml:"session_key_file" validate:"required"`
}

// Load reads, parses and validates the configuration at path,
// applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config file: %w", err)
	}

	cfg.applyDefaults()

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.ListenPort == 0 {
		c.ListenPort = defaultListenPort
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	for _, chain := range c.Chains {
		if chain.OIDC != nil && chain.OIDC.Timeout == 0 {
			chain.OIDC.Timeout = defaultStateTimeout
		}
	}
}

// Address returns the listen address in host:port form.
func (c *Config) Address() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}

// SlogLevel maps the configured log level name onto a slog level.
// Trace has no slog equivalent and maps below debug.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "error":
		return slog.LevelError
	case "critical":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}
