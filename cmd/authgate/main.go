// authgate is an external authorization server implementing OpenID
// Connect token acquisition for a sidecar proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/meshguard/authgate/internal/authz"
	"github.com/meshguard/authgate/internal/config"
	"github.com/meshguard/authgate/internal/httpenc"
	"github.com/meshguard/authgate/internal/oidc"
	"github.com/meshguard/authgate/internal/server"
	"github.com/meshguard/authgate/internal/session"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("unexpected error", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "authgate",
		Short:        "OIDC external authorization server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// best effort, local development convenience
			_ = godotenv.Load()

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.SlogLevel(),
			})))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			chain, err := buildChains(ctx, cfg)
			if err != nil {
				return err
			}

			return server.New(chain).Serve(ctx, cfg.Address())
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "/etc/authgate/config.yaml", "path to the configuration file")
	return cmd
}

// buildChains assembles the configured filter chains. Chains run in
// order; the first one to deny a request wins.
func buildChains(ctx context.Context, cfg *config.Config) (authz.Filter, error) {
	filters := make([]authz.Filter, 0, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		f, err := buildOIDCFilter(ctx, chain.OIDC)
		if err != nil {
			return nil, fmt.Errorf("building chain %q: %w", chain.Name, err)
		}
		filters = append(filters, f)
	}
	return authz.NewChain("default", filters...), nil
}

func buildOIDCFilter(ctx context.Context, c *config.OIDCConfig) (*authz.OIDCFilter, error) {
	cryptor, err := session.NewAEADEncryptorFromFile(c.SessionKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading session keyset: %w", err)
	}

	provider, err := resolveProvider(ctx, c)
	if err != nil {
		return nil, err
	}

	fc := authz.OIDCConfig{
		Callback:         endpointFromConfig(c.Callback),
		ClientID:         c.ClientID,
		ClientSecret:     c.ClientSecret,
		Scopes:           c.Scopes,
		IDToken:          authz.HeaderConfig(c.IDToken),
		LandingPage:      c.LandingPage,
		CookieNamePrefix: c.CookieNamePrefix,
		Timeout:          c.Timeout,
		RequireHTTPS:     c.RequireHTTPS,
	}
	if c.AccessToken != nil {
		at := authz.HeaderConfig(*c.AccessToken)
		fc.AccessToken = &at
	}

	// Endpoints given directly win over discovered metadata.
	endpoint := provider.Endpoint()
	if c.AuthorizationEndpoint != nil {
		fc.AuthorizationEndpoint = endpointFromConfig(*c.AuthorizationEndpoint)
	} else {
		fc.AuthorizationEndpoint, err = httpenc.ParseEndpoint(endpoint.AuthURL)
		if err != nil {
			return nil, fmt.Errorf("parsing discovered authorization endpoint: %w", err)
		}
	}
	if c.TokenEndpoint != nil {
		fc.TokenEndpoint = endpointFromConfig(*c.TokenEndpoint)
	} else {
		fc.TokenEndpoint, err = httpenc.ParseEndpoint(endpoint.TokenURL)
		if err != nil {
			return nil, fmt.Errorf("parsing discovered token endpoint: %w", err)
		}
	}

	parser := oidc.NewKeysetTokenResponseParser(provider)
	client := &oidc.Client{HTTPClient: http.DefaultClient}

	return authz.NewOIDCFilter(fc, client, parser, cryptor), nil
}

// resolveProvider builds the provider from the static configuration
// when a jwks_uri is given, and discovers it from the issuer
// otherwise.
func resolveProvider(ctx context.Context, c *config.OIDCConfig) (*oidc.Provider, error) {
	if c.JWKSURI == "" {
		p, err := oidc.DiscoverProvider(ctx, c.Issuer, nil)
		if err != nil {
			return nil, fmt.Errorf("discovering provider %s: %w", c.Issuer, err)
		}
		return p, nil
	}

	md := &oidc.ProviderMetadata{
		Issuer:  c.Issuer,
		JWKSURI: c.JWKSURI,
	}
	if c.AuthorizationEndpoint != nil {
		md.AuthorizationEndpoint = httpenc.ToURL(endpointFromConfig(*c.AuthorizationEndpoint))
	}
	if c.TokenEndpoint != nil {
		md.TokenEndpoint = httpenc.ToURL(endpointFromConfig(*c.TokenEndpoint))
	}
	return &oidc.Provider{Metadata: md}, nil
}

func endpointFromConfig(e config.EndpointConfig) httpenc.Endpoint {
	return httpenc.Endpoint{
		Scheme:   e.Scheme,
		Hostname: e.Hostname,
		Port:     e.Port,
		Path:     e.Path,
	}
}
