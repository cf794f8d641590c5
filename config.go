package oauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Default credential lifetimes. Authorization codes must stay short relative
// to token TTLs; codes are a handoff artifact, not a session.
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
)

// Config holds the authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier URL (required).
	// Endpoint URLs in the discovery document are derived from it.
	Issuer string

	// SupportedScopes lists the scopes advertised in the discovery document.
	// Empty means no scope restriction is advertised.
	SupportedScopes []string

	// AuthorizationCodeTTL is how long issued codes remain redeemable.
	// Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is the access token lifetime. Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime. Default: 30 days.
	RefreshTokenTTL time.Duration

	// CleanupInterval is how often the store sweeps expired entries.
	// Default: 1 minute.
	CleanupInterval time.Duration

	// Security settings (secure by default)
	Security SecurityConfig

	// CORS configuration for browser-based clients
	CORS CORSConfig

	// StaticClients are pre-configured clients seeded idempotently at startup
	StaticClients []StaticClient

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// SecurityConfig holds security settings. The zero value is the recommended
// configuration; every flag loosens or tightens one specific behavior.
type SecurityConfig struct {
	// RequirePKCE rejects authorization requests without a code_challenge.
	// Off by default: confidential clients may rely on their secret alone.
	RequirePKCE bool

	// DisablePKCEPlain rejects the "plain" challenge method, forcing S256.
	DisablePKCEPlain bool

	// DisableDynamicRegistration turns off the RFC 7591 registration
	// endpoint. The registration_endpoint field then disappears from the
	// discovery document.
	DisableDynamicRegistration bool

	// DisableReuseRevocation turns off cascading revocation when a consumed
	// authorization code or rotated refresh token is presented again.
	// WARNING: Replay of a spent credential indicates possible theft;
	// leaving revocation on limits the blast radius.
	DisableReuseRevocation bool
}

// CORSConfig holds CORS settings for browser-based clients
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to call the token and
	// registration endpoints from a browser. Empty disables CORS handling.
	AllowedOrigins []string

	// MaxAge is the preflight cache duration in seconds. Default: 3600.
	MaxAge int
}

// StaticClient describes a pre-configured client installed at startup.
// Seeding is idempotent: an existing client with the same ID is never
// overwritten, so a config reload does not re-credential running clients.
type StaticClient struct {
	ClientID     string
	ClientSecret string // plaintext; hashed before storage. Empty for public clients.
	ClientName   string
	RedirectURIs []string
	Scopes       []string
}

// applySecureDefaults fills in zero-valued fields and validates the
// configuration. Called once from NewServer.
func (c *Config) applySecureDefaults() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(c.Issuer)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("issuer scheme must be http or https: %q", c.Issuer)
	}
	// A trailing slash would double up in derived endpoint URLs
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")

	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return nil
}

// AuthorizationEndpoint returns the derived authorization endpoint URL
func (c *Config) AuthorizationEndpoint() string { return c.Issuer + "/authorize" }

// TokenEndpoint returns the derived token endpoint URL
func (c *Config) TokenEndpoint() string { return c.Issuer + "/token" }

// UserinfoEndpoint returns the derived userinfo endpoint URL
func (c *Config) UserinfoEndpoint() string { return c.Issuer + "/userinfo" }

// RegistrationEndpoint returns the derived registration endpoint URL,
// or "" when dynamic registration is disabled
func (c *Config) RegistrationEndpoint() string {
	if c.Security.DisableDynamicRegistration {
		return ""
	}
	return c.Issuer + "/register"
}
