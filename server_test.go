package oauth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/helioauth/oauth-server/internal/testutil"
	"github.com/helioauth/oauth-server/security"
	"github.com/helioauth/oauth-server/storage"
	"github.com/helioauth/oauth-server/storage/memory"
)

func newTestServer(t *testing.T, config *Config) (*Server, *memory.Store) {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	if config == nil {
		config = &Config{Issuer: "https://auth.example.com"}
	}

	srv, err := NewServer(config, store, store, store, store)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv, store
}

// seedFlowFixtures installs the standard confidential client and user and
// returns them
func seedFlowFixtures(t *testing.T, store *memory.Store) (*storage.Client, *storage.User) {
	t.Helper()
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	user := testutil.GenerateTestUser()
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}
	return client, user
}

func TestNewServer(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	defer store.Stop()

	t.Run("valid", func(t *testing.T) {
		srv, err := NewServer(&Config{Issuer: "https://auth.example.com"}, store, store, store, store)
		if err != nil {
			t.Fatalf("NewServer() error = %v", err)
		}
		if srv == nil {
			t.Fatal("NewServer() returned nil")
		}
	})

	t.Run("missing config", func(t *testing.T) {
		if _, err := NewServer(nil, store, store, store, store); err == nil {
			t.Error("expected error for nil config")
		}
	})

	t.Run("missing issuer", func(t *testing.T) {
		if _, err := NewServer(&Config{}, store, store, store, store); err == nil {
			t.Error("expected error for missing issuer")
		}
	})

	t.Run("missing store", func(t *testing.T) {
		if _, err := NewServer(&Config{Issuer: "https://auth.example.com"}, nil, store, store, store); err == nil {
			t.Error("expected error for nil client store")
		}
	})
}

// ============================================================
// Client Registration
// ============================================================

func TestRegisterClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	t.Run("confidential by default", func(t *testing.T) {
		client, secret, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
			ClientName:   "Web App",
			RedirectURIs: []string{"https://app.example.com/callback"},
			Scope:        "openid email",
		})
		if err != nil {
			t.Fatalf("RegisterClient() error = %v", err)
		}
		if client.ClientType != storage.ClientTypeConfidential {
			t.Errorf("ClientType = %q, want %q", client.ClientType, storage.ClientTypeConfidential)
		}
		if !strings.HasPrefix(client.ClientID, "client_") {
			t.Errorf("ClientID = %q, want client_ prefix", client.ClientID)
		}
		if decoded, err := base64.RawURLEncoding.DecodeString(secret); err != nil || len(decoded) != 32 {
			t.Errorf("client secret = %q, want 32 base64url-encoded bytes", secret)
		}
		if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodBasic {
			t.Errorf("TokenEndpointAuthMethod = %q, want %q", client.TokenEndpointAuthMethod, TokenEndpointAuthMethodBasic)
		}
		if secret == "" {
			t.Error("expected a client secret for a confidential client")
		}
		if client.ClientSecretHash == secret {
			t.Error("secret must not be stored in plaintext")
		}
		if len(client.Scopes) != 2 {
			t.Errorf("Scopes = %v, want 2 entries", client.Scopes)
		}

		// The returned secret must actually validate
		if err := srv.ValidateClientCredentials(ctx, client.ClientID, secret); err != nil {
			t.Errorf("ValidateClientCredentials() error = %v", err)
		}
	})

	t.Run("public via auth method none", func(t *testing.T) {
		client, secret, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
			ClientName:              "SPA",
			RedirectURIs:            []string{"https://spa.example.com/callback"},
			TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		})
		if err != nil {
			t.Fatalf("RegisterClient() error = %v", err)
		}
		if client.ClientType != storage.ClientTypePublic {
			t.Errorf("ClientType = %q, want %q", client.ClientType, storage.ClientTypePublic)
		}
		if secret != "" {
			t.Error("public clients must not receive a secret")
		}
	})

	t.Run("empty redirect_uris rejected", func(t *testing.T) {
		_, _, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{ClientName: "No URIs"})
		assertOAuthError(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("relative redirect URI rejected", func(t *testing.T) {
		_, _, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
			RedirectURIs: []string{"/callback"},
		})
		assertOAuthError(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("fragment in redirect URI rejected", func(t *testing.T) {
		_, _, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
			RedirectURIs: []string{"https://app.example.com/callback#frag"},
		})
		assertOAuthError(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("unsupported grant type rejected", func(t *testing.T) {
		_, _, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
			RedirectURIs: []string{"https://app.example.com/callback"},
			GrantTypes:   []string{"client_credentials"},
		})
		assertOAuthError(t, err, ErrorCodeInvalidRequest)
	})
}

func TestSeedClients(t *testing.T) {
	config := &Config{
		Issuer: "https://auth.example.com",
		StaticClients: []StaticClient{
			{
				ClientID:     "cli-tool",
				ClientSecret: "shhh",
				ClientName:   "CLI Tool",
				RedirectURIs: []string{"http://localhost:8123/callback"},
			},
			{
				ClientID:     "native-app",
				ClientName:   "Native App",
				RedirectURIs: []string{"http://localhost:9000/callback"},
			},
		},
	}
	srv, store := newTestServer(t, config)
	ctx := context.Background()

	if err := srv.SeedClients(ctx); err != nil {
		t.Fatalf("SeedClients() error = %v", err)
	}

	confidential, err := store.GetClient(ctx, "cli-tool")
	if err != nil {
		t.Fatalf("GetClient(cli-tool) error = %v", err)
	}
	if confidential.ClientType != storage.ClientTypeConfidential {
		t.Errorf("ClientType = %q, want confidential", confidential.ClientType)
	}
	if err := srv.ValidateClientCredentials(ctx, "cli-tool", "shhh"); err != nil {
		t.Errorf("seeded secret does not validate: %v", err)
	}

	public, err := store.GetClient(ctx, "native-app")
	if err != nil {
		t.Fatalf("GetClient(native-app) error = %v", err)
	}
	if public.ClientType != storage.ClientTypePublic {
		t.Errorf("ClientType = %q, want public", public.ClientType)
	}

	// Re-seeding must not re-credential existing clients
	srv.config.StaticClients[0].ClientSecret = "different"
	if err := srv.SeedClients(ctx); err != nil {
		t.Fatalf("second SeedClients() error = %v", err)
	}
	if err := srv.ValidateClientCredentials(ctx, "cli-tool", "shhh"); err != nil {
		t.Errorf("original secret stopped validating after re-seed: %v", err)
	}
}

// ============================================================
// Users
// ============================================================

func TestCreateUserIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	first, err := srv.CreateUser(ctx, "bob", "hunter2", "bob@example.com", "Bob")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	second, err := srv.CreateUser(ctx, "bob", "different-password", "", "")
	if err != nil {
		t.Fatalf("second CreateUser() error = %v", err)
	}
	if first.UserID != second.UserID {
		t.Errorf("repeated CreateUser returned a different user: %q vs %q", first.UserID, second.UserID)
	}

	// The original password still works
	if _, err := srv.AuthenticateUser(ctx, "bob", "hunter2"); err != nil {
		t.Errorf("AuthenticateUser() error = %v", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	_, user := seedFlowFixtures(t, store)

	t.Run("valid credentials", func(t *testing.T) {
		got, err := srv.AuthenticateUser(ctx, user.Username, testutil.TestUserPassword)
		if err != nil {
			t.Fatalf("AuthenticateUser() error = %v", err)
		}
		if got.UserID != user.UserID {
			t.Errorf("UserID = %q, want %q", got.UserID, user.UserID)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := srv.AuthenticateUser(ctx, user.Username, "wrong"); !errors.Is(err, ErrInvalidUserCredentials) {
			t.Errorf("error = %v, want ErrInvalidUserCredentials", err)
		}
	})

	t.Run("unknown username", func(t *testing.T) {
		if _, err := srv.AuthenticateUser(ctx, "nobody", "whatever"); !errors.Is(err, ErrInvalidUserCredentials) {
			t.Errorf("error = %v, want ErrInvalidUserCredentials", err)
		}
	})

	t.Run("inactive account", func(t *testing.T) {
		inactive := testutil.GenerateTestUser()
		inactive.UserID = "inactive-user"
		inactive.Username = "mallory"
		inactive.Active = false
		if err := store.SaveUser(ctx, inactive); err != nil {
			t.Fatalf("SaveUser() error = %v", err)
		}
		if _, err := srv.AuthenticateUser(ctx, "mallory", testutil.TestUserPassword); !errors.Is(err, ErrInvalidUserCredentials) {
			t.Errorf("error = %v, want ErrInvalidUserCredentials", err)
		}
	})
}

// ============================================================
// Authorization Request Validation
// ============================================================

func TestValidateAuthorizationRequest(t *testing.T) {
	srv, store := newTestServer(t, &Config{
		Issuer:          "https://auth.example.com",
		SupportedScopes: []string{"openid", "email", "profile"},
	})
	ctx := context.Background()
	client, _ := seedFlowFixtures(t, store)

	base := func() *AuthorizationRequest {
		return &AuthorizationRequest{
			ClientID:     client.ClientID,
			RedirectURI:  client.RedirectURIs[0],
			ResponseType: ResponseTypeCode,
			Scope:        "openid email",
		}
	}

	t.Run("valid", func(t *testing.T) {
		got, oauthErr := srv.ValidateAuthorizationRequest(ctx, base())
		if oauthErr != nil {
			t.Fatalf("unexpected error: %v", oauthErr)
		}
		if got.ClientID != client.ClientID {
			t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
		}
	})

	t.Run("unknown client", func(t *testing.T) {
		req := base()
		req.ClientID = "ghost"
		_, oauthErr := srv.ValidateAuthorizationRequest(ctx, req)
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidClient {
			t.Errorf("error = %v, want %s", oauthErr, ErrorCodeInvalidClient)
		}
	})

	t.Run("unregistered redirect URI", func(t *testing.T) {
		req := base()
		req.RedirectURI = "https://evil.example.com/callback"
		_, oauthErr := srv.ValidateAuthorizationRequest(ctx, req)
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidRequest {
			t.Errorf("error = %v, want %s", oauthErr, ErrorCodeInvalidRequest)
		}
	})

	t.Run("unsupported response type", func(t *testing.T) {
		req := base()
		req.ResponseType = "token"
		_, oauthErr := srv.ValidateAuthorizationRequest(ctx, req)
		if oauthErr == nil || oauthErr.Code != ErrorCodeUnsupportedResponseType {
			t.Errorf("error = %v, want %s", oauthErr, ErrorCodeUnsupportedResponseType)
		}
	})

	t.Run("method without challenge", func(t *testing.T) {
		req := base()
		req.CodeChallengeMethod = security.PKCEMethodS256
		_, oauthErr := srv.ValidateAuthorizationRequest(ctx, req)
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidRequest {
			t.Errorf("error = %v, want %s", oauthErr, ErrorCodeInvalidRequest)
		}
	})

	t.Run("absent method defaults to plain", func(t *testing.T) {
		req := base()
		req.CodeChallenge = "some-challenge-value"
		if _, oauthErr := srv.ValidateAuthorizationRequest(ctx, req); oauthErr != nil {
			t.Fatalf("unexpected error: %v", oauthErr)
		}
		if req.CodeChallengeMethod != security.PKCEMethodPlain {
			t.Errorf("CodeChallengeMethod = %q, want plain", req.CodeChallengeMethod)
		}
	})

	t.Run("unsupported scope", func(t *testing.T) {
		req := base()
		req.Scope = "openid admin"
		_, oauthErr := srv.ValidateAuthorizationRequest(ctx, req)
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidScope {
			t.Errorf("error = %v, want %s", oauthErr, ErrorCodeInvalidScope)
		}
	})
}

func TestValidateAuthorizationRequestPKCEPolicy(t *testing.T) {
	t.Run("require PKCE", func(t *testing.T) {
		srv, store := newTestServer(t, &Config{
			Issuer:   "https://auth.example.com",
			Security: SecurityConfig{RequirePKCE: true},
		})
		client, _ := seedFlowFixtures(t, store)

		req := &AuthorizationRequest{
			ClientID:     client.ClientID,
			RedirectURI:  client.RedirectURIs[0],
			ResponseType: ResponseTypeCode,
		}
		_, oauthErr := srv.ValidateAuthorizationRequest(context.Background(), req)
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidRequest {
			t.Errorf("error = %v, want %s", oauthErr, ErrorCodeInvalidRequest)
		}
	})

	t.Run("plain disabled", func(t *testing.T) {
		srv, store := newTestServer(t, &Config{
			Issuer:   "https://auth.example.com",
			Security: SecurityConfig{DisablePKCEPlain: true},
		})
		client, _ := seedFlowFixtures(t, store)

		req := &AuthorizationRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			ResponseType:        ResponseTypeCode,
			CodeChallenge:       "challenge",
			CodeChallengeMethod: security.PKCEMethodPlain,
		}
		_, oauthErr := srv.ValidateAuthorizationRequest(context.Background(), req)
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidRequest {
			t.Errorf("error = %v, want %s", oauthErr, ErrorCodeInvalidRequest)
		}
	})
}

// ============================================================
// Code Exchange
// ============================================================

// issueCode runs validation and code issuance for the standard fixtures
func issueCode(t *testing.T, srv *Server, client *storage.Client, user *storage.User, req *AuthorizationRequest) string {
	t.Helper()
	ctx := context.Background()

	if _, oauthErr := srv.ValidateAuthorizationRequest(ctx, req); oauthErr != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", oauthErr)
	}
	code, err := srv.IssueAuthorizationCode(ctx, client, user, req)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	return code
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	client, user := seedFlowFixtures(t, store)

	t.Run("happy path with S256", func(t *testing.T) {
		verifier := "verifier123"
		req := &AuthorizationRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			ResponseType:        ResponseTypeCode,
			Scope:               "openid email",
			CodeChallenge:       security.S256Challenge(verifier),
			CodeChallengeMethod: security.PKCEMethodS256,
		}
		code := issueCode(t, srv, client, user, req)

		pair, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, verifier)
		if err != nil {
			t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
		}
		if pair.AccessToken.Kind != storage.TokenKindAccess {
			t.Errorf("access token kind = %q", pair.AccessToken.Kind)
		}
		if pair.RefreshToken.Kind != storage.TokenKindRefresh {
			t.Errorf("refresh token kind = %q", pair.RefreshToken.Kind)
		}
		if pair.AccessToken.UserID != user.UserID {
			t.Errorf("UserID = %q, want %q", pair.AccessToken.UserID, user.UserID)
		}
		if pair.AccessToken.Scope != "openid email" {
			t.Errorf("Scope = %q", pair.AccessToken.Scope)
		}

		if _, err := srv.IntrospectAccessToken(ctx, pair.AccessToken.Value); err != nil {
			t.Errorf("IntrospectAccessToken() error = %v", err)
		}
	})

	t.Run("wrong verifier fails and spends the code", func(t *testing.T) {
		challenge, verifier := testutil.GeneratePKCEPair()
		req := &AuthorizationRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			ResponseType:        ResponseTypeCode,
			CodeChallenge:       challenge,
			CodeChallengeMethod: security.PKCEMethodS256,
		}
		code := issueCode(t, srv, client, user, req)

		_, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, "not-the-verifier")
		assertOAuthError(t, err, ErrorCodeInvalidGrant)

		// Even the correct verifier cannot redeem the code now
		_, err = srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, verifier)
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("wrong redirect URI fails and spends the code", func(t *testing.T) {
		req := &AuthorizationRequest{
			ClientID:     client.ClientID,
			RedirectURI:  client.RedirectURIs[0],
			ResponseType: ResponseTypeCode,
		}
		code := issueCode(t, srv, client, user, req)

		_, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, "https://evil.example.com/cb", "")
		assertOAuthError(t, err, ErrorCodeInvalidGrant)

		_, err = srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, "")
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, "no-such-code", client.RedirectURIs[0], "")
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("expired code", func(t *testing.T) {
		expired := testutil.GenerateTestAuthorizationCode()
		expired.ExpiresAt = time.Now().Add(-time.Minute)
		if err := store.SaveAuthorizationCode(ctx, expired); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}
		_, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, expired.Code, expired.RedirectURI, "")
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
	})
}

func TestExchangePublicClientRequiresPKCE(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	public := testutil.GenerateTestPublicClient()
	if err := store.SaveClient(ctx, public); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	user := testutil.GenerateTestUser()
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	req := &AuthorizationRequest{
		ClientID:     public.ClientID,
		RedirectURI:  public.RedirectURIs[0],
		ResponseType: ResponseTypeCode,
	}
	code := issueCode(t, srv, public, user, req)

	_, err := srv.ExchangeAuthorizationCode(ctx, public.ClientID, code, req.RedirectURI, "")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeCodeReuseRevokesTokens(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	client, user := seedFlowFixtures(t, store)

	req := &AuthorizationRequest{
		ClientID:     client.ClientID,
		RedirectURI:  client.RedirectURIs[0],
		ResponseType: ResponseTypeCode,
	}
	code := issueCode(t, srv, client, user, req)

	pair, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	// Replaying the consumed code revokes everything the exchange issued
	_, err = srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, "")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	if _, err := srv.IntrospectAccessToken(ctx, pair.AccessToken.Value); err == nil {
		t.Error("access token survived authorization code reuse")
	}
	if _, err := srv.RefreshAccessToken(ctx, pair.RefreshToken.Value, client.ClientID); err == nil {
		t.Error("refresh token survived authorization code reuse")
	}
}

func TestExchangeConcurrentRedemption(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	client, user := seedFlowFixtures(t, store)

	// Reuse revocation would race with the winning goroutine's token
	// issuance; this test pins down redeem-once, not the cascade.
	srv.config.Security.DisableReuseRevocation = true

	req := &AuthorizationRequest{
		ClientID:     client.ClientID,
		RedirectURI:  client.RedirectURIs[0],
		ResponseType: ResponseTypeCode,
	}
	code := issueCode(t, srv, client, user, req)

	const attempts = 50
	var successes atomic.Int32
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if _, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, ""); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful redemptions = %d, want exactly 1", got)
	}
}

// ============================================================
// Refresh Token Rotation
// ============================================================

func TestRefreshAccessToken(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	client, user := seedFlowFixtures(t, store)

	req := &AuthorizationRequest{
		ClientID:     client.ClientID,
		RedirectURI:  client.RedirectURIs[0],
		ResponseType: ResponseTypeCode,
		Scope:        "openid email",
	}
	code := issueCode(t, srv, client, user, req)
	first, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	second, err := srv.RefreshAccessToken(ctx, first.RefreshToken.Value, client.ClientID)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if second.RefreshToken.Value == first.RefreshToken.Value {
		t.Error("rotation returned the same refresh token")
	}
	if second.RefreshToken.ParentRefreshToken != first.RefreshToken.Value {
		t.Errorf("ParentRefreshToken = %q, want %q", second.RefreshToken.ParentRefreshToken, first.RefreshToken.Value)
	}
	if second.AccessToken.Scope != "openid email" {
		t.Errorf("Scope = %q, want carried over", second.AccessToken.Scope)
	}
	if second.AccessToken.UserID != user.UserID {
		t.Errorf("UserID = %q, want %q", second.AccessToken.UserID, user.UserID)
	}

	// The rotated-away token no longer refreshes
	_, err = srv.RefreshAccessToken(ctx, first.RefreshToken.Value, client.ClientID)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// And its reuse revoked the replacement pair
	if _, err := srv.IntrospectAccessToken(ctx, second.AccessToken.Value); err == nil {
		t.Error("access token survived refresh token reuse")
	}
	if _, err := srv.RefreshAccessToken(ctx, second.RefreshToken.Value, client.ClientID); err == nil {
		t.Error("refresh token survived refresh token reuse")
	}
}

func TestRefreshAccessTokenWrongClient(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	client, user := seedFlowFixtures(t, store)

	req := &AuthorizationRequest{
		ClientID:     client.ClientID,
		RedirectURI:  client.RedirectURIs[0],
		ResponseType: ResponseTypeCode,
	}
	code := issueCode(t, srv, client, user, req)
	pair, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	_, err = srv.RefreshAccessToken(ctx, pair.RefreshToken.Value, "other-client")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// A mismatched client must not consume the token
	if _, err := srv.RefreshAccessToken(ctx, pair.RefreshToken.Value, client.ClientID); err != nil {
		t.Errorf("legitimate refresh failed after mismatched attempt: %v", err)
	}
}

func TestRefreshConcurrentRotation(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	client, user := seedFlowFixtures(t, store)
	srv.config.Security.DisableReuseRevocation = true

	req := &AuthorizationRequest{
		ClientID:     client.ClientID,
		RedirectURI:  client.RedirectURIs[0],
		ResponseType: ResponseTypeCode,
	}
	code := issueCode(t, srv, client, user, req)
	pair, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	const attempts = 50
	var successes atomic.Int32
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if _, err := srv.RefreshAccessToken(ctx, pair.RefreshToken.Value, client.ClientID); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful rotations = %d, want exactly 1", got)
	}
}

// ============================================================
// Introspection, Userinfo, Revocation
// ============================================================

func TestIntrospectAccessToken(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	t.Run("refresh token rejected", func(t *testing.T) {
		refresh := testutil.GenerateTestToken(storage.TokenKindRefresh)
		if err := store.SaveToken(ctx, refresh); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
		_, err := srv.IntrospectAccessToken(ctx, refresh.Value)
		assertOAuthError(t, err, ErrorCodeInvalidToken)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		expired := testutil.GenerateTestToken(storage.TokenKindAccess)
		expired.ExpiresAt = time.Now().Add(-time.Minute)
		if err := store.SaveToken(ctx, expired); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
		_, err := srv.IntrospectAccessToken(ctx, expired.Value)
		assertOAuthError(t, err, ErrorCodeInvalidToken)
	})

	t.Run("unknown token rejected", func(t *testing.T) {
		_, err := srv.IntrospectAccessToken(ctx, "no-such-token")
		assertOAuthError(t, err, ErrorCodeInvalidToken)
	})
}

func TestUserInfo(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	client, user := seedFlowFixtures(t, store)

	req := &AuthorizationRequest{
		ClientID:     client.ClientID,
		RedirectURI:  client.RedirectURIs[0],
		ResponseType: ResponseTypeCode,
		Scope:        "openid email",
	}
	code := issueCode(t, srv, client, user, req)
	pair, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, req.RedirectURI, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	claims, err := srv.UserInfo(ctx, pair.AccessToken.Value)
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	if claims.Sub != user.UserID {
		t.Errorf("Sub = %q, want %q", claims.Sub, user.UserID)
	}
	if claims.Username != user.Username {
		t.Errorf("Username = %q, want %q", claims.Username, user.Username)
	}
	if claims.Scope != "openid email" {
		t.Errorf("Scope = %q", claims.Scope)
	}

	// Revoked access tokens stop resolving immediately
	if err := srv.RevokeToken(ctx, pair.AccessToken.Value, client.ClientID); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	_, err = srv.UserInfo(ctx, pair.AccessToken.Value)
	assertOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestRevokeTokenIdempotent(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	token := testutil.GenerateTestToken(storage.TokenKindAccess)
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := srv.RevokeToken(ctx, token.Value, token.ClientID); err != nil {
			t.Fatalf("RevokeToken() attempt %d error = %v", i, err)
		}
	}

	// Unknown values succeed too (RFC 7009)
	if err := srv.RevokeToken(ctx, "never-issued", "any-client"); err != nil {
		t.Errorf("RevokeToken(unknown) error = %v", err)
	}
}

// ============================================================
// Metadata
// ============================================================

func TestMetadata(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		srv, _ := newTestServer(t, &Config{
			Issuer:          "https://auth.example.com",
			SupportedScopes: []string{"openid", "email"},
		})

		md := srv.Metadata()
		if md.Issuer != "https://auth.example.com" {
			t.Errorf("Issuer = %q", md.Issuer)
		}
		if md.AuthorizationEndpoint != "https://auth.example.com/authorize" {
			t.Errorf("AuthorizationEndpoint = %q", md.AuthorizationEndpoint)
		}
		if md.TokenEndpoint != "https://auth.example.com/token" {
			t.Errorf("TokenEndpoint = %q", md.TokenEndpoint)
		}
		if md.RegistrationEndpoint != "https://auth.example.com/register" {
			t.Errorf("RegistrationEndpoint = %q", md.RegistrationEndpoint)
		}
		if len(md.CodeChallengeMethodsSupported) != 2 {
			t.Errorf("CodeChallengeMethodsSupported = %v", md.CodeChallengeMethodsSupported)
		}
		if len(md.ScopesSupported) != 2 {
			t.Errorf("ScopesSupported = %v", md.ScopesSupported)
		}
	})

	t.Run("registration disabled", func(t *testing.T) {
		srv, _ := newTestServer(t, &Config{
			Issuer:   "https://auth.example.com",
			Security: SecurityConfig{DisableDynamicRegistration: true},
		})
		if got := srv.Metadata().RegistrationEndpoint; got != "" {
			t.Errorf("RegistrationEndpoint = %q, want empty", got)
		}
	})

	t.Run("plain disabled", func(t *testing.T) {
		srv, _ := newTestServer(t, &Config{
			Issuer:   "https://auth.example.com",
			Security: SecurityConfig{DisablePKCEPlain: true},
		})
		md := srv.Metadata()
		if len(md.CodeChallengeMethodsSupported) != 1 || md.CodeChallengeMethodsSupported[0] != security.PKCEMethodS256 {
			t.Errorf("CodeChallengeMethodsSupported = %v, want [S256]", md.CodeChallengeMethodsSupported)
		}
	})
}

// TestFullFlow walks the complete lifecycle with a dynamically registered
// client: register, authorize, redeem, introspect, refresh.
func TestFullFlow(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	user := testutil.GenerateTestUser()
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	client, _, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
		ClientName:   "Flow Client",
		RedirectURIs: []string{"https://a/cb"},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	req := &AuthorizationRequest{
		ClientID:     client.ClientID,
		RedirectURI:  "https://a/cb",
		ResponseType: ResponseTypeCode,
		Scope:        "openid",
	}
	code := issueCode(t, srv, client, user, req)

	pair, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, "https://a/cb", "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	introspected, err := srv.IntrospectAccessToken(ctx, pair.AccessToken.Value)
	if err != nil {
		t.Fatalf("IntrospectAccessToken() error = %v", err)
	}
	if introspected.UserID != user.UserID {
		t.Errorf("UserID = %q, want %q", introspected.UserID, user.UserID)
	}
	if introspected.Scope != "openid" {
		t.Errorf("Scope = %q, want openid", introspected.Scope)
	}

	next, err := srv.RefreshAccessToken(ctx, pair.RefreshToken.Value, client.ClientID)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if next.RefreshToken.Value == pair.RefreshToken.Value {
		t.Error("refresh token was not rotated")
	}

	_, err = srv.RefreshAccessToken(ctx, pair.RefreshToken.Value, client.ClientID)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

// assertOAuthError fails unless err is an *OAuthError with the given code
func assertOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("error = %v (%T), want *OAuthError", err, err)
	}
	if oauthErr.Code != code {
		t.Errorf("error code = %q, want %q", oauthErr.Code, code)
	}
}
