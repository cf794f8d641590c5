// Package oauth implements an OAuth 2.0 authorization server core: client
// registration (RFC 7591), the authorization code grant with PKCE (RFC 7636),
// refresh token rotation with reuse detection, and server metadata discovery
// (RFC 8414).
//
// All state is process-lifetime in-memory storage; nothing survives a
// restart. The Server type carries the flow logic, Handler adapts it to HTTP.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/helioauth/oauth-server/instrumentation"
	"github.com/helioauth/oauth-server/internal/util"
	"github.com/helioauth/oauth-server/security"
	"github.com/helioauth/oauth-server/storage"
)

// ErrInvalidUserCredentials is returned by AuthenticateUser when the
// username is unknown, the password is wrong, or the account is inactive.
// The three cases are deliberately indistinguishable.
var ErrInvalidUserCredentials = errors.New("invalid username or password")

// TokenPair is an access/refresh token pair issued together
type TokenPair struct {
	AccessToken  *storage.Token
	RefreshToken *storage.Token
}

// Server implements the OAuth 2.0 authorization server logic.
// It coordinates the grant flows over the storage backends; HTTP concerns
// live in Handler.
type Server struct {
	clients storage.ClientStore
	users   storage.UserStore
	flows   storage.FlowStore
	tokens  storage.TokenStore
	logger  *slog.Logger
	config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewServer creates a new authorization server
func NewServer(
	config *Config,
	clients storage.ClientStore,
	users storage.UserStore,
	flows storage.FlowStore,
	tokens storage.TokenStore,
) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if flows == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}

	if err := config.applySecureDefaults(); err != nil {
		return nil, err
	}

	return &Server{
		clients: clients,
		users:   users,
		flows:   flows,
		tokens:  tokens,
		config:  config,
		logger:  config.Logger,
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// Config returns the server configuration
func (s *Server) Config() *Config {
	return s.config
}

// ============================================================
// Client Registration
// ============================================================

// RegisterClient registers a new OAuth client (RFC 7591). The plaintext
// client secret is returned exactly once; only its bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest) (*storage.Client, string, error) {
	if req == nil {
		return nil, "", ErrInvalidRequest("request body is required")
	}

	if err := validateRedirectURIs(req.RedirectURIs); err != nil {
		return nil, "", err
	}

	isPublic := req.TokenEndpointAuthMethod == TokenEndpointAuthMethodNone ||
		req.ClientType == storage.ClientTypePublic

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return nil, "", ErrInvalidRequest(fmt.Sprintf("unsupported grant type: %s", gt))
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	for _, rt := range responseTypes {
		if rt != ResponseTypeCode {
			return nil, "", ErrInvalidRequest(fmt.Sprintf("unsupported response type: %s", rt))
		}
	}

	client := &storage.Client{
		ClientID:      security.GenerateClientID(),
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    grantTypes,
		ResponseTypes: responseTypes,
		ClientName:    req.ClientName,
		CreatedAt:     time.Now(),
	}
	if req.Scope != "" {
		client.Scopes = util.SplitScope(req.Scope)
	}

	var clientSecret string
	if isPublic {
		client.ClientType = storage.ClientTypePublic
		client.TokenEndpointAuthMethod = TokenEndpointAuthMethodNone
	} else {
		client.ClientType = storage.ClientTypeConfidential
		client.TokenEndpointAuthMethod = req.TokenEndpointAuthMethod
		if client.TokenEndpointAuthMethod == "" {
			client.TokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
		}
		if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodBasic &&
			client.TokenEndpointAuthMethod != TokenEndpointAuthMethodPost {
			return nil, "", ErrInvalidRequest(fmt.Sprintf("unsupported token endpoint auth method: %s", req.TokenEndpointAuthMethod))
		}

		clientSecret = security.GenerateClientSecret()
		hash, err := security.HashPassword(clientSecret)
		if err != nil {
			return nil, "", ErrServerError("failed to process client secret")
		}
		client.ClientSecretHash = hash
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		s.logger.Error("Failed to save registered client", "error", err)
		return nil, "", ErrServerError("failed to register client")
	}

	s.logger.Info("Registered client",
		"client_id", client.ClientID,
		"client_type", client.ClientType,
		"client_name", client.ClientName)

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordClientRegistration(ctx, client.ClientType)
	}

	return client, clientSecret, nil
}

// validateRedirectURIs rejects empty sets and syntactically invalid entries.
// Fragments are forbidden per RFC 6749 section 3.1.2.
func validateRedirectURIs(uris []string) *OAuthError {
	if len(uris) == 0 {
		return ErrInvalidRequest("redirect_uris is required and must not be empty")
	}
	for _, raw := range uris {
		parsed, err := url.Parse(raw)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return ErrInvalidRequest(fmt.Sprintf("redirect URI must be an absolute URI: %q", raw))
		}
		if parsed.Fragment != "" {
			return ErrInvalidRequest(fmt.Sprintf("redirect URI must not contain a fragment: %q", raw))
		}
	}
	return nil
}

// SeedClients idempotently installs the statically configured clients.
// Existing clients with the same ID are never overwritten, so seeding is
// safe to repeat across config reloads.
func (s *Server) SeedClients(ctx context.Context) error {
	for _, sc := range s.config.StaticClients {
		if sc.ClientID == "" {
			return fmt.Errorf("static client has no client ID")
		}
		if err := validateRedirectURIs(sc.RedirectURIs); err != nil {
			return fmt.Errorf("static client %s: %w", sc.ClientID, err)
		}

		client := &storage.Client{
			ClientID:      sc.ClientID,
			ClientName:    sc.ClientName,
			RedirectURIs:  sc.RedirectURIs,
			GrantTypes:    []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
			ResponseTypes: []string{ResponseTypeCode},
			Scopes:        sc.Scopes,
			CreatedAt:     time.Now(),
		}
		if sc.ClientSecret == "" {
			client.ClientType = storage.ClientTypePublic
			client.TokenEndpointAuthMethod = TokenEndpointAuthMethodNone
		} else {
			client.ClientType = storage.ClientTypeConfidential
			client.TokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
			hash, err := security.HashPassword(sc.ClientSecret)
			if err != nil {
				return fmt.Errorf("static client %s: %w", sc.ClientID, err)
			}
			client.ClientSecretHash = hash
		}

		installed, err := s.clients.SaveClientIfAbsent(ctx, client)
		if err != nil {
			return fmt.Errorf("seeding client %s: %w", sc.ClientID, err)
		}
		if installed {
			s.logger.Info("Seeded static client", "client_id", sc.ClientID)
		}
	}
	return nil
}

// GetClient retrieves a registered client
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}

// ValidateClientCredentials validates a client secret in constant time
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clients.ValidateClientSecret(ctx, clientID, clientSecret)
}

// ============================================================
// Users
// ============================================================

// CreateUser creates a local user account. Idempotent by username: an
// existing account is returned unchanged, so startup seeding can be
// repeated safely.
func (s *Server) CreateUser(ctx context.Context, username, password, email, fullName string) (*storage.User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	if existing, err := s.users.GetUserByUsername(ctx, username); err == nil {
		return existing, nil
	}

	hash, err := security.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &storage.User{
		UserID:       uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Email:        email,
		FullName:     fullName,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if err := s.users.SaveUser(ctx, user); err != nil {
		return nil, fmt.Errorf("saving user: %w", err)
	}

	s.logger.Info("Created user", "user_id", user.UserID, "username", username)
	return user, nil
}

// AuthenticateUser verifies a username/password pair.
// SECURITY: A bcrypt comparison runs even for unknown usernames so response
// timing does not reveal which accounts exist.
func (s *Server) AuthenticateUser(ctx context.Context, username, password string) (*storage.User, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		// Burn the same bcrypt cost as a real comparison
		_ = security.VerifyPassword(password, security.DummyHash)
		s.recordLoginFailed(ctx)
		return nil, ErrInvalidUserCredentials
	}

	if !security.VerifyPassword(password, user.PasswordHash) || !user.Active {
		s.recordLoginFailed(ctx)
		return nil, ErrInvalidUserCredentials
	}

	return user, nil
}

func (s *Server) recordLoginFailed(ctx context.Context) {
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordLoginFailed(ctx)
	}
}

// ============================================================
// Authorization Flow
// ============================================================

// ValidateAuthorizationRequest validates the parameters of a GET /authorize
// request before any consent UI is shown. Errors are classified so the
// handler can decide whether to render them or redirect them back to the
// client per RFC 6749.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*storage.Client, *OAuthError) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, ErrInvalidClient("unknown client")
	}

	// Exact string match against registered URIs, no normalization
	if !redirectURIRegistered(client, req.RedirectURI) {
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, ErrUnsupportedResponseType(fmt.Sprintf("response type %q is not supported", req.ResponseType))
	}

	if req.CodeChallenge == "" {
		if req.CodeChallengeMethod != "" {
			return nil, ErrInvalidRequest("code_challenge_method requires code_challenge")
		}
		if s.config.Security.RequirePKCE {
			return nil, ErrInvalidRequest("code_challenge is required")
		}
	} else {
		method := req.CodeChallengeMethod
		if method == "" {
			// RFC 7636: absent method defaults to plain
			method = security.PKCEMethodPlain
			req.CodeChallengeMethod = method
		}
		if !security.ValidChallengeMethod(method) {
			return nil, ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method: %s", method))
		}
		if method == security.PKCEMethodPlain && s.config.Security.DisablePKCEPlain {
			return nil, ErrInvalidRequest("code_challenge_method 'plain' is not allowed, use S256")
		}
	}

	if oauthErr := s.validateScope(req.Scope); oauthErr != nil {
		return nil, oauthErr
	}

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordAuthorizationRequested(ctx, client.ClientID)
	}

	return client, nil
}

// validateScope checks the requested scope against the advertised scope set.
// An empty SupportedScopes configuration allows any scope.
func (s *Server) validateScope(scope string) *OAuthError {
	if scope == "" || len(s.config.SupportedScopes) == 0 {
		return nil
	}
	supported := make(map[string]bool, len(s.config.SupportedScopes))
	for _, sc := range s.config.SupportedScopes {
		supported[sc] = true
	}
	for _, sc := range util.SplitScope(scope) {
		if !supported[sc] {
			return ErrInvalidScope(fmt.Sprintf("scope %q is not supported", sc))
		}
	}
	return nil
}

func redirectURIRegistered(client *storage.Client, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	return false
}

// IssueAuthorizationCode issues a single-use authorization code after the
// user has authenticated and approved the request
func (s *Server) IssueAuthorizationCode(ctx context.Context, client *storage.Client, user *storage.User, req *AuthorizationRequest) (string, error) {
	if !redirectURIRegistered(client, req.RedirectURI) {
		return "", ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                security.GenerateAuthorizationCode(),
		ClientID:            client.ClientID,
		UserID:              user.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthorizationCodeTTL),
	}

	if err := s.flows.SaveAuthorizationCode(ctx, code); err != nil {
		s.logger.Error("Failed to save authorization code", "client_id", client.ClientID, "error", err)
		return "", ErrServerError("failed to issue authorization code")
	}

	s.logger.Info("Issued authorization code",
		"client_id", client.ClientID,
		"user_id", user.UserID,
		"scope", req.Scope,
		"pkce", code.CodeChallenge != "")

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeIssued(ctx, client.ClientID, code.CodeChallengeMethod)
	}

	return code.Code, nil
}

// ExchangeAuthorizationCode redeems an authorization code for a token pair.
//
// The code is consumed BEFORE client/redirect/PKCE validation: a failed
// redemption attempt still spends the code permanently, so a code can never
// be redeemed twice even when the first attempt failed for an unrelated
// reason. Re-presentation of a consumed code revokes all tokens already
// issued to that user+client pair (possible code leakage).
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, clientID, code, redirectURI, codeVerifier string) (*TokenPair, error) {
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	authCode, err := s.flows.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
			s.handleCodeReuse(ctx, authCode)
		}
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	// The code is spent from here on, whatever happens below
	if authCode.ClientID != clientID {
		s.logger.Warn("Authorization code presented by wrong client",
			"expected_client", authCode.ClientID, "client_id", clientID)
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	if authCode.RedirectURI != redirectURI {
		s.logger.Warn("Authorization code redirect URI mismatch", "client_id", clientID)
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	// Public clients cannot prove identity at the token endpoint, so their
	// codes must be PKCE-bound
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}
	if client.TokenEndpointAuthMethod == TokenEndpointAuthMethodNone && authCode.CodeChallenge == "" {
		s.logger.Warn("Public client redeemed code without PKCE binding", "client_id", clientID)
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	if err := security.VerifyPKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		s.logger.Warn("PKCE verification failed", "client_id", clientID, "error", err)
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	pair, err := s.issueTokenPair(ctx, authCode.ClientID, authCode.UserID, authCode.Scope, "")
	if err != nil {
		return nil, err
	}

	s.logger.Info("Exchanged authorization code",
		"client_id", clientID,
		"user_id", authCode.UserID,
		"scope", authCode.Scope)

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeExchange(ctx, clientID, authCode.CodeChallengeMethod)
	}

	return pair, nil
}

// handleCodeReuse reacts to a consumed authorization code being presented
// again. Treated as a leak signal: every token issued to that user+client
// pair is revoked.
func (s *Server) handleCodeReuse(ctx context.Context, authCode *storage.AuthorizationCode) {
	s.logger.Warn("SECURITY: Authorization code reuse detected",
		"client_id", authCode.ClientID,
		"user_id", authCode.UserID)

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeReuseDetected(ctx)
	}

	if s.config.Security.DisableReuseRevocation {
		return
	}

	revoked, err := s.tokens.RevokeAllTokensForUserClient(ctx, authCode.UserID, authCode.ClientID)
	if err != nil {
		s.logger.Error("Failed to revoke tokens after code reuse",
			"client_id", authCode.ClientID, "error", err)
		return
	}
	if revoked > 0 {
		s.logger.Warn("Revoked tokens after authorization code reuse",
			"client_id", authCode.ClientID,
			"user_id", authCode.UserID,
			"tokens_revoked", revoked)
	}
}

// ============================================================
// Tokens
// ============================================================

// issueTokenPair generates and stores a fresh access/refresh token pair.
// parentRefreshToken is "" for pairs issued from a code exchange.
func (s *Server) issueTokenPair(ctx context.Context, clientID, userID, scope, parentRefreshToken string) (*TokenPair, error) {
	now := time.Now()

	access := &storage.Token{
		Value:              security.GenerateTokenValue(),
		Kind:               storage.TokenKindAccess,
		ClientID:           clientID,
		UserID:             userID,
		Scope:              scope,
		IssuedAt:           now,
		ExpiresAt:          now.Add(s.config.AccessTokenTTL),
		ParentRefreshToken: parentRefreshToken,
	}
	refresh := &storage.Token{
		Value:              security.GenerateTokenValue(),
		Kind:               storage.TokenKindRefresh,
		ClientID:           clientID,
		UserID:             userID,
		Scope:              scope,
		IssuedAt:           now,
		ExpiresAt:          now.Add(s.config.RefreshTokenTTL),
		ParentRefreshToken: parentRefreshToken,
	}

	if err := s.tokens.SaveToken(ctx, access); err != nil {
		s.logger.Error("Failed to save access token", "client_id", clientID, "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}
	if err := s.tokens.SaveToken(ctx, refresh); err != nil {
		s.logger.Error("Failed to save refresh token", "client_id", clientID, "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// RefreshAccessToken rotates a refresh token: the presented token is
// atomically revoked and a fresh pair is issued carrying the same identity
// and scope, with the new refresh token's parent set to the spent value.
// Presenting an already-rotated token is a reuse signal and revokes every
// live token for that user+client pair.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	old, err := s.tokens.ConsumeRefreshToken(ctx, refreshToken, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) && old != nil {
			s.handleRefreshTokenReuse(ctx, old)
		}
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	pair, err := s.issueTokenPair(ctx, old.ClientID, old.UserID, old.Scope, old.Value)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Rotated refresh token",
		"client_id", clientID,
		"user_id", old.UserID)

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRefresh(ctx, clientID)
	}

	return pair, nil
}

// handleRefreshTokenReuse reacts to a rotated-away refresh token being
// presented again
func (s *Server) handleRefreshTokenReuse(ctx context.Context, old *storage.Token) {
	s.logger.Warn("SECURITY: Refresh token reuse detected",
		"client_id", old.ClientID,
		"user_id", old.UserID)

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenReuseDetected(ctx)
	}

	if s.config.Security.DisableReuseRevocation {
		return
	}

	revoked, err := s.tokens.RevokeAllTokensForUserClient(ctx, old.UserID, old.ClientID)
	if err != nil {
		s.logger.Error("Failed to revoke tokens after refresh token reuse",
			"client_id", old.ClientID, "error", err)
		return
	}
	if revoked > 0 {
		s.logger.Warn("Revoked tokens after refresh token reuse",
			"client_id", old.ClientID,
			"user_id", old.UserID,
			"tokens_revoked", revoked)
	}
}

// IntrospectAccessToken validates an access token and returns it.
// No side effects; expiry and revocation are checked at the moment of use.
func (s *Server) IntrospectAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	token, err := s.tokens.GetToken(ctx, accessToken)
	if err != nil {
		return nil, ErrInvalidToken("access token is invalid or expired")
	}
	if token.Kind != storage.TokenKindAccess || token.Revoked || security.IsExpired(token.ExpiresAt) {
		return nil, ErrInvalidToken("access token is invalid or expired")
	}
	return token, nil
}

// UserInfo resolves the claims for the user bound to an access token
func (s *Server) UserInfo(ctx context.Context, accessToken string) (*UserInfoResponse, error) {
	token, err := s.IntrospectAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUser(ctx, token.UserID)
	if err != nil {
		// Token outlived its user; treat as invalid rather than leaking the state
		return nil, ErrInvalidToken("access token is invalid or expired")
	}

	return &UserInfoResponse{
		Sub:      user.UserID,
		Username: user.Username,
		Email:    user.Email,
		FullName: user.FullName,
		Scope:    token.Scope,
	}, nil
}

// RevokeToken marks a token revoked (RFC 7009 semantics: idempotent, and
// unknown tokens succeed silently)
func (s *Server) RevokeToken(ctx context.Context, tokenValue, clientID string) error {
	if err := s.tokens.RevokeToken(ctx, tokenValue); err != nil {
		s.logger.Error("Failed to revoke token", "client_id", clientID, "error", err)
		return ErrServerError("failed to revoke token")
	}

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRevocation(ctx, clientID)
	}
	return nil
}

// ============================================================
// Discovery
// ============================================================

// Metadata builds the RFC 8414 discovery document. Pure function of the
// static configuration; safe to recompute per request.
func (s *Server) Metadata() *AuthorizationServerMetadata {
	md := &AuthorizationServerMetadata{
		Issuer:                 s.config.Issuer,
		AuthorizationEndpoint:  s.config.AuthorizationEndpoint(),
		TokenEndpoint:          s.config.TokenEndpoint(),
		UserinfoEndpoint:       s.config.UserinfoEndpoint(),
		RegistrationEndpoint:   s.config.RegistrationEndpoint(),
		ScopesSupported:        s.config.SupportedScopes,
		ResponseTypesSupported: []string{ResponseTypeCode},
		GrantTypesSupported:    []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{
			TokenEndpointAuthMethodBasic,
			TokenEndpointAuthMethodPost,
			TokenEndpointAuthMethodNone,
		},
	}

	if s.config.Security.DisablePKCEPlain {
		md.CodeChallengeMethodsSupported = []string{security.PKCEMethodS256}
	} else {
		md.CodeChallengeMethodsSupported = []string{security.PKCEMethodS256, security.PKCEMethodPlain}
	}

	return md
}
