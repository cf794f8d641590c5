package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/helioauth/oauth-server/security"
	"github.com/helioauth/oauth-server/storage"
)

const (
	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache
	tokenTypeBearer   = "Bearer"
)

// Endpoint paths served by the handler
const (
	PathIndex          = "/"
	PathRegister       = "/register"
	PathRegisterClient = "/register-client"
	PathAuthorize      = "/authorize"
	PathConsent        = "/authorize/consent"
	PathToken          = "/token"
	PathRevoke         = "/revoke"
	PathUserinfo       = "/userinfo"
	PathMetadata       = "/.well-known/oauth-authorization-server"
)

// Handler is a thin HTTP adapter for the authorization Server.
// It parses requests, delegates to the Server for flow logic, and renders
// JSON responses, redirects, and the consent page.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	if server.instrumentation != nil {
		h.tracer = server.instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all endpoints on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathIndex, h.ServeIndex)
	if !h.server.config.Security.DisableDynamicRegistration {
		mux.HandleFunc(PathRegister, h.ServeClientRegistration)
		mux.HandleFunc(PathRegisterClient, h.ServeSimpleClientRegistration)
	}
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathConsent, h.ServeConsent)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathRevoke, h.ServeTokenRevocation)
	mux.HandleFunc(PathUserinfo, h.ServeUserInfo)
	mux.HandleFunc(PathMetadata, h.ServeMetadata)
}

// ============================================================
// Discovery and Index
// ============================================================

// ServeMetadata serves the RFC 8414 discovery document
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.server.Metadata())
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Authorization Server</title>
    <style>
        body { font-family: -apple-system, sans-serif; max-width: 640px; margin: 3rem auto; color: #222; }
        code { background: #f3f3f3; padding: 0.1rem 0.3rem; border-radius: 3px; }
        li { margin: 0.4rem 0; }
    </style>
</head>
<body>
    <h1>Authorization Server</h1>
    <p>OAuth 2.0 authorization server. Endpoints:</p>
    <ul>
        <li><code>GET {{.Metadata}}</code> &ndash; discovery document</li>
        {{if .RegistrationEnabled}}<li><code>POST {{.Register}}</code> &ndash; dynamic client registration</li>{{end}}
        <li><code>GET {{.Authorize}}</code> &ndash; authorization endpoint</li>
        <li><code>POST {{.Token}}</code> &ndash; token endpoint</li>
        <li><code>GET {{.Userinfo}}</code> &ndash; userinfo endpoint</li>
    </ul>
</body>
</html>
`))

// ServeIndex serves a minimal HTML index describing the server
func (h *Handler) ServeIndex(w http.ResponseWriter, r *http.Request) {
	// "/" on the default mux catches everything unmatched
	if r.URL.Path != PathIndex {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTemplate.Execute(w, map[string]any{
		"Metadata":            PathMetadata,
		"Register":            PathRegister,
		"Authorize":           PathAuthorize,
		"Token":               PathToken,
		"Userinfo":            PathUserinfo,
		"RegistrationEnabled": !h.server.config.Security.DisableDynamicRegistration,
	})
}

// ============================================================
// Client Registration
// ============================================================

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_registration")
		defer span.End()
	}

	if r.Method == http.MethodOptions {
		h.handlePreflight(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics(ctx, "register", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, &req)
	if err != nil {
		h.writeOAuthError(w, err, "Failed to register client")
		h.recordHTTPMetrics(ctx, "register", http.MethodPost, http.StatusBadRequest, startTime)
		return
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("oauth.client_id", client.ClientID),
			attribute.String("oauth.client_type", client.ClientType),
		)
	}
	h.recordHTTPMetrics(ctx, "register", http.MethodPost, http.StatusCreated, startTime)

	h.writeRegistrationResponse(w, client, clientSecret)
}

// ServeSimpleClientRegistration handles form-based client registration.
// A convenience endpoint for manual setups: client_name plus comma-joined
// redirect_uris, returning just the credentials.
func (h *Handler) ServeSimpleClientRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	var redirectURIs []string
	for _, raw := range strings.Split(r.FormValue("redirect_uris"), ",") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			redirectURIs = append(redirectURIs, trimmed)
		}
	}

	req := &ClientRegistrationRequest{
		ClientName:   r.FormValue("client_name"),
		RedirectURIs: redirectURIs,
	}

	client, clientSecret, err := h.server.RegisterClient(r.Context(), req)
	if err != nil {
		h.writeOAuthError(w, err, "Failed to register client")
		return
	}

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"client_id":     client.ClientID,
		"client_secret": clientSecret,
	})
}

func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	response := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0, // secrets do not expire
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
		ClientType:              client.ClientType,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

// ============================================================
// Authorization Endpoint
// ============================================================

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign in</title>
    <style>
        body { font-family: -apple-system, sans-serif; background: #f5f6f8; display: flex; justify-content: center; padding-top: 4rem; }
        .card { background: #fff; border-radius: 8px; box-shadow: 0 1px 4px rgba(0,0,0,0.12); padding: 2rem; width: 360px; }
        h1 { font-size: 1.2rem; margin: 0 0 0.5rem; }
        .client { color: #555; font-size: 0.9rem; margin-bottom: 1.25rem; }
        .scope { background: #f3f3f3; border-radius: 4px; padding: 0.5rem; font-size: 0.85rem; margin-bottom: 1.25rem; }
        label { display: block; font-size: 0.85rem; margin-bottom: 0.25rem; color: #333; }
        input[type=text], input[type=password] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; border: 1px solid #ccc; border-radius: 4px; box-sizing: border-box; }
        .error { color: #b00020; font-size: 0.85rem; margin-bottom: 1rem; }
        .actions { display: flex; gap: 0.75rem; }
        button { flex: 1; padding: 0.6rem; border: none; border-radius: 4px; font-size: 0.95rem; cursor: pointer; }
        .approve { background: #1a73e8; color: #fff; }
        .deny { background: #eee; color: #333; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Authorize {{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</h1>
        <div class="client">wants to access your account</div>
        {{if .Scope}}<div class="scope">Requested scope: <strong>{{.Scope}}</strong></div>{{end}}
        {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
        <form method="POST" action="{{.Action}}">
            <label for="username">Username</label>
            <input type="text" id="username" name="username" autocomplete="username" required>
            <label for="password">Password</label>
            <input type="password" id="password" name="password" autocomplete="current-password" required>
            <input type="hidden" name="client_id" value="{{.ClientID}}">
            <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
            <input type="hidden" name="response_type" value="{{.ResponseType}}">
            <input type="hidden" name="scope" value="{{.Scope}}">
            <input type="hidden" name="state" value="{{.State}}">
            <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
            <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
            <div class="actions">
                <button class="approve" type="submit" name="action" value="approve">Sign in &amp; approve</button>
                <button class="deny" type="submit" name="action" value="deny">Deny</button>
            </div>
        </form>
    </div>
</body>
</html>
`))

type consentPageData struct {
	Action              string
	ClientID            string
	ClientName          string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Error               string
}

func authorizationRequestFromValues(values url.Values) *AuthorizationRequest {
	return &AuthorizationRequest{
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		ResponseType:        values.Get("response_type"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
	}
}

// ServeAuthorization handles GET /authorize: validates the request and
// renders the combined login/consent page
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := authorizationRequestFromValues(r.URL.Query())

	client, oauthErr := h.server.ValidateAuthorizationRequest(r.Context(), req)
	if oauthErr != nil {
		h.handleAuthorizationError(w, r, req, oauthErr)
		return
	}

	h.renderConsentPage(w, client, req, "")
}

// handleAuthorizationError applies the RFC 6749 section 4.1.2.1 split:
// errors in client identification or redirect URI are shown to the user
// directly; everything else is redirected back to the client.
func (h *Handler) handleAuthorizationError(w http.ResponseWriter, r *http.Request, req *AuthorizationRequest, oauthErr *OAuthError) {
	if oauthErr.Code == ErrorCodeInvalidClient {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	// Redirect only when the redirect URI itself validated against the client
	client, err := h.server.GetClient(r.Context(), req.ClientID)
	if err != nil || !redirectURIRegistered(client, req.RedirectURI) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.redirectWithError(w, r, req.RedirectURI, req.State, oauthErr)
}

func (h *Handler) redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oauthErr *OAuthError) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	query := target.Query()
	query.Set("error", oauthErr.Code)
	if oauthErr.Description != "" {
		query.Set("error_description", oauthErr.Description)
	}
	if state != "" {
		query.Set("state", state)
	}
	target.RawQuery = query.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handler) renderConsentPage(w http.ResponseWriter, client *storage.Client, req *AuthorizationRequest, errMsg string) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if errMsg != "" {
		w.WriteHeader(http.StatusUnauthorized)
	}

	_ = consentTemplate.Execute(w, consentPageData{
		Action:              PathConsent,
		ClientID:            client.ClientID,
		ClientName:          client.ClientName,
		RedirectURI:         req.RedirectURI,
		ResponseType:        req.ResponseType,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Error:               errMsg,
	})
}

// ServeConsent handles POST /authorize/consent: authenticates the user and,
// on approval, issues an authorization code and redirects back to the client
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.consent")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := authorizationRequestFromValues(r.PostForm)

	// Hidden form fields are attacker-controlled; validate from scratch
	client, oauthErr := h.server.ValidateAuthorizationRequest(ctx, req)
	if oauthErr != nil {
		h.handleAuthorizationError(w, r, req, oauthErr)
		return
	}

	if r.PostFormValue("action") != "approve" {
		h.logger.Info("User denied authorization", "client_id", client.ClientID)
		h.recordHTTPMetrics(ctx, "consent", http.MethodPost, http.StatusFound, startTime)
		h.redirectWithError(w, r, req.RedirectURI, req.State, ErrAccessDenied("the user denied the request"))
		return
	}

	user, err := h.server.AuthenticateUser(ctx, r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		h.recordHTTPMetrics(ctx, "consent", http.MethodPost, http.StatusUnauthorized, startTime)
		h.renderConsentPage(w, client, req, "Invalid username or password")
		return
	}

	code, err := h.server.IssueAuthorizationCode(ctx, client, user, req)
	if err != nil {
		h.logger.Error("Failed to issue authorization code", "client_id", client.ClientID, "error", err)
		h.recordHTTPMetrics(ctx, "consent", http.MethodPost, http.StatusFound, startTime)
		h.redirectWithError(w, r, req.RedirectURI, req.State, ErrServerError("failed to issue authorization code"))
		return
	}

	target, parseErr := url.Parse(req.RedirectURI)
	if parseErr != nil {
		h.writeError(w, ErrorCodeServerError, "Invalid redirect URI", http.StatusInternalServerError)
		return
	}
	query := target.Query()
	query.Set("code", code)
	if req.State != "" {
		query.Set("state", req.State)
	}
	target.RawQuery = query.Encode()

	if span != nil {
		span.SetAttributes(attribute.String("oauth.client_id", client.ClientID))
	}
	h.recordHTTPMetrics(ctx, "consent", http.MethodPost, http.StatusFound, startTime)

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// ============================================================
// Token Endpoint
// ============================================================

// ServeToken handles POST /token for both supported grants
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.handlePreflight(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r)
	case GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusUnauthorized, startTime)
		h.writeOAuthError(w, err, "Client authentication failed")
		return
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("oauth.client_id", client.ClientID),
			attribute.String("oauth.client_type", client.ClientType),
		)
	}

	pair, err := h.server.ExchangeAuthorizationCode(ctx, client.ClientID, code, redirectURI, codeVerifier)
	if err != nil {
		h.logger.Warn("Code exchange failed", "client_id", client.ClientID, "error", err)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, err, "Authorization code is invalid or expired")
		return
	}

	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusUnauthorized, startTime)
		h.writeOAuthError(w, err, "Client authentication failed")
		return
	}

	if span != nil {
		span.SetAttributes(attribute.String("oauth.client_id", client.ClientID))
	}

	pair, err := h.server.RefreshAccessToken(ctx, refreshToken, client.ClientID)
	if err != nil {
		h.logger.Warn("Token refresh failed", "client_id", client.ClientID, "error", err)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, err, "Refresh token is invalid or expired")
		return
	}

	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	h.writeTokenResponse(w, pair)
}

// ServeTokenRevocation handles POST /revoke (RFC 7009). Revocation is
// idempotent and unknown tokens return 200, so a response never reveals
// whether the presented value was a live token.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.handlePreflight(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	tokenValue := r.FormValue("token")
	if tokenValue == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeOAuthError(w, err, "Client authentication failed")
		return
	}

	if err := h.server.RevokeToken(r.Context(), tokenValue, client.ClientID); err != nil {
		h.writeOAuthError(w, err, "Failed to revoke token")
		return
	}

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ============================================================
// Userinfo Endpoint
// ============================================================

// ServeUserInfo handles GET /userinfo with Bearer authentication
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.handlePreflight(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	token, ok := h.extractBearerToken(r)
	if !ok {
		h.writeError(w, ErrorCodeInvalidToken, "Missing or malformed Authorization header", http.StatusUnauthorized)
		return
	}

	claims, err := h.server.UserInfo(r.Context(), token)
	if err != nil {
		h.writeOAuthError(w, err, "Access token is invalid or expired")
		return
	}

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

func (h *Handler) extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ============================================================
// Helpers
// ============================================================

// authenticateClient validates client credentials from Basic auth
// (client_secret_basic) or form parameters (client_secret_post). Public
// clients authenticate by identifier alone.
func (h *Handler) authenticateClient(r *http.Request) (*storage.Client, error) {
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok && basicID != "" {
		clientID = basicID
		clientSecret = basicSecret
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.GetClient(r.Context(), clientID)
	if err != nil {
		// Burn a bcrypt comparison anyway so unknown client IDs are not
		// distinguishable by response time
		_ = h.server.ValidateClientCredentials(r.Context(), clientID, clientSecret)
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if err := h.server.ValidateClientCredentials(r.Context(), client.ClientID, clientSecret); err != nil {
		h.logger.Warn("Client authentication failed", "client_id", client.ClientID)
		return nil, ErrInvalidClient("Client authentication failed")
	}

	return client, nil
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *TokenPair) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	expiresIn := int64(time.Until(pair.AccessToken.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	response := TokenResponse{
		AccessToken:  pair.AccessToken.Value,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    expiresIn,
		RefreshToken: pair.RefreshToken.Value,
		Scope:        pair.AccessToken.Scope,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// writeOAuthError writes err as an OAuth error response, falling back to
// invalid_grant with the given description when err is not an *OAuthError
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error, fallback string) {
	if oauthErr, ok := err.(*OAuthError); ok {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeInvalidGrant, fallback, http.StatusBadRequest)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`%s error="%s"`, tokenTypeBearer, code))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.server.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

	maxAge := h.server.config.CORS.MaxAge
	if maxAge == 0 {
		maxAge = defaultCORSMaxAge
	}
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", maxAge))
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.server.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	h.server.instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, durationMs)
}
