// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/helioauth/oauth-server/instrumentation"
	"github.com/helioauth/oauth-server/internal/util"
	"github.com/helioauth/oauth-server/security"
	"github.com/helioauth/oauth-server/storage"
)

const (
	// credentialLogLength is the number of characters to include when logging
	// codes and token values. Enough uniqueness for debugging while keeping
	// the full credential out of logs.
	credentialLogLength = 8
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, UserStore, FlowStore, and TokenStore.
//
// All state lives in maps guarded by a single RWMutex. The check-and-set
// operations (ConsumeAuthorizationCode, ConsumeRefreshToken) hold the write
// lock across check and mutation, which is what makes redeem-once and
// rotate-once hold under concurrency.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients map[string]*storage.Client

	// User storage (by ID, with a username index for login)
	users           map[string]*storage.User
	usersByUsername map[string]string // username -> user ID

	// Flow storage
	authCodes map[string]*storage.AuthorizationCode

	// Token storage, keyed by opaque token value
	tokens map[string]*storage.Token

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic   atomic.Int64
	usersCountAtomic     atomic.Int64
	authCodesCountAtomic atomic.Int64
	tokensCountAtomic    atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		users:           make(map[string]*storage.User),
		usersByUsername: make(map[string]string),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.Token),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.usersCountAtomic.Store(int64(len(s.users)))
	s.authCodesCountAtomic.Store(int64(len(s.authCodes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free)
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.usersCountAtomic.Load() },
			func() int64 { return s.authCodesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]

	s.clients[client.ClientID] = client

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// SaveClientIfAbsent installs a client only when its ID is not already taken.
// Seeding statically configured clients goes through here so a restart or
// reload never replaces an existing registration.
func (s *Store) SaveClientIfAbsent(ctx context.Context, client *storage.Client) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "save_client_if_absent")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client_if_absent", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return false, nil
	}

	s.clients[client.ClientID] = client
	s.clientsCountAtomic.Add(1)
	s.logger.Debug("Seeded client", "client_id", client.ClientID)
	return true, nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// SECURITY: A bcrypt comparison runs on every call, against a dummy hash
// when the client is unknown or public, so response timing does not reveal
// whether a client ID exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := security.DummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == storage.ClientTypePublic {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// ALWAYS perform the bcrypt comparison, even when the outcome is
	// already decided
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients have no secret; they authenticate with an empty one only
	if isPublicClient && err == nil {
		if clientSecret != "" {
			return storage.ErrInvalidClientCredentials
		}
		return nil
	}

	if err != nil {
		return storage.ErrInvalidClientCredentials
	}

	if bcryptErr != nil {
		return storage.ErrInvalidClientCredentials
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser saves a user account. The username must be unique.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	ctx, span := s.startStorageSpan(ctx, "save_user")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_user", err, startTime)
	}()

	if user == nil || user.UserID == "" || user.Username == "" {
		err = fmt.Errorf("invalid user")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, taken := s.usersByUsername[user.Username]; taken && existingID != user.UserID {
		err = fmt.Errorf("%w: %s", storage.ErrUserExists, user.Username)
		return err
	}

	_, existed := s.users[user.UserID]

	s.users[user.UserID] = user
	s.usersByUsername[user.Username] = user.UserID

	if !existed {
		s.usersCountAtomic.Add(1)
	}

	s.logger.Debug("Saved user", "user_id", user.UserID, "username", user.Username)
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}

	return user, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.usersByUsername[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, username)
	}

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, username)
	}

	return user, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]

	s.authCodes[code.Code] = code

	if !existed {
		s.authCodesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, credentialLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// Used codes remain visible here so reuse attempts can be recognized; they
// are removed by the background cleanup goroutine once expired.
//
// NOTE: For actual code exchange, use ConsumeAuthorizationCode instead to
// prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if security.IsExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeExpired, util.SafeTruncate(code, credentialLogLength))
	}

	// Return a COPY to prevent caller from modifying our stored version
	codeCopy := *authCode
	return &codeCopy, nil
}

// ConsumeAuthorizationCode atomically checks that a code is unused and marks
// it as used.
//
// SECURITY: This operation is atomic. Only ONE concurrent request can
// succeed; all others receive ErrAuthorizationCodeUsed.
//
// IMPORTANT: The code is ONLY returned alongside ErrAuthorizationCodeUsed,
// because the caller needs its userID/clientID for cascading revocation. For
// not-found and expired errors nil is returned to prevent information
// leakage.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	if security.IsExpired(authCode.ExpiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeExpired, util.SafeTruncate(code, credentialLogLength))
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if authCode.Used {
		err = storage.ErrAuthorizationCodeUsed
		codeCopy := *authCode
		return &codeCopy, err
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, credentialLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code]
	delete(s.authCodes, code)

	if existed {
		s.authCodesCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken saves an issued token keyed by its value
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_token", err, startTime)
	}()

	if token == nil || token.Value == "" {
		err = fmt.Errorf("invalid token")
		return err
	}
	if token.Kind != storage.TokenKindAccess && token.Kind != storage.TokenKindRefresh {
		err = fmt.Errorf("invalid token kind: %s", token.Kind)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tokens[token.Value]

	s.tokens[token.Value] = token

	if !existed {
		s.tokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved token",
		"kind", token.Kind,
		"user_id", token.UserID,
		"client_id", token.ClientID,
		"token_prefix", util.SafeTruncate(token.Value, credentialLogLength))
	return nil
}

// GetToken retrieves a copy of a token by value
func (s *Store) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[value]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	// Return a COPY to prevent caller from modifying our stored version
	tokenCopy := *token
	return &tokenCopy, nil
}

// ConsumeRefreshToken atomically validates and revokes a refresh token for
// rotation.
//
// SECURITY: This operation is atomic. Only ONE concurrent request can mark
// the token revoked; every later attempt receives ErrTokenRevoked, which the
// caller must treat as a reuse signal.
//
// IMPORTANT: The token is ONLY returned alongside ErrTokenRevoked, because
// the caller needs its userID/clientID for cascading revocation. For other
// errors nil is returned.
func (s *Store) ConsumeRefreshToken(ctx context.Context, value, clientID string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok || token.Kind != storage.TokenKindRefresh {
		// A non-refresh value presented here is indistinguishable from an
		// unknown one
		err = storage.ErrTokenNotFound
		return nil, err
	}

	// Client binding is checked before the revoked flag: a mismatched client
	// must not consume someone else's token
	if token.ClientID != clientID {
		err = storage.ErrTokenClientMismatch
		return nil, err
	}

	if token.Revoked {
		err = storage.ErrTokenRevoked
		tokenCopy := *token
		return &tokenCopy, err
	}

	if security.IsExpired(token.ExpiresAt) {
		err = storage.ErrTokenExpired
		return nil, err
	}

	// ATOMIC revoke: the presented token is spent the moment rotation starts
	token.Revoked = true
	s.logger.Debug("Consumed refresh token for rotation",
		"user_id", token.UserID,
		"client_id", token.ClientID,
		"token_prefix", util.SafeTruncate(value, credentialLogLength))

	tokenCopy := *token
	return &tokenCopy, nil
}

// RevokeToken marks a token revoked. Idempotent: unknown and already-revoked
// values succeed silently, per RFC 7009 semantics.
func (s *Store) RevokeToken(ctx context.Context, value string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok || token.Revoked {
		return nil
	}

	token.Revoked = true
	s.logger.Debug("Revoked token",
		"kind", token.Kind,
		"token_prefix", util.SafeTruncate(value, credentialLogLength))
	return nil
}

// RevokeAllTokensForUserClient revokes every live token for a user+client
// combination. Called when code or refresh token reuse is detected.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens_for_user_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_all_tokens_for_user_client", err, startTime)
	}()

	if userID == "" || clientID == "" {
		err = fmt.Errorf("userID and clientID cannot be empty")
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revokedCount := 0
	for _, token := range s.tokens {
		if token.UserID == userID && token.ClientID == clientID && !token.Revoked {
			token.Revoked = true
			revokedCount++
		}
	}

	if revokedCount > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revokedCount,
			"reason", "credential_reuse_detected")
	}

	return revokedCount, nil
}

// ListTokensForUserClient retrieves all token values for a user+client
// combination. This is primarily for testing and debugging purposes.
func (s *Store) ListTokensForUserClient(ctx context.Context, userID, clientID string) ([]string, error) {
	if userID == "" || clientID == "" {
		return nil, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]string, 0)
	for value, token := range s.tokens {
		if token.UserID == userID && token.ClientID == clientID {
			values = append(values, value)
		}
	}

	return values, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	// Expired authorization codes (used ones are kept until expiry so reuse
	// attempts within the code lifetime still trip detection)
	for code, authCode := range s.authCodes {
		if security.IsExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.authCodesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired tokens. Revoked tokens are also kept until expiry: a revoked
	// refresh token presented again must be recognized as reuse, not as
	// unknown.
	for value, token := range s.tokens {
		if security.IsExpired(token.ExpiresAt) {
			delete(s.tokens, value)
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
