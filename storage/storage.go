package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations. Callers are expected
// to classify these into OAuth error responses; no storage error reaches a
// client unmapped.
var (
	// ErrClientNotFound indicates the client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrClientExists indicates a client with the same ID already exists
	ErrClientExists = errors.New("client already exists")

	// ErrInvalidClientCredentials indicates client authentication failed
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrUserNotFound indicates the user does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists indicates a user with the same username already exists
	ErrUserExists = errors.New("user already exists")

	// ErrAuthorizationCodeNotFound indicates the code is unknown
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed indicates the code was already consumed.
	// Reuse of a consumed code is a security signal, not a usage error.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrAuthorizationCodeExpired indicates the code is past its expiry
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrTokenNotFound indicates the token value is unknown
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates the token was revoked. For refresh tokens
	// this usually means the token was already rotated away (reuse signal).
	ErrTokenRevoked = errors.New("token revoked")

	// ErrTokenClientMismatch indicates the token was issued to a different client
	ErrTokenClientMismatch = errors.New("token was issued to a different client")
)

// Token kinds. Access and refresh tokens share a shape and a table; the
// kind tag is what distinguishes their purpose.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client is a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
}

// User is a local user account. Passwords are stored only as bcrypt hashes.
type User struct {
	UserID       string
	Username     string
	PasswordHash string
	Email        string
	FullName     string
	Active       bool
	CreatedAt    time.Time
}

// AuthorizationCode is an issued authorization code. A code transitions
// Used=false -> true exactly once; after that transition it is permanently
// inert no matter why the first redemption attempt succeeded or failed.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Token is an issued access or refresh token, keyed by its opaque value.
//
// ParentRefreshToken records the refresh token whose rotation produced this
// token, or "" for the pair issued directly from a code exchange. It is a
// lookup relation used for reuse forensics, not an ownership edge.
type Token struct {
	Value              string
	Kind               string // TokenKindAccess or TokenKindRefresh
	ClientID           string
	UserID             string
	Scope              string
	IssuedAt           time.Time
	ExpiresAt          time.Time
	Revoked            bool
	ParentRefreshToken string
}

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing.
type ClientStore interface {
	// SaveClient saves a registered client, overwriting any existing entry
	SaveClient(ctx context.Context, client *Client) error

	// SaveClientIfAbsent installs a client only when its ID is not taken.
	// Returns true when the client was installed. Used for idempotent
	// seeding of statically configured clients: a reload must never
	// overwrite (and thereby re-credential) an existing client.
	SaveClientIfAbsent(ctx context.Context, client *Client) (bool, error)

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time.
	// Public clients authenticate with an empty secret only.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// UserStore manages local user accounts
type UserStore interface {
	// SaveUser saves a user; fails with ErrUserExists when the username is taken
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByUsername retrieves a user by username
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// FlowStore manages authorization codes
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a copy of an authorization code
	// without consuming it. For redemption use ConsumeAuthorizationCode.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks that a code is unused and
	// marks it used. Exactly ONE concurrent caller succeeds; all others
	// receive ErrAuthorizationCodeUsed with no window in which two callers
	// observe the code as fresh.
	//
	// On ErrAuthorizationCodeUsed the stale code is returned alongside the
	// error so the caller can revoke tokens already issued from it (reuse
	// indicates possible code leakage). On other errors the code is nil.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages access and refresh tokens
type TokenStore interface {
	// SaveToken saves an issued token keyed by its value
	SaveToken(ctx context.Context, token *Token) error

	// GetToken retrieves a copy of a token by value. Expiry and revocation
	// are NOT checked here; callers decide what state is acceptable.
	GetToken(ctx context.Context, value string) (*Token, error)

	// ConsumeRefreshToken atomically validates and revokes a refresh token
	// for rotation. The presented token must exist, be of refresh kind,
	// be unrevoked and unexpired, and belong to clientID; it is marked
	// revoked in the same critical section. Exactly ONE concurrent caller
	// succeeds per token value.
	//
	// On ErrTokenRevoked the stale token is returned alongside the error
	// so the caller can treat the replay as a reuse signal. On other
	// errors the token is nil.
	ConsumeRefreshToken(ctx context.Context, value, clientID string) (*Token, error)

	// RevokeToken marks a token revoked. Idempotent: revoking an unknown
	// or already-revoked token is not an error.
	RevokeToken(ctx context.Context, value string) error

	// RevokeAllTokensForUserClient revokes every live token for a
	// user+client combination. Called when credential reuse is detected.
	// Returns the number of tokens revoked.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)

	// ListTokensForUserClient retrieves all token values for a user+client
	// combination (for testing and debugging).
	ListTokensForUserClient(ctx context.Context, userID, clientID string) ([]string, error)
}
