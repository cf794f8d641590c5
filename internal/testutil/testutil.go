package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/helioauth/oauth-server/storage"
)

// TestClientSecret is the plaintext secret matching the hash used by
// GenerateTestClient
const TestClientSecret = "test-client-secret"

// MustHashPassword bcrypt-hashes a password at MinCost. Test fixtures only;
// production hashing goes through the security package.
func MustHashPassword(password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash password: %v", err))
	}
	return string(hash)
}

// GenerateTestClient creates a confidential test client whose secret is
// TestClientSecret
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientSecretHash:        MustHashPassword(TestClientSecret),
		ClientType:              storage.ClientTypeConfidential,
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"openid", "email", "profile"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestPublicClient creates a public test client (no secret)
func GenerateTestPublicClient() *storage.Client {
	client := GenerateTestClient()
	client.ClientID = "test-public-client-id"
	client.ClientSecretHash = ""
	client.ClientType = storage.ClientTypePublic
	client.TokenEndpointAuthMethod = "none"
	return client
}

// TestUserPassword is the plaintext password matching GenerateTestUser
const TestUserPassword = "correct horse battery staple"

// GenerateTestUser creates an active test user whose password is
// TestUserPassword
func GenerateTestUser() *storage.User {
	return &storage.User{
		UserID:       "test-user-123",
		Username:     "alice",
		PasswordHash: MustHashPassword(TestUserPassword),
		Email:        "alice@example.com",
		FullName:     "Alice Example",
		Active:       true,
		CreatedAt:    time.Now(),
	}
}

// GenerateTestAuthorizationCode creates an unredeemed test authorization code
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        GenerateRandomString(32),
		ClientID:    "test-client-id",
		UserID:      "test-user-123",
		RedirectURI: "https://example.com/callback",
		Scope:       "openid email",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestToken creates a live test token of the given kind
func GenerateTestToken(kind string) *storage.Token {
	return &storage.Token{
		Value:     GenerateRandomString(32),
		Kind:      kind,
		ClientID:  "test-client-id",
		UserID:    "test-user-123",
		Scope:     "openid email",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair.
// Returns (challenge, verifier) where challenge is the S256 hash of the
// verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
