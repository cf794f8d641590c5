package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Byte lengths for the credential classes issued by this server.
// The URL-safe base64 encoding expands these by roughly 4/3.
const (
	// ClientIDBytes is the entropy behind a generated client identifier
	ClientIDBytes = 16

	// ClientSecretBytes is the entropy behind a generated client secret
	ClientSecretBytes = 32

	// AuthorizationCodeBytes is the entropy behind an authorization code
	AuthorizationCodeBytes = 32

	// TokenBytes is the entropy behind access and refresh token values
	TokenBytes = 32

	// ClientIDPrefix marks generated client identifiers so they are
	// recognizable in logs and configuration
	ClientIDPrefix = "client_"
)

// GenerateRandomString returns a URL-safe, unpadded base64 encoding of
// byteLength cryptographically secure random bytes.
//
// Failure to read from the system entropy source is not recoverable: every
// credential this server issues depends on it, so exhaustion panics rather
// than returning a weaker identifier.
func GenerateRandomString(byteLength int) string {
	b := make([]byte, byteLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("security: entropy source unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateClientID returns a new prefixed client identifier
func GenerateClientID() string {
	return ClientIDPrefix + GenerateRandomString(ClientIDBytes)
}

// GenerateClientSecret returns a new client secret
func GenerateClientSecret() string {
	return GenerateRandomString(ClientSecretBytes)
}

// GenerateAuthorizationCode returns a new authorization code value
func GenerateAuthorizationCode() string {
	return GenerateRandomString(AuthorizationCodeBytes)
}

// GenerateTokenValue returns a new access or refresh token value
func GenerateTokenValue() string {
	return GenerateRandomString(TokenBytes)
}
