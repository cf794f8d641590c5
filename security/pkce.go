package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE code challenge methods per RFC 7636
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

// S256Challenge computes the S256 code challenge for a verifier:
// base64url(SHA256(verifier)) without padding.
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// VerifyPKCE verifies a code_verifier against a stored code_challenge and
// method. For "plain" the verifier must equal the challenge; for "S256" the
// base64url-encoded SHA256 of the verifier must equal the challenge.
// Comparisons are constant time to prevent side-channel leakage.
//
// An empty challenge means the authorization code was issued without PKCE
// and verification trivially succeeds.
func VerifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = S256Challenge(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// ValidChallengeMethod reports whether method is a supported PKCE method
func ValidChallengeMethod(method string) bool {
	return method == PKCEMethodPlain || method == PKCEMethodS256
}
