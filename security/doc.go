// Package security provides the security primitives of the authorization
// server: cryptographically secure identifier generation, PKCE challenge
// verification, password and client-secret hashing, clock-skew aware expiry
// checks, and secure HTTP response headers.
package security
