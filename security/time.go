package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiry
	// checks. It prevents false expiration errors caused by minor time
	// differences between the server and its clients (typical NTP drift).
	//
	// Trade-off: a credential may be accepted up to 5 seconds beyond its
	// true expiration. For high-security deployments this can be reduced.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks whether a credential is expired, applying the default
// clock skew grace period.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks whether a credential is expired with a
// custom grace period. A zero expiresAt means no expiration.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
