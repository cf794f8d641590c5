// Package util provides small helpers shared across the oauth-server
// packages, mainly around safe logging of sensitive values.
package util
