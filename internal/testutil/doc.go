// Package testutil provides testing utilities and fixtures for the
// oauth-server library.
package testutil
