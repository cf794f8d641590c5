// Package storage defines the persistence interfaces of the authorization
// server and the entities they manage.
//
// The interfaces expose only atomic operations: the credential lifecycle
// invariants (redeem-once for authorization codes, rotate-once for refresh
// tokens) are enforced at this boundary rather than by caller convention.
// Implementations never hand out raw table access.
//
// Interfaces:
//   - ClientStore: registered OAuth clients
//   - UserStore: local user accounts
//   - FlowStore: authorization codes
//   - TokenStore: access and refresh tokens
//
// The only implementation lives in storage/memory: process-lifetime
// in-memory tables, discarded in full on process exit. That limitation is
// deliberate; nothing in this server persists across restarts.
package storage
