// Package types defines the core domain types shared across the broker:
// samples, sessions, persisted records, and wire envelopes.
package types

// SessionContext carries the identity fields attached to every log line and
// metric emitted while handling a connection: which user, which session,
// and which component produced the entry.
type SessionContext struct {
	// UserID is the short user identifier the edge authenticated as.
	UserID string
	// SessionID is the UUID assigned to the current edge session, empty
	// before authentication completes.
	SessionID string
	// Component names the subsystem emitting the log line (e.g. "edge",
	// "consumer", "persistence").
	Component string
}
