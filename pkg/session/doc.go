// Package session defines agent sessions and their housekeeping.
//
// Invariants:
// - A conversation appends only to an active session.
// - Idle active sessions are archived; archived sessions past retention expire.
// - Expired and archived sessions are never reopened; callers mint a new one.
package session
