// Package session routes conversations to backend agent sessions using
// strategy-derived routing keys, an in-memory TTL cache, and a persisted
// store that survives restarts.
package session
