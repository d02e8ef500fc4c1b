// Package store provides persistence for routed agent sessions with a SQLite
// implementation and an in-memory mock for tests.
package store
