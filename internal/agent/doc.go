// Package agent defines the backend agent client contract consumed by the
// orchestration core, plus an HTTP/SSE implementation of it.
package agent
