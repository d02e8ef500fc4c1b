// Package queue provides per-conversation FIFO buffering of inbound messages,
// gated on backend agent readiness with a bounded wait.
package queue
