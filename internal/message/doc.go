// Package message defines the normalized inbound message shape shared by
// platform adapters and the orchestration core.
package message
