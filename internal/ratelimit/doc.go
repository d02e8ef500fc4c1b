// Package ratelimit provides token-bucket admission control for inbound
// messages, scoped per channel config and per user within a config.
package ratelimit
