// Package gateway is the orchestration core: it admits normalized inbound
// messages, queues them per conversation, routes them onto backend agent
// sessions, and streams responses back through platform adapters.
package gateway
