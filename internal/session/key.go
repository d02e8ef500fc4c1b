// ABOUTME: Routing key builder mapping a conversation identity onto a session slot.
// ABOUTME: Keys are deterministic strings; the discriminator depends on the session strategy.

package session

import (
	"fmt"
	"strings"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/message"
)

// RoutingKey builds the canonical routing key for a message:
//
//	{configID}:{channelType}:{strategy}:{discriminator}
//
// The discriminator depends on the strategy:
//
//	global:      "global" (one shared session per channel config)
//	per-thread:  thread ID, falling back to group ID, then user ID
//	per-user:    user ID
//	per-message: the message's platform external ID (never reused)
func RoutingKey(configID, channelType string, strategy config.SessionStrategy, msg *message.Message) string {
	var discriminator string
	switch strategy {
	case config.SessionGlobal:
		discriminator = "global"
	case config.SessionPerUser:
		discriminator = msg.UserID
	case config.SessionPerMessage:
		discriminator = msg.ExternalID
	default: // per-thread
		discriminator = msg.ThreadID
		if discriminator == "" {
			discriminator = msg.GroupID
		}
		if discriminator == "" {
			discriminator = msg.UserID
		}
	}
	return fmt.Sprintf("%s:%s:%s:%s", configID, channelType, strategy, discriminator)
}

// keyDiscriminator returns the discriminator segment of a routing key.
func keyDiscriminator(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}
