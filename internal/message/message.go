// ABOUTME: Normalized inbound message passed from platform adapters into the core.
// ABOUTME: Platform-specific payloads are parsed into this shape before the core sees them.

package message

import "time"

// Message is a platform-neutral inbound chat message. Adapters (Slack, Discord,
// Telegram, ...) are responsible for producing it; the core never sees raw
// platform payloads.
type Message struct {
	// ExternalID is the platform's unique message identifier
	// (Slack ts, Discord snowflake, Telegram message_id).
	ExternalID string

	// ChannelType identifies the source platform (e.g. "slack", "discord").
	ChannelType string

	// ChannelID is the channel/room identifier on the platform.
	ChannelID string

	// ThreadID is the platform thread identifier, when the message is threaded.
	ThreadID string

	// GroupID is the group/guild identifier, when the platform has one.
	GroupID string

	// UserID identifies the sending user on the platform.
	UserID string

	// UserName is the sender's display name, for logging and prompts.
	UserName string

	// Content is the message text.
	Content string

	// ReceivedAt is when the adapter accepted the message.
	ReceivedAt time.Time
}

// ConversationID returns the most specific conversation discriminator the
// message carries: thread, then group, then channel, then user. Used as the
// per-conversation queue key.
func (m *Message) ConversationID() string {
	switch {
	case m.ThreadID != "":
		return m.ThreadID
	case m.GroupID != "":
		return m.GroupID
	case m.ChannelID != "":
		return m.ChannelID
	default:
		return m.UserID
	}
}
