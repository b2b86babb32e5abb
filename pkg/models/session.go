package models

import (
	"context"
	"time"
)

// GatewaySession is the narrow surface a Session needs from the Message
// Gateway to deliver an out-of-band message (an ask_user prompt, a scheduled
// reminder) without importing the gateway package here. Keeping the
// reference as an interface field tagged json:"-" is the Go analogue of the
// original implementation's `session.metadata["_gateway"]` back-reference:
// it lets the Reasoning Engine reach the gateway through the session without
// the session package depending on it, and it is never persisted.
type GatewaySession interface {
	SendToSession(ctx context.Context, sessionKey string, msg OutgoingMessage) error
	CheckInterrupt(sessionKey string) (*Message, bool)
}

// OutgoingMessage is what the Response Handler hands to the Message Gateway
// for delivery to a channel adapter.
type OutgoingMessage struct {
	SessionID   string         `json:"session_id"`
	Channel     ChannelType    `json:"channel"`
	ChannelID   string         `json:"channel_id"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ReplyToID   string         `json:"reply_to_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SessionConfig holds the per-session reasoning configuration: which model
// to talk to, the system prompt override, and the context budget.
type SessionConfig struct {
	Model            string `json:"model,omitempty"`
	Provider         string `json:"provider,omitempty"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
}

// SessionContext is the mutable conversational state carried across turns:
// the message history, free-form variables the agent has set during tool
// use, and a running summary produced by context compaction.
type SessionContext struct {
	Messages  []Message      `json:"messages"`
	Variables map[string]any `json:"variables,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Config    SessionConfig  `json:"config"`
}

// Session represents a single conversation thread bound to one channel
// identity. Sessions are addressed by Key (channel+channel_id) for routing
// inbound messages and by ID for persistence and task association.
type Session struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Channel      ChannelType    `json:"channel"`
	ChannelID    string         `json:"channel_id"`
	Key          string         `json:"key"`
	Title        string         `json:"title,omitempty"`
	Context      SessionContext `json:"context"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastActiveAt time.Time      `json:"last_active_at"`

	// Gateway is the live back-reference used to deliver ask_user prompts
	// and receive interrupt replies. Set by the Session Manager when a
	// session is attached to a running gateway; never serialized.
	Gateway GatewaySession `json:"-"`
}

// Key builds the canonical routing key for a channel-bound session.
func SessionKey(channel ChannelType, channelID string) string {
	return string(channel) + ":" + channelID
}
