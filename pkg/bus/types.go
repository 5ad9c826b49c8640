package bus

import (
	"context"
	"strings"
)

// Metadata keys shared by the relay, the agent loop and the channel backends.
const (
	MetadataRequestID = "request_id"
	MetadataChannel   = "channel"
	MetadataProgress  = "_progress"
)

type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RequestID returns the correlation id carried in metadata, if any.
func (m InboundMessage) RequestID() string {
	return strings.TrimSpace(m.Metadata[MetadataRequestID])
}

type OutboundMessage struct {
	Channel    string            `json:"channel"`
	ChatID     string            `json:"chat_id"`
	SessionKey string            `json:"session_key,omitempty"`
	Content    string            `json:"content"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (m OutboundMessage) RequestID() string {
	return strings.TrimSpace(m.Metadata[MetadataRequestID])
}

// IsProgress reports whether the message is an intermediate update rather
// than the final reply for a turn.
func (m OutboundMessage) IsProgress() bool {
	value, ok := m.Metadata[MetadataProgress]
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// Bus is the publish/subscribe surface shared by the in-process and Redis
// implementations. A false return means the bus is closed or ctx is done.
type Bus interface {
	PublishInbound(ctx context.Context, msg InboundMessage) bool
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(ctx context.Context, msg OutboundMessage) bool
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
	Close()
}

// EventPublisher is implemented by buses that fan out lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) bool
}
