package models

import (
	"fmt"
	"time"
)

// Channel is the interaction class that biases routing and tool filtering.
type Channel string

const (
	ChannelChat         Channel = "CHAT"
	ChannelCodeTask     Channel = "CODE_TASK"
	ChannelSystemHealth Channel = "SYSTEM_HEALTH"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelChat, ChannelCodeTask, ChannelSystemHealth:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Session is a durable conversation thread. Append-only from the caller's
// view; context truncation is a computed projection, never a rewrite.
type Session struct {
	ID           string         `json:"session_id"`
	Mode         Mode           `json:"mode"`
	Channel      Channel        `json:"channel"`
	Messages     []Message      `json:"messages"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
}

// Clone returns a deep copy so readers never share message slices with the
// store's internal state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
