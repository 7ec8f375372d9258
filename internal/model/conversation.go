package model

import (
	"time"
)

// Conversation is a persisted conversation thread. Messages are ordered by
// creation time. UpdatedAt is bumped on every mutation and is never earlier
// than CreatedAt.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// History returns the conversation's messages in wire form, excluding any
// message still being streamed into.
func (c *Conversation) History() []ChatMessage {
	out := make([]ChatMessage, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.InProgress {
			continue
		}
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
