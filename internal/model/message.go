// Package model defines data structures for conversations and the chat wire
// protocol.
package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in a conversation. At most one message per
// conversation has InProgress set, and only while a response is being
// streamed into it; persisted messages never carry the flag.
type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	InProgress bool      `json:"in_progress,omitempty"`
}

// ChatMessage is the wire form of a message sent to the chat backend.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for /chat and /chat/stream.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Model    string        `json:"model,omitempty"`
}

// ChatResponse is the response body for the non-streaming /chat endpoint.
type ChatResponse struct {
	Content      string `json:"content"`
	Role         Role   `json:"role"`
	FinishReason string `json:"finishReason,omitempty"`
}
