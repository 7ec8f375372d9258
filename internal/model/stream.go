package model

import (
	"time"
)

// StreamChunk is the JSON payload of one server-sent event frame on
// /chat/stream. The final frame of a stream has Done set; a frame carrying a
// non-empty Error terminates the stream with a server-reported failure.
type StreamChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the response body for the liveness probe.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelsResponse is the response body for the model listing endpoint.
type ModelsResponse struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
}
