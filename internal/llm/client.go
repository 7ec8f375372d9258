// Package llm provides provider clients used by the chat backend.
package llm

import (
	"context"

	"github.com/quillchat/quillchat/internal/model"
)

// StreamFunc is called with each content delta during streaming. Returning an
// error stops the stream.
type StreamFunc func(delta string) error

// CompletionRequest is a provider-agnostic completion request.
type CompletionRequest struct {
	Model     string
	Messages  []model.ChatMessage
	MaxTokens int
}

// CompletionResponse is a provider-agnostic completion result.
type CompletionResponse struct {
	Content      string
	Model        string
	FinishReason string
	TokensIn     int
	TokensOut    int
	LatencyMs    int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request, invoking fn for
	// each delta, and returns the assembled response.
	CompleteStream(ctx context.Context, req *CompletionRequest, fn StreamFunc) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderDemo      Provider = "demo"
)

// NewClient creates a client for the given provider. An empty API key falls
// back to the demo provider so the server stays usable without credentials.
func NewClient(provider Provider, apiKey string) (Client, error) {
	if apiKey == "" {
		return NewDemoClient(), nil
	}
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderDemo:
		return NewDemoClient(), nil
	default:
		return NewAnthropicClient(apiKey)
	}
}
