package llm

import (
	"context"
	"strings"
	"time"
)

const demoResponse = `This is a simulated response. The server is running in demo mode because no provider API key is configured.

Once a key is set I will be able to provide real answers. Until then I can still exercise the full streaming pipeline: every word of this reply arrives as its own delta.`

// DemoClient streams a canned response word by word. It keeps the server
// usable without provider credentials and gives tests a deterministic
// provider.
type DemoClient struct {
	// Response overrides the canned text when non-empty.
	Response string
	// Delay paces the word stream. Zero means no pacing.
	Delay time.Duration
}

// NewDemoClient creates a demo client with the default pacing.
func NewDemoClient() *DemoClient {
	return &DemoClient{Delay: 30 * time.Millisecond}
}

// Name returns the provider name.
func (c *DemoClient) Name() string {
	return "demo"
}

// Models returns available models.
func (c *DemoClient) Models() []string {
	return []string{"demo"}
}

func (c *DemoClient) text() string {
	if c.Response != "" {
		return c.Response
	}
	return demoResponse
}

// Complete returns the canned response in one piece.
func (c *DemoClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{
		Content:      c.text(),
		Model:        "demo",
		FinishReason: "stop",
	}, nil
}

// CompleteStream delivers the canned response one word at a time.
func (c *DemoClient) CompleteStream(ctx context.Context, req *CompletionRequest, fn StreamFunc) (*CompletionResponse, error) {
	start := time.Now()
	words := strings.Split(c.text(), " ")

	var content string
	for i, word := range words {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		delta := word
		if i > 0 {
			delta = " " + word
		}
		content += delta
		if err := fn(delta); err != nil {
			return nil, err
		}

		if c.Delay > 0 {
			time.Sleep(c.Delay)
		}
	}

	return &CompletionResponse{
		Content:      content,
		Model:        "demo",
		FinishReason: "stop",
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}
