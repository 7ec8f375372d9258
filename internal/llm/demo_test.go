package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoClientStreamsWordByWord(t *testing.T) {
	c := &DemoClient{Response: "alpha beta gamma"}

	var deltas []string
	resp, err := c.CompleteStream(context.Background(), &CompletionRequest{}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", " beta", " gamma"}, deltas)
	assert.Equal(t, "alpha beta gamma", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestDemoClientStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &DemoClient{Response: "never delivered"}
	_, err := c.CompleteStream(ctx, &CompletionRequest{}, func(delta string) error {
		t.Fatalf("unexpected delta %q after cancellation", delta)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewClientFallsBackToDemoWithoutKey(t *testing.T) {
	c, err := NewClient(ProviderAnthropic, "")
	require.NoError(t, err)
	assert.Equal(t, "demo", c.Name())
}
