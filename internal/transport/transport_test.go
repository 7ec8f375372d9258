package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/quillchat/internal/model"
	"github.com/quillchat/quillchat/pkg/logger"
)

// streamServer serves a canned /chat/stream response, one write per frame.
func streamServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func openStream(t *testing.T, srv *httptest.Server) Stream {
	t.Helper()
	c := NewClient(srv.URL, logger.NewNop())
	stream, err := c.Open(context.Background(), []model.ChatMessage{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)
	return stream
}

func collect(t *testing.T, stream Stream) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func TestOpenDeliversDeltasThenDone(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"content\":\"Hello\",\"done\":false}\n\n",
		"data: {\"content\":\" world\",\"done\":false}\n\n",
		"data: {\"content\":\"\",\"done\":true}\n\n",
	})

	events := collect(t, openStream(t, srv))

	require.Len(t, events, 3)
	assert.Equal(t, StreamEvent{Delta: "Hello"}, events[0])
	assert.Equal(t, StreamEvent{Delta: " world"}, events[1])
	assert.True(t, events[2].Done)
	assert.NoError(t, events[2].Err)
}

func TestFramesSplitAcrossWrites(t *testing.T) {
	// A logical frame may arrive in arbitrary byte chunks; only complete
	// lines become events.
	srv := streamServer(t, []string{
		"data: {\"content\":",
		"\"Hel",
		"lo\",\"done\":false}\n",
		"\ndata: {\"content\":\"\",\"done\":true}\n\n",
	})

	events := collect(t, openStream(t, srv))

	require.Len(t, events, 2)
	assert.Equal(t, "Hello", events[0].Delta)
	assert.True(t, events[1].Done)
}

func TestSkipsMalformedAndUnprefixedLines(t *testing.T) {
	srv := streamServer(t, []string{
		": comment line\n",
		"data: {broken json\n",
		"event: something\n",
		"data: {\"content\":\"ok\",\"done\":false}\n\n",
		"data: {\"content\":\"\",\"done\":true}\n\n",
	})

	events := collect(t, openStream(t, srv))

	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Delta)
	assert.True(t, events[1].Done)
}

func TestErrorFrameBecomesServerError(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"content\":\"partial\",\"done\":false}\n\n",
		"data: {\"content\":\"\",\"done\":true,\"error\":\"model overloaded\"}\n\n",
	})

	events := collect(t, openStream(t, srv))

	require.Len(t, events, 2)
	assert.Equal(t, "partial", events[0].Delta)
	require.True(t, events[1].Done)

	var serverErr *ServerError
	require.ErrorAs(t, events[1].Err, &serverErr)
	assert.Equal(t, "model overloaded", serverErr.Message)
}

func TestConnectionCloseWithoutDoneIsImplicitSuccess(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"content\":\"Hello\",\"done\":false}\n\n",
		// Server hangs up without a terminal frame.
	})

	events := collect(t, openStream(t, srv))

	require.Len(t, events, 2)
	assert.Equal(t, "Hello", events[0].Delta)
	assert.True(t, events[1].Done)
	assert.NoError(t, events[1].Err)
}

func TestFinalFrameMayCarryContent(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"content\":\"tail\",\"done\":true}\n\n",
	})

	events := collect(t, openStream(t, srv))

	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].Delta)
	assert.True(t, events[0].Done)
}

func TestAbortSuppressesFurtherEvents(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"content\":\"first\",\"done\":false}\n\n")
		flusher.Flush()
		<-release
		fmt.Fprint(w, "data: {\"content\":\"after abort\",\"done\":false}\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	stream := openStream(t, srv)

	ev := <-stream.Events()
	require.Equal(t, "first", ev.Delta)

	stream.Abort()
	stream.Abort() // idempotent

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			t.Fatalf("event delivered after abort: %+v", ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close after abort")
		}
	}
}

func TestOpenNon200IsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, logger.NewNop())
	_, err := c.Open(context.Background(), nil, "")

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestOpenConnectionRefusedIsTransportError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", logger.NewNop())
	_, err := c.Open(context.Background(), nil, "")

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":"full answer","role":"assistant","finishReason":"stop"}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, logger.NewNop())
	resp, err := c.Complete(context.Background(), []model.ChatMessage{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "full answer", resp.Content)
	assert.Equal(t, model.RoleAssistant, resp.Role)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestCompleteServerErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"upstream failed"}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, logger.NewNop())
	_, err := c.Complete(context.Background(), nil, "")

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "upstream failed", serverErr.Message)
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"provider":"anthropic","models":["claude-3-5-sonnet-20241022","claude-3-5-haiku-20241022"]}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, logger.NewNop())
	resp, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Len(t, resp.Models, 2)
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, logger.NewNop())
	assert.True(t, c.CheckHealth(context.Background()))

	down := NewClient("http://127.0.0.1:1", logger.NewNop())
	assert.False(t, down.CheckHealth(context.Background()))
}

func TestServerErrorUnwrap(t *testing.T) {
	wrapped := &TransportError{Err: context.Canceled}
	assert.True(t, errors.Is(wrapped, context.Canceled))
}
