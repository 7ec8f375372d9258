// Package transport implements the client side of the chat streaming
// protocol.
//
// Open issues a POST to /chat/stream and decodes the line-delimited event
// frames into a lazy sequence of StreamEvents. The returned Stream is
// cancellable: after Abort no further events are delivered, even for bytes
// already buffered.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/model"
	"github.com/quillchat/quillchat/pkg/logger"
)

// dataPrefix marks payload lines in the event framing.
const dataPrefix = "data: "

// StreamEvent is one decoded event from the stream. A terminal event has
// Done set; a terminal failure additionally carries Err. Delta may accompany
// the terminal event when the final frame carries content.
type StreamEvent struct {
	Delta string
	Done  bool
	Err   error
}

// Stream is a single-consumption sequence of events with an abort handle.
type Stream interface {
	// Events returns the event channel. It is closed after the terminal
	// event, or without one if the stream was aborted.
	Events() <-chan StreamEvent

	// Abort closes the underlying connection and suppresses all further
	// events. It is idempotent and a no-op after natural completion.
	Abort()
}

// Client talks to the chat backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a transport client for the given backend base URL.
func NewClient(baseURL string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Global()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client-level timeout: streams stay open for the duration of a
		// generation. Cancellation happens through the request context.
		httpClient: &http.Client{},
		logger:     log,
	}
}

// Open sends the message history to /chat/stream and returns the event
// stream. A failure to establish the connection is returned as a
// *TransportError.
func (c *Client) Open(ctx context.Context, messages []model.ChatMessage, modelName string) (Stream, error) {
	body, err := json.Marshal(model.ChatRequest{Messages: messages, Model: modelName})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	s := &httpStream{
		events: make(chan StreamEvent),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, resp.Body, c.logger)

	return s, nil
}

// Complete sends the message history to the non-streaming /chat endpoint.
func (c *Client) Complete(ctx context.Context, messages []model.ChatMessage, modelName string) (*model.ChatResponse, error) {
	body, err := json.Marshal(model.ChatRequest{Messages: messages, Model: modelName})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Error != "" {
			return nil, &ServerError{Message: payload.Error}
		}
		return nil, &TransportError{Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var out model.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Err: err}
	}
	return &out, nil
}

// Models fetches the model list the backend's provider can serve.
func (c *Client) Models(ctx context.Context) (*model.ModelsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var out model.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Err: err}
	}
	return &out, nil
}

// CheckHealth probes GET /health and reports backend liveness.
func (c *Client) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// httpStream reads event frames off an HTTP response body.
type httpStream struct {
	events    chan StreamEvent
	cancel    context.CancelFunc
	abortOnce sync.Once
	done      chan struct{}
}

func (s *httpStream) Events() <-chan StreamEvent {
	return s.events
}

func (s *httpStream) Abort() {
	s.abortOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// run decodes frames until a terminal event, the connection closes, or the
// stream is aborted. bufio buffers partial lines across reads; a logical
// event is only emitted once a full line is available.
func (s *httpStream) run(ctx context.Context, body io.ReadCloser, log *logger.Logger) {
	defer close(s.events)
	defer body.Close()
	defer s.cancel()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')

		if trimmed := strings.TrimSpace(line); trimmed != "" {
			if terminal := s.handleLine(trimmed, log); terminal {
				return
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// Connection closed without an explicit terminal frame:
				// surface it as implicit success so consumers never hang.
				s.emit(StreamEvent{Done: true})
			case ctx.Err() != nil:
				// Aborted; the consumer gets nothing further.
			default:
				s.emit(StreamEvent{Done: true, Err: &TransportError{Err: err}})
			}
			return
		}
	}
}

// handleLine decodes one frame line and reports whether it was terminal.
// Unprefixed, empty and malformed lines are skipped, never fatal.
func (s *httpStream) handleLine(line string, log *logger.Logger) bool {
	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return false
	}

	var chunk model.StreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		log.Debug("skipping malformed stream frame", zap.Error(err))
		return false
	}

	if chunk.Error != "" {
		s.emit(StreamEvent{Done: true, Err: &ServerError{Message: chunk.Error}})
		return true
	}

	if chunk.Content != "" || chunk.Done {
		if !s.emit(StreamEvent{Delta: chunk.Content, Done: chunk.Done}) {
			return true
		}
	}
	return chunk.Done
}

// emit delivers an event unless the stream has been aborted. It reports
// whether delivery happened.
func (s *httpStream) emit(ev StreamEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
