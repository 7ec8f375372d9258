package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/llm"
	"github.com/quillchat/quillchat/internal/middleware"
	"github.com/quillchat/quillchat/internal/model"
	"github.com/quillchat/quillchat/pkg/logger"
	"github.com/quillchat/quillchat/pkg/metrics"
)

// ChatHandler handles the completion endpoints.
type ChatHandler struct {
	llm    llm.Client
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(client llm.Client, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		llm:    client,
		logger: log,
	}
}

// Stream handles POST /chat/stream. Each delta is emitted as a line-delimited
// `data: {content,done,error?}` frame; the final frame has done set.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateChatRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	start := time.Now()

	resp, err := h.llm.CompleteStream(ctx, &llm.CompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}, func(delta string) error {
		// Stop generating as soon as the client goes away.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return sendFrame(w, flusher, model.StreamChunk{Content: delta})
	})

	if err != nil {
		if ctx.Err() != nil {
			h.logger.Info("stream client disconnected",
				zap.String("correlation_id", middleware.GetCorrelationID(ctx)))
			return
		}
		h.logger.Error("stream failed", zap.Error(err))
		sendFrame(w, flusher, model.StreamChunk{Done: true, Error: err.Error()})
		metrics.RecordStream(req.Model, "error", time.Since(start).Seconds(), 0, 0)
		return
	}

	sendFrame(w, flusher, model.StreamChunk{Done: true})
	metrics.RecordStream(resp.Model, "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
}

// Completion handles POST /chat, the non-streaming variant.
func (h *ChatHandler) Completion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateChatRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.llm.Complete(ctx, &llm.CompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
	})
	if err != nil {
		h.logger.Error("completion failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process chat request")
		return
	}

	writeJSON(w, http.StatusOK, model.ChatResponse{
		Content:      resp.Content,
		Role:         model.RoleAssistant,
		FinishReason: resp.FinishReason,
	})
}

func sendFrame(w http.ResponseWriter, flusher http.Flusher, chunk model.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
