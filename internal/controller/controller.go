// Package controller owns the in-memory conversation state machine.
//
// A Controller drives one visible conversation at a time: it appends user
// messages, opens a transport stream, reconciles deltas into the in-progress
// assistant message and synchronizes terminal state into the store. Only one
// turn may be in flight; starting a new one cancels the previous one first.
package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/model"
	"github.com/quillchat/quillchat/internal/store"
	"github.com/quillchat/quillchat/internal/transport"
	"github.com/quillchat/quillchat/pkg/logger"
)

// ErrEmptyMessage is returned by Send for empty or whitespace-only input.
// The controller performs no side effects in that case.
var ErrEmptyMessage = errors.New("message content is empty")

// State is the per-turn state of the controller.
type State int

const (
	// StateIdle means no turn is in flight.
	StateIdle State = iota
	// StateStreaming means a turn is in flight and deltas are being applied.
	StateStreaming
	// StateErrored means the last turn terminated with an error.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// UpdateKind classifies an observer notification.
type UpdateKind int

const (
	// UpdateTurnStarted fires after the user message and placeholder were
	// appended.
	UpdateTurnStarted UpdateKind = iota
	// UpdateDelta fires after each delta applied to the placeholder.
	UpdateDelta
	// UpdateTurnComplete fires when a turn ends by success or user stop.
	UpdateTurnComplete
	// UpdateTurnError fires when a turn ends with an error.
	UpdateTurnError
	// UpdateConversationChanged fires when the visible message list was
	// swapped or reset.
	UpdateConversationChanged
)

// Update is delivered to the observer after every state mutation. Delta
// carries the applied fragment for UpdateDelta; Err carries the failure for
// UpdateTurnError.
type Update struct {
	Kind  UpdateKind
	Delta string
	Err   error
}

// Observer receives state updates. It is called outside the controller lock
// and may call back into the controller.
type Observer func(Update)

// Transport opens a cancellable stream against the chat backend.
type Transport interface {
	Open(ctx context.Context, messages []model.ChatMessage, modelName string) (transport.Stream, error)
}

// Controller is the conversation state machine.
type Controller struct {
	store     *store.Store
	transport Transport
	model     string
	logger    *logger.Logger
	observer  Observer

	mu       sync.Mutex
	convID   string
	messages []model.Message
	state    State
	lastErr  error
	turn     int
	stream   transport.Stream
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers the state update callback.
func WithObserver(fn Observer) Option {
	return func(c *Controller) { c.observer = fn }
}

// New creates a controller and restores the active conversation from the
// store. A dangling active pointer is cleared.
func New(st *store.Store, tr Transport, modelName string, log *logger.Logger, opts ...Option) *Controller {
	if log == nil {
		log = logger.Global()
	}
	c := &Controller{
		store:     st,
		transport: tr,
		model:     modelName,
		logger:    log,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}

	if id, ok := st.Active(); ok {
		if conv, ok := st.Get(id); ok {
			c.convID = id
			c.messages = append([]model.Message(nil), conv.Messages...)
		} else {
			st.SetActive("")
		}
	}
	return c
}

// Send starts a new turn with the given user input. Empty or whitespace-only
// input is rejected without side effects. Any in-flight turn is cancelled
// first, never queued behind.
//
// Transport and server failures do not surface here; they end the turn
// asynchronously through the observer and LastError.
func (c *Controller) Send(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	c.stopTurnLocked()

	// Lazy creation: no conversation exists until something is sent.
	if c.convID == "" {
		conv := c.store.Create("")
		c.store.SetActive(conv.ID)
		c.convID = conv.ID
		c.messages = nil
	}

	now := time.Now()
	user := model.Message{
		ID:        store.NewID(),
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	placeholder := model.Message{
		ID:         store.NewID(),
		Role:       model.RoleAssistant,
		CreatedAt:  now,
		InProgress: true,
	}
	c.messages = append(c.messages, user, placeholder)

	// Full history including the new user message; History drops the
	// in-progress placeholder.
	history := (&model.Conversation{Messages: c.messages}).History()

	c.turn++
	turn := c.turn
	c.state = StateStreaming
	c.lastErr = nil
	modelName := c.model
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateTurnStarted})

	stream, err := c.transport.Open(context.Background(), history, modelName)
	if err != nil {
		c.failTurn(turn, err)
		return nil
	}

	c.mu.Lock()
	if c.turn != turn {
		// A newer turn (or a cancel) got in while the request was opening.
		c.mu.Unlock()
		stream.Abort()
		return nil
	}
	c.stream = stream
	c.mu.Unlock()

	go c.consume(turn, stream)
	return nil
}

// Cancel stops the in-flight turn. Partial content already received is kept,
// the placeholder is finalized and the conversation persisted. Calling Cancel
// with no turn in flight is a no-op, so repeated cancels are idempotent.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	c.stopTurnLocked()
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateTurnComplete})
}

// Regenerate rewinds to the most recent user message, discarding everything
// after it, and resends its content for a fresh answer. Without a user
// message it is a no-op.
func (c *Controller) Regenerate() {
	c.resendLastUser()
}

// Retry recovers from an errored turn: the failed assistant message is
// dropped, the user message kept and resent.
func (c *Controller) Retry() {
	c.resendLastUser()
}

func (c *Controller) resendLastUser() {
	c.mu.Lock()
	c.stopTurnLocked()

	content := ""
	found := false
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == model.RoleUser {
			content = c.messages[i].Content
			// Send re-appends the user message, so the rewind drops it too.
			c.messages = c.messages[:i]
			found = true
			break
		}
	}
	c.lastErr = nil
	c.mu.Unlock()

	if found {
		_ = c.Send(content)
	}
}

// SelectConversation makes the stored conversation with the given id visible,
// cancelling any in-flight turn first. It reports false for an unknown id.
func (c *Controller) SelectConversation(id string) bool {
	c.mu.Lock()
	c.stopTurnLocked()

	conv, ok := c.store.Get(id)
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.convID = id
	c.messages = append([]model.Message(nil), conv.Messages...)
	c.state = StateIdle
	c.lastErr = nil
	c.store.SetActive(id)
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateConversationChanged})
	return true
}

// NewConversation resets to an empty visible conversation, cancelling any
// in-flight turn. The next Send creates the conversation record.
func (c *Controller) NewConversation() {
	c.mu.Lock()
	c.stopTurnLocked()
	c.convID = ""
	c.messages = nil
	c.state = StateIdle
	c.lastErr = nil
	c.store.SetActive("")
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateConversationChanged})
}

// DeleteConversation removes a conversation from the store. Deleting the
// active one aborts any in-flight turn, clears the active pointer and empties
// the visible message list.
func (c *Controller) DeleteConversation(id string) bool {
	c.mu.Lock()
	reset := false
	if id == c.convID && id != "" {
		// Abort without the stop-persist path: the record is going away.
		c.turn++
		if c.stream != nil {
			c.stream.Abort()
			c.stream = nil
		}
		c.convID = ""
		c.messages = nil
		c.state = StateIdle
		c.lastErr = nil
		reset = true
	}
	// The store has no lock of its own; every mutation must stay inside the
	// controller's critical section or a concurrent persist can be lost.
	existed := c.store.Delete(id)
	c.mu.Unlock()

	if reset {
		c.notify(Update{Kind: UpdateConversationChanged})
	}
	return existed
}

// Messages returns a snapshot of the visible message list.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.messages...)
}

// State returns the current turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that ended the last turn, if the controller is
// in the errored state.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ActiveConversationID returns the id of the visible conversation, or empty
// for a fresh session.
func (c *Controller) ActiveConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

// Model returns the model name sent with each turn. Empty means the
// backend's default.
func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel changes the model for subsequent turns. A turn already in flight
// is unaffected.
func (c *Controller) SetModel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = name
}

// Conversations lists all stored conversations, newest-first.
func (c *Controller) Conversations() []model.Conversation {
	return c.store.List()
}

// consume applies stream events for one turn until terminal.
func (c *Controller) consume(turn int, stream transport.Stream) {
	for ev := range stream.Events() {
		if ev.Err != nil {
			c.failTurn(turn, ev.Err)
			return
		}
		if ev.Delta != "" {
			if !c.applyDelta(turn, ev.Delta) {
				return
			}
		}
		if ev.Done {
			c.completeTurn(turn)
			return
		}
	}
	// Channel closed without a terminal event: the stream was aborted and the
	// turn already finalized elsewhere.
}

// applyDelta appends delta text to the placeholder. It reports false when the
// turn is no longer live, in which case the mutation is skipped: cancellation
// at the I/O layer is best-effort, so every application rechecks here.
func (c *Controller) applyDelta(turn int, delta string) bool {
	c.mu.Lock()
	if turn != c.turn || c.state != StateStreaming {
		c.mu.Unlock()
		return false
	}
	i := len(c.messages) - 1
	c.messages[i].Content += delta
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateDelta, Delta: delta})
	return true
}

// completeTurn finalizes a successful turn and persists the conversation.
func (c *Controller) completeTurn(turn int) {
	c.mu.Lock()
	if turn != c.turn || c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	i := len(c.messages) - 1
	c.messages[i].InProgress = false
	c.state = StateIdle
	c.stream = nil
	c.persistLocked()
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateTurnComplete})
}

// failTurn ends a turn with an error. The placeholder's partial content is
// discarded and the failed turn is not persisted; the user message stays in
// memory for Retry.
func (c *Controller) failTurn(turn int, err error) {
	c.mu.Lock()
	if turn != c.turn || c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	i := len(c.messages) - 1
	c.messages[i].Content = ""
	c.messages[i].InProgress = false
	c.state = StateErrored
	c.lastErr = err
	c.stream = nil
	c.mu.Unlock()

	c.logger.Warn("turn failed", zap.Error(err))
	c.notify(Update{Kind: UpdateTurnError, Err: err})
}

// stopTurnLocked aborts any in-flight turn with user-stop semantics: partial
// content is kept, the placeholder finalized and the conversation persisted.
// It also bumps the turn counter so queued delta callbacks become stale.
func (c *Controller) stopTurnLocked() {
	c.turn++
	if c.stream != nil {
		c.stream.Abort()
		c.stream = nil
	}
	if c.state != StateStreaming {
		return
	}
	if i := len(c.messages) - 1; i >= 0 && c.messages[i].InProgress {
		c.messages[i].InProgress = false
	}
	c.state = StateIdle
	c.persistLocked()
}

// persistLocked synchronizes the in-memory message list into the store.
// Store failures are logged there and never interrupt the live chat.
func (c *Controller) persistLocked() {
	if c.convID == "" {
		return
	}
	msgs := append([]model.Message(nil), c.messages...)
	c.store.Update(c.convID, store.Patch{Messages: msgs})
}

func (c *Controller) notify(u Update) {
	if c.observer != nil {
		c.observer(u)
	}
}
