// Package store provides durable conversation persistence.
//
// Conversations live in a single JSON index file plus a separate file naming
// the active conversation. Every mutation is a full read-modify-write of the
// index; the store is single-process, single-writer. Persistence failures are
// logged and absorbed so that losing a write never interrupts a live chat.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/model"
	"github.com/quillchat/quillchat/pkg/logger"
)

const (
	indexFile  = "conversations.json"
	activeFile = "active-conversation"

	// PlaceholderTitle is the title given to a conversation before its first
	// user message.
	PlaceholderTitle = "New Chat"

	titleMaxRunes = 50
)

// clockNow is swappable in tests.
var clockNow = time.Now

// Store persists conversations under a base directory.
type Store struct {
	dir    string
	logger *logger.Logger
}

// New creates a store rooted at dir, creating it if necessary.
func New(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Global()
	}
	return &Store{dir: dir, logger: log}, nil
}

// Patch holds the fields Update merges into a conversation. Zero values leave
// the corresponding field untouched; a nil Messages slice means "no change".
type Patch struct {
	Title    string
	Messages []model.Message
}

// NewID returns an id that is unique with overwhelming probability even for
// calls within the same clock tick: uuid v7 combines a millisecond timestamp
// with random bits.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// List returns all conversations, newest-first. Corrupt or missing persisted
// data degrades to an empty list.
func (s *Store) List() []model.Conversation {
	return s.load()
}

// Get retrieves a conversation by id.
func (s *Store) Get(id string) (model.Conversation, bool) {
	for _, conv := range s.load() {
		if conv.ID == id {
			return conv, true
		}
	}
	return model.Conversation{}, false
}

// Create allocates a fresh conversation, prepends it to the index and
// persists. An empty title defaults to the placeholder.
func (s *Store) Create(title string) model.Conversation {
	if title == "" {
		title = PlaceholderTitle
	}
	now := clockNow()
	conv := model.Conversation{
		ID:        NewID(),
		Title:     title,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	convs := s.load()
	convs = append([]model.Conversation{conv}, convs...)
	s.save(convs)

	return conv
}

// Update merges patch into the conversation with the given id, refreshes
// UpdatedAt and persists. It reports false if the id is unknown.
//
// When the conversation still has the placeholder title and the patch carries
// messages, the title is derived from the first user message.
func (s *Store) Update(id string, patch Patch) (model.Conversation, bool) {
	convs := s.load()
	for i := range convs {
		if convs[i].ID != id {
			continue
		}

		if patch.Title != "" {
			convs[i].Title = patch.Title
		}
		if patch.Messages != nil {
			msgs := make([]model.Message, len(patch.Messages))
			copy(msgs, patch.Messages)
			// Stored messages are final; the streaming flag never persists.
			for j := range msgs {
				msgs[j].InProgress = false
			}
			convs[i].Messages = msgs

			if convs[i].Title == PlaceholderTitle {
				if title, ok := titleFromMessages(msgs); ok {
					convs[i].Title = title
				}
			}
		}
		convs[i].UpdatedAt = clockNow()
		if convs[i].UpdatedAt.Before(convs[i].CreatedAt) {
			convs[i].UpdatedAt = convs[i].CreatedAt
		}

		s.save(convs)
		return convs[i], true
	}
	return model.Conversation{}, false
}

// Delete removes a conversation from the index and reports whether it
// existed. Deleting the active conversation clears the active pointer.
func (s *Store) Delete(id string) bool {
	convs := s.load()
	kept := convs[:0]
	found := false
	for _, conv := range convs {
		if conv.ID == id {
			found = true
			continue
		}
		kept = append(kept, conv)
	}
	if !found {
		return false
	}
	s.save(kept)

	if active, ok := s.Active(); ok && active == id {
		s.SetActive("")
	}
	return true
}

// Active returns the id of the currently open conversation, if any. The
// pointer is independent of the index; callers reconcile dangling ids.
func (s *Store) Active() (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, activeFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read active conversation", zap.Error(err))
		}
		return "", false
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", false
	}
	return id, true
}

// SetActive persists the active conversation pointer. An empty id clears it.
func (s *Store) SetActive(id string) {
	path := filepath.Join(s.dir, activeFile)
	if id == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to clear active conversation", zap.Error(err))
		}
		return
	}
	if err := atomicWrite(path, []byte(id)); err != nil {
		s.logger.Warn("failed to persist active conversation", zap.Error(err))
	}
}

// DeriveTitle produces a conversation title from message content: the first
// 50 runes, with an ellipsis appended when truncated.
func DeriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleMaxRunes {
		return content
	}
	return string(runes[:titleMaxRunes]) + "..."
}

func titleFromMessages(msgs []model.Message) (string, bool) {
	for _, m := range msgs {
		if m.Role == model.RoleUser && m.Content != "" {
			return DeriveTitle(m.Content), true
		}
	}
	return "", false
}

func (s *Store) load() []model.Conversation {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read conversation index", zap.Error(err))
		}
		return []model.Conversation{}
	}

	var convs []model.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		s.logger.Warn("corrupt conversation index, starting empty", zap.Error(err))
		return []model.Conversation{}
	}
	return convs
}

func (s *Store) save(convs []model.Conversation) {
	data, err := json.MarshalIndent(convs, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode conversation index", zap.Error(err))
		return
	}
	if err := atomicWrite(filepath.Join(s.dir, indexFile), data); err != nil {
		s.logger.Error("failed to persist conversation index", zap.Error(err))
	}
}

// atomicWrite writes via a temp file and rename so a crash never leaves a
// half-written index behind.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
