package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/quillchat/quillchat/internal/model"
)

// maxContentBytes caps message content at roughly 100KB.
const maxContentBytes = 100000

// ValidateMessageContent validates a single message's content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateChatRequest validates the message list of a chat request.
func ValidateChatRequest(req *model.ChatRequest) error {
	if len(req.Messages) == 0 {
		return errors.New("messages array is required")
	}
	for _, msg := range req.Messages {
		if msg.Role != model.RoleUser && msg.Role != model.RoleAssistant && msg.Role != model.RoleSystem {
			return errors.New("invalid message role")
		}
		if err := ValidateMessageContent(msg.Content); err != nil {
			return err
		}
	}
	return nil
}
