package middleware

import (
	"errors"
	"fmt"
	"net/url"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/branchline-ai/conversation-engine/internal/model"
)

// maxTextBytes bounds a single text part (~100KB).
const maxTextBytes = 100000

// ValidateParts validates the normalized content parts of an inbound turn.
func ValidateParts(parts []model.ContentPart) error {
	if len(parts) == 0 {
		return errors.New("message must have at least one content part")
	}
	for i, p := range parts {
		switch p.Kind {
		case model.PartText:
			if p.Text == "" {
				return fmt.Errorf("part %d: text cannot be empty", i)
			}
			if len(p.Text) > maxTextBytes {
				return fmt.Errorf("part %d: text exceeds maximum length", i)
			}
			if !utf8.ValidString(p.Text) {
				return fmt.Errorf("part %d: text must be valid UTF-8", i)
			}
		case model.PartImage:
			u, err := url.Parse(p.ImageURL)
			if err != nil || (u.Scheme != "https" && u.Scheme != "data") {
				return fmt.Errorf("part %d: image_url must be an https or data URL", i)
			}
		default:
			return fmt.Errorf("part %d: kind %q is not accepted from clients", i, p.Kind)
		}
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateTenantID validates a tenant ID.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return errors.New("tenant ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("tenant ID exceeds maximum length")
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}
