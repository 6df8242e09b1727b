package domain

import (
	"strings"
	"unicode/utf8"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
)

const maxMessageContentRunes = 2000

// ErrEmptyContent indicates a message with nothing left after trimming.
var ErrEmptyContent = apperrors.New(apperrors.CodeMessageEmptyContent, "message content is required")

// ErrContentTooLong indicates a message body over the rune cap.
var ErrContentTooLong = apperrors.New(apperrors.CodeMessageContentTooLong, "message content must be at most 2000 characters")

// ErrSelfAddressed indicates a message whose sender and recipient are the same participant.
var ErrSelfAddressed = apperrors.New(apperrors.CodeMessageSelfAddressed, "message recipient must differ from sender")

// ValidateContent trims a message body and enforces the non-empty and length
// invariants. The returned string is the canonical stored form.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > maxMessageContentRunes {
		return "", ErrContentTooLong
	}
	return content, nil
}
