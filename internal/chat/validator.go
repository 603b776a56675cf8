package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB, the server's frame budget
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyMessage is returned for content that is blank after trimming.
var ErrEmptyMessage = errors.New("message text is empty")

// ValidateMessage trims content and checks it against the limits the server
// enforces. It returns the trimmed text that should be sent.
func ValidateMessage(content string) (string, error) {
	text := strings.TrimSpace(content)
	if len(text) == 0 {
		return "", ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("message contains invalid UTF-8")
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return text, nil
}
