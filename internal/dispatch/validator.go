package dispatch

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxContentChars = 2000 // max character count
)

// ValidateContent checks that trimmed message content meets the content
// requirements. Callers trim before validating, so an all-whitespace message
// fails the empty check.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: message content is empty", ErrValidation)
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrValidation, MaxMessageBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrValidation, MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrValidation)
	}
	return nil
}
