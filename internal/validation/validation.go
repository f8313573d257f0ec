package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageBytes bounds a single message submitted to a conversation.
const MaxMessageBytes = 64 * 1024

var (
	// UUIDRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// kindRegex matches assistant kind names (lowercase, digits, dash)
	kindRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateConversationID validates a conversation ID
func ValidateConversationID(id string) error {
	if id == "" {
		return fmt.Errorf("conversation ID cannot be empty")
	}
	return ValidateUUID(id)
}

// ValidateKind checks the shape of a kind name and, when known is non-empty,
// that it is one of them.
func ValidateKind(kind string, known []string) error {
	if kind == "" {
		return fmt.Errorf("kind cannot be empty")
	}
	if !kindRegex.MatchString(kind) {
		return fmt.Errorf("invalid kind format: %q", kind)
	}
	if len(known) == 0 {
		return nil
	}
	for _, k := range known {
		if k == kind {
			return nil
		}
	}
	return fmt.Errorf("unsupported kind %q (expected one of: %s)", kind, strings.Join(known, ", "))
}

// ValidateMessage checks a message before it is queued.
func ValidateMessage(msg string) error {
	if msg == "" {
		return fmt.Errorf("message is required")
	}
	if len(msg) > MaxMessageBytes {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(msg), MaxMessageBytes)
	}
	if !utf8.ValidString(msg) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	return nil
}
