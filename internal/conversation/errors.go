package conversation

import (
	"errors"
	"fmt"

	"github.com/HyphaGroup/colloquy/internal/driver"
)

var (
	ErrValidation   = errors.New("invalid request")
	ErrNotFound     = errors.New("conversation not found")
	ErrDriverInit   = errors.New("driver initialization failed")
	ErrDriverSend   = errors.New("driver send failed")
	ErrCancelled    = errors.New("conversation closed before message was delivered")
	ErrLimitReached = errors.New("conversation limit reached")
	ErrQueueFull    = errors.New("conversation queue full")
	ErrShuttingDown = errors.New("service is shutting down")

	errBusy = errors.New("conversation busy")
)

// Error describes a failed engine operation. Unwrap exposes one of the
// sentinel errors above and, where there is one, the underlying cause.
type Error struct {
	Op             string
	ConversationID string
	Kind           driver.Kind
	Err            error
}

func (e *Error) Error() string {
	switch {
	case e.ConversationID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.ConversationID, e.Err)
	case e.Kind != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
