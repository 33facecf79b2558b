package engine

import (
	"context"
	"errors"
	"fmt"

	"storypipe/internal/domain"
)

var (
	ErrStopped     = errors.New("job runner stopped")
	ErrNotStarted  = errors.New("job runner not started")
	ErrUnknownKind = errors.New("unknown job kind")
)

// FormatError renders a stage failure for the task message with its kind
// tag in front, e.g. "[network] fetch alice: network error: timeout".
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	tag := domain.Kind(err)
	switch {
	case errors.Is(err, context.Canceled):
		tag = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		tag = "timeout"
	}
	return fmt.Sprintf("[%s] %v", tag, err)
}
