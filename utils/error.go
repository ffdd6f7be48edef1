package utils

import (
	"context"
	"errors"
)

// IsContextDone reports whether err only says that a context was cancelled or timed out.
func IsContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
