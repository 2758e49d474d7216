package fetcher

import (
	"context"
	"errors"
)

var (
	ErrNoMatchFound    = errors.New("no matching audio found")
	ErrToolUnavailable = errors.New("download tool unavailable")
	ErrIO              = errors.New("filesystem failure")
	ErrTimedOut        = errors.New("fetch timed out")
)

// Reason returns the short failure reason recorded in the library for err.
func Reason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.Is(err, ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return "TimedOut"
	case errors.Is(err, ErrToolUnavailable):
		return "ToolUnavailable"
	case errors.Is(err, ErrNoMatchFound):
		return "NoMatchFound"
	case errors.Is(err, ErrIO):
		return "IOError"
	default:
		return "Unknown"
	}
}
