package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/medquery/medquery/internal/review"
)

var (
	ErrNotFound          = errors.New("query not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStaleStatus is returned by a Store when the stored status no longer
	// matches the transition's starting status.
	ErrStaleStatus = errors.New("query status changed concurrently")

	ErrAlreadyClaimed     = review.ErrAlreadyClaimed
	ErrNotClaimedByCaller = review.ErrNotClaimedByCaller
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("submission limit reached, retry after %s", e.RetryAfter.Round(time.Second))
}

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move query from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
