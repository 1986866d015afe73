package query

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medquery/medquery/internal/review"
)

// Store persists queries, their transition history and the review-queue
// projection.
type Store interface {
	// Create inserts q together with its initial history.
	Create(ctx context.Context, q *Query) error
	Get(ctx context.Context, id uuid.UUID) (*Query, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Query, int, error)
	// SaveTransition writes q after t was applied to it, provided the stored
	// status is still t.From; otherwise it returns ErrStaleStatus. entry is
	// the review-queue row to keep for review states and must be nil for
	// every other status, in which case any existing row is removed.
	SaveTransition(ctx context.Context, q *Query, t Transition, entry *review.Entry) error
	// SubmissionsSince returns submission times per patient, oldest first.
	SubmissionsSince(ctx context.Context, since time.Time) (map[string][]time.Time, error)
	ListReviewEntries(ctx context.Context) ([]review.Entry, error)
	// ListStalled returns queries in one of statuses whose last change is
	// older than before, oldest first.
	ListStalled(ctx context.Context, statuses []Status, before time.Time) ([]*Query, error)
}
