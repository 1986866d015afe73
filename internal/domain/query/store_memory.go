package query

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medquery/medquery/internal/review"
)

// MemoryStore keeps everything in process. It is meant for development and
// tests; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	queries   map[uuid.UUID]*Query
	byPatient map[string][]uuid.UUID
	entries   map[uuid.UUID]review.Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queries:   make(map[uuid.UUID]*Query),
		byPatient: make(map[string][]uuid.UUID),
		entries:   make(map[uuid.UUID]review.Entry),
	}
}

func (s *MemoryStore) Create(_ context.Context, q *Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[q.ID] = q.Clone()
	s.byPatient[q.PatientID] = append(s.byPatient[q.PatientID], q.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return q.Clone(), nil
}

// ListByPatient returns the newest queries first.
func (s *MemoryStore) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Query, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byPatient[patientID]
	total := len(ids)
	var out []*Query
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.queries[ids[i]].Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) SaveTransition(_ context.Context, q *Query, t Transition, entry *review.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.queries[q.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != t.From {
		return ErrStaleStatus
	}
	s.queries[q.ID] = q.Clone()
	if entry != nil {
		s.entries[q.ID] = *entry
	} else {
		delete(s.entries, q.ID)
	}
	return nil
}

func (s *MemoryStore) SubmissionsSince(_ context.Context, since time.Time) (map[string][]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]time.Time)
	for patientID, ids := range s.byPatient {
		for _, id := range ids {
			if at := s.queries[id].CreatedAt; !at.Before(since) {
				out[patientID] = append(out[patientID], at)
			}
		}
	}
	for _, stamps := range out {
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	}
	return out, nil
}

func (s *MemoryStore) ListReviewEntries(_ context.Context) ([]review.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]review.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) ListStalled(_ context.Context, statuses []Status, before time.Time) ([]*Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Query
	for _, q := range s.queries {
		if !q.UpdatedAt.Before(before) {
			continue
		}
		for _, st := range statuses {
			if q.Status == st {
				out = append(out, q.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
