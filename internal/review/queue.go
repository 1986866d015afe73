// Package review holds the set of queries waiting for clinician sign-off.
package review

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/medquery/medquery/internal/triage"
)

var (
	ErrEntryNotFound      = errors.New("review entry not found")
	ErrAlreadyClaimed     = errors.New("query already claimed by another clinician")
	ErrNotClaimedByCaller = errors.New("query is not claimed by the caller")
)

// Entry is a query waiting in, or claimed from, the review queue.
type Entry struct {
	QueryID     uuid.UUID      `db:"query_id" json:"query_id"`
	PatientID   string         `db:"patient_id" json:"patient_id"`
	Title       string         `db:"title" json:"title"`
	Urgency     triage.Urgency `db:"urgency" json:"urgency"`
	Priority    int            `db:"priority" json:"priority"`
	SafetyScore int            `db:"safety_score" json:"safety_score"`
	EnqueuedAt  time.Time      `db:"enqueued_at" json:"enqueued_at"`
	ClinicianID *string        `db:"clinician_id" json:"clinician_id,omitempty"`
	ClaimedAt   *time.Time     `db:"claimed_at" json:"claimed_at,omitempty"`

	seq uint64
}

func (e *Entry) Claimed() bool {
	return e.ClinicianID != nil
}

func (e *Entry) ClaimedBy(clinicianID string) bool {
	return e.ClinicianID != nil && *e.ClinicianID == clinicianID
}

func (e *Entry) clone() Entry {
	c := *e
	if e.ClinicianID != nil {
		id := *e.ClinicianID
		c.ClinicianID = &id
	}
	if e.ClaimedAt != nil {
		at := *e.ClaimedAt
		c.ClaimedAt = &at
	}
	return c
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Urgency       triage.Urgency
	UnclaimedOnly bool
}

func (f Filter) matches(e *Entry) bool {
	if f.Urgency != "" && e.Urgency != f.Urgency {
		return false
	}
	if f.UnclaimedOnly && e.Claimed() {
		return false
	}
	return true
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

// Queue is safe for concurrent use. Each query id maps to one shard and all
// claim bookkeeping for that id happens under the shard lock.
type Queue struct {
	shards [shardCount]*shard
	seq    atomic.Uint64
	now    func() time.Time
}

func NewQueue() *Queue {
	q := &Queue{now: time.Now}
	for i := range q.shards {
		q.shards[i] = &shard{entries: make(map[uuid.UUID]*Entry)}
	}
	return q
}

func (q *Queue) shardFor(id uuid.UUID) *shard {
	// uuids are random, the last byte spreads well enough
	return q.shards[int(id[15])%shardCount]
}

// Add inserts or replaces the entry for e.QueryID and derives its priority
// from the urgency.
func (q *Queue) Add(e Entry) Entry {
	s := q.shardFor(e.QueryID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	e.Priority = e.Urgency.Priority()
	if existing, ok := s.entries[e.QueryID]; ok {
		e.seq = existing.seq
	} else {
		e.seq = q.seq.Add(1)
	}
	stored := e.clone()
	s.entries[e.QueryID] = &stored
	return stored.clone()
}

// Restore loads persisted entries in enqueue order.
func (q *Queue) Restore(entries []Entry) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EnqueuedAt.Before(sorted[j].EnqueuedAt)
	})
	for _, e := range sorted {
		q.Add(e)
	}
}

func (q *Queue) Get(id uuid.UUID) (Entry, bool) {
	s := q.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Claim assigns the entry to clinicianID if it is unclaimed. Claiming an
// entry the caller already holds succeeds without changes; fresh reports
// whether this call made the claim.
func (q *Queue) Claim(id uuid.UUID, clinicianID string) (entry Entry, fresh bool, err error) {
	s := q.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false, ErrEntryNotFound
	}
	if e.ClaimedBy(clinicianID) {
		return e.clone(), false, nil
	}
	if e.Claimed() {
		return e.clone(), false, ErrAlreadyClaimed
	}

	now := q.now()
	cid := clinicianID
	e.ClinicianID = &cid
	e.ClaimedAt = &now
	return e.clone(), true, nil
}

// Unclaim clears the claim held by clinicianID.
func (q *Queue) Unclaim(id uuid.UUID, clinicianID string) (Entry, error) {
	s := q.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	if !e.ClaimedBy(clinicianID) {
		return e.clone(), ErrNotClaimedByCaller
	}
	e.ClinicianID = nil
	e.ClaimedAt = nil
	return e.clone(), nil
}

// Remove deletes the entry and returns what was stored.
func (q *Queue) Remove(id uuid.UUID) (Entry, bool) {
	s := q.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(s.entries, id)
	return e.clone(), true
}

// List returns matching entries ordered by priority (highest first), then by
// enqueue time and arrival order.
func (q *Queue) List(f Filter) []Entry {
	var out []Entry
	for _, s := range q.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if f.matches(e) {
				out = append(out, e.clone())
			}
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (q *Queue) Len() int {
	n := 0
	for _, s := range q.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
