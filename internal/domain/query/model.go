// Package query owns the lifecycle of a patient question: submission,
// automated drafting and triage, clinician review and final delivery.
package query

import (
	"time"

	"github.com/google/uuid"

	"github.com/medquery/medquery/internal/review"
	"github.com/medquery/medquery/internal/triage"
)

type Status string

const (
	StatusSubmitted       Status = "submitted"
	StatusProcessing      Status = "processing"
	StatusAIProcessed     Status = "ai_processed"
	StatusQueuedForReview Status = "queued_for_review"
	StatusInReview        Status = "in_review"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusCompleted       Status = "completed"
)

var transitions = map[Status][]Status{
	StatusSubmitted:       {StatusProcessing},
	StatusProcessing:      {StatusAIProcessed},
	StatusAIProcessed:     {StatusCompleted, StatusQueuedForReview},
	StatusQueuedForReview: {StatusInReview},
	StatusInReview:        {StatusQueuedForReview, StatusApproved, StatusRejected},
	StatusApproved:        {StatusCompleted},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// InReviewState reports whether a review-queue entry exists for the status.
func (s Status) InReviewState() bool {
	return s == StatusQueuedForReview || s == StatusInReview
}

func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusProcessing, StatusAIProcessed, StatusQueuedForReview,
		StatusInReview, StatusApproved, StatusRejected, StatusCompleted:
		return true
	}
	return false
}

// Transition is one entry of a query's append-only history. From is empty
// for the initial submitted entry.
type Transition struct {
	From  Status    `db:"from_status" json:"from,omitempty"`
	To    Status    `db:"to_status" json:"to"`
	Actor string    `db:"actor" json:"actor"`
	At    time.Time `db:"at" json:"at"`
}

type Query struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PatientID       string          `db:"patient_id" json:"patient_id"`
	ClinicianID     *string         `db:"clinician_id" json:"clinician_id,omitempty"`
	Title           string          `db:"title" json:"title"`
	Description     string          `db:"description" json:"description"`
	Vitals          triage.Vitals   `db:"vitals" json:"vitals"`
	Draft           *string         `db:"draft" json:"draft,omitempty"`
	DraftSource     *string         `db:"draft_source" json:"draft_source,omitempty"`
	SafetyScore     *int            `db:"safety_score" json:"safety_score,omitempty"`
	Urgency         *triage.Urgency `db:"urgency" json:"urgency,omitempty"`
	FinalResponse   *string         `db:"final_response" json:"final_response,omitempty"`
	RejectionReason *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	Status          Status          `db:"status" json:"status"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	History         []Transition    `json:"history"`
}

// transition moves q to status to and appends the history entry. It leaves
// q untouched when the move is not allowed.
func (q *Query) transition(to Status, actor string, at time.Time) (Transition, error) {
	if !q.Status.CanTransitionTo(to) {
		return Transition{}, &TransitionError{From: q.Status, To: to}
	}
	t := Transition{From: q.Status, To: to, Actor: actor, At: at}
	q.Status = to
	q.UpdatedAt = at
	q.History = append(q.History, t)
	if to == StatusCompleted {
		completed := at
		q.CompletedAt = &completed
	}
	return t, nil
}

func (q *Query) ClaimedBy(clinicianID string) bool {
	return q.ClinicianID != nil && *q.ClinicianID == clinicianID
}

// Clone returns a deep copy.
func (q *Query) Clone() *Query {
	c := *q
	c.ClinicianID = cloneString(q.ClinicianID)
	c.Draft = cloneString(q.Draft)
	c.DraftSource = cloneString(q.DraftSource)
	c.FinalResponse = cloneString(q.FinalResponse)
	c.RejectionReason = cloneString(q.RejectionReason)
	if q.SafetyScore != nil {
		v := *q.SafetyScore
		c.SafetyScore = &v
	}
	if q.Urgency != nil {
		v := *q.Urgency
		c.Urgency = &v
	}
	if q.CompletedAt != nil {
		v := *q.CompletedAt
		c.CompletedAt = &v
	}
	c.History = append([]Transition(nil), q.History...)
	return &c
}

// PatientView hides the unreviewed model draft.
func (q *Query) PatientView() *Query {
	c := q.Clone()
	c.Draft = nil
	c.DraftSource = nil
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// SubmitRequest is the patient-supplied part of a new query.
type SubmitRequest struct {
	PatientID   string        `json:"-"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Vitals      triage.Vitals `json:"vitals"`
}

// Snapshot is the state returned on a live-channel resync.
type Snapshot struct {
	Queries []*Query       `json:"queries"`
	Queue   []review.Entry `json:"queue"`
}
