// Package hipaa keeps the audit trail of every query state change and
// clinician action. Patient identifiers never enter the trail in clear; a
// keyed hash stands in for them.
package hipaa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medquery/medquery/internal/platform/db"
)

// Audited actions.
const (
	ActionSubmit     = "query.submit"
	ActionTransition = "query.transition"
	ActionClaim      = "review.claim"
	ActionApprove    = "review.approve"
	ActionReject     = "review.reject"
	ActionRelease    = "review.release"
)

const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Record is one audit trail entry.
type Record struct {
	ID         int64      `json:"id,omitempty"`
	QueryID    *uuid.UUID `json:"query_id,omitempty"`
	PatientRef string     `json:"patient_ref"`
	Actor      string     `json:"actor"`
	ActorRole  string     `json:"actor_role,omitempty"`
	Action     string     `json:"action"`
	FromStatus string     `json:"from_status,omitempty"`
	ToStatus   string     `json:"to_status,omitempty"`
	Outcome    string     `json:"outcome"`
	Detail     string     `json:"detail,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Sink appends audit records.
type Sink interface {
	Append(ctx context.Context, rec *Record) error
}

// Pseudonymizer derives stable patient references with HMAC-SHA256 so the
// trail can be correlated per patient without revealing who the patient is.
type Pseudonymizer struct {
	key []byte
}

func NewPseudonymizer(key string) *Pseudonymizer {
	return &Pseudonymizer{key: []byte(key)}
}

func (p *Pseudonymizer) Ref(patientID string) string {
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(patientID))
	return hex.EncodeToString(mac.Sum(nil))
}

// PGSink writes to the query_audit table.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// Append joins the caller's transaction when there is one.
func (s *PGSink) Append(ctx context.Context, rec *Record) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO query_audit (
			query_id, patient_ref, actor, actor_role, action,
			from_status, to_status, outcome, detail, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id`

	err := db.Conn(ctx, s.pool).QueryRow(ctx, query,
		rec.QueryID, rec.PatientRef, rec.Actor, rec.ActorRole, rec.Action,
		rec.FromStatus, rec.ToStatus, rec.Outcome, rec.Detail, rec.RecordedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert: %w", err)
	}
	return nil
}

// MultiSink appends to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes records to a structured log stream.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Append(_ context.Context, rec *Record) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	ev := s.logger.Info().
		Str("patient_ref", rec.PatientRef).
		Str("actor", rec.Actor).
		Str("action", rec.Action).
		Str("outcome", rec.Outcome).
		Time("recorded_at", rec.RecordedAt)
	if rec.QueryID != nil {
		ev = ev.Str("query_id", rec.QueryID.String())
	}
	if rec.ToStatus != "" {
		ev = ev.Str("from_status", rec.FromStatus).Str("to_status", rec.ToStatus)
	}
	ev.Msg("audit")
	return nil
}
