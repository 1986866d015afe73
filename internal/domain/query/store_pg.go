package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medquery/medquery/internal/platform/db"
	"github.com/medquery/medquery/internal/review"
	"github.com/medquery/medquery/internal/triage"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const queryCols = `id, patient_id, clinician_id, title, description, vitals, draft, draft_source,
	safety_score, urgency, final_response, rejection_reason, status, created_at, updated_at, completed_at`

func scanQuery(row pgx.Row) (*Query, error) {
	var q Query
	var vitals []byte
	var urgency *string
	err := row.Scan(&q.ID, &q.PatientID, &q.ClinicianID, &q.Title, &q.Description, &vitals,
		&q.Draft, &q.DraftSource, &q.SafetyScore, &urgency, &q.FinalResponse, &q.RejectionReason,
		&q.Status, &q.CreatedAt, &q.UpdatedAt, &q.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(vitals) > 0 {
		if err := json.Unmarshal(vitals, &q.Vitals); err != nil {
			return nil, fmt.Errorf("decode vitals: %w", err)
		}
	}
	if urgency != nil {
		u := triage.Urgency(*urgency)
		q.Urgency = &u
	}
	return &q, nil
}

func urgencyArg(u *triage.Urgency) *string {
	if u == nil {
		return nil
	}
	s := string(*u)
	return &s
}

func (r *storePG) Create(ctx context.Context, q *Query) error {
	vitals, err := json.Marshal(q.Vitals)
	if err != nil {
		return fmt.Errorf("encode vitals: %w", err)
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO query (id, patient_id, clinician_id, title, description, vitals, draft,
				draft_source, safety_score, urgency, final_response, rejection_reason, status,
				created_at, updated_at, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			q.ID, q.PatientID, q.ClinicianID, q.Title, q.Description, vitals, q.Draft,
			q.DraftSource, q.SafetyScore, urgencyArg(q.Urgency), q.FinalResponse, q.RejectionReason,
			q.Status, q.CreatedAt, q.UpdatedAt, q.CompletedAt)
		if err != nil {
			return fmt.Errorf("insert query: %w", err)
		}
		for _, t := range q.History {
			if err := r.insertTransition(ctx, q.ID, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *storePG) insertTransition(ctx context.Context, id uuid.UUID, t Transition) error {
	var from *string
	if t.From != "" {
		s := string(t.From)
		from = &s
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO query_transition (query_id, from_status, to_status, actor, at)
		VALUES ($1,$2,$3,$4,$5)`,
		id, from, t.To, t.Actor, t.At)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (r *storePG) Get(ctx context.Context, id uuid.UUID) (*Query, error) {
	q, err := scanQuery(r.conn(ctx).QueryRow(ctx, `SELECT `+queryCols+` FROM query WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	history, err := r.history(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	q.History = history[id]
	return q, nil
}

func (r *storePG) history(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]Transition, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT query_id, COALESCE(from_status, ''), to_status, actor, at
		FROM query_transition WHERE query_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]Transition, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var t Transition
		if err := rows.Scan(&id, &t.From, &t.To, &t.Actor, &t.At); err != nil {
			return nil, err
		}
		out[id] = append(out[id], t)
	}
	return out, rows.Err()
}

func (r *storePG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Query, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM query WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+queryCols+` FROM query WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Query
	var ids []uuid.UUID
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, q)
		ids = append(ids, q.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return items, total, nil
	}

	history, err := r.history(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, q := range items {
		q.History = history[q.ID]
	}
	return items, total, nil
}

func (r *storePG) SaveTransition(ctx context.Context, q *Query, t Transition, entry *review.Entry) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE query SET clinician_id=$3, draft=$4, draft_source=$5, safety_score=$6, urgency=$7,
				final_response=$8, rejection_reason=$9, status=$10, updated_at=$11, completed_at=$12
			WHERE id = $1 AND status = $2`,
			q.ID, t.From, q.ClinicianID, q.Draft, q.DraftSource, q.SafetyScore, urgencyArg(q.Urgency),
			q.FinalResponse, q.RejectionReason, q.Status, q.UpdatedAt, q.CompletedAt)
		if err != nil {
			return fmt.Errorf("update query: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM query WHERE id = $1)`, q.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrStaleStatus
		}

		if err := r.insertTransition(ctx, q.ID, t); err != nil {
			return err
		}

		if entry == nil {
			_, err = r.conn(ctx).Exec(ctx, `DELETE FROM review_entry WHERE query_id = $1`, q.ID)
			return err
		}
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO review_entry (query_id, patient_id, title, urgency, priority, safety_score,
				enqueued_at, clinician_id, claimed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (query_id) DO UPDATE SET urgency=EXCLUDED.urgency, priority=EXCLUDED.priority,
				safety_score=EXCLUDED.safety_score, clinician_id=EXCLUDED.clinician_id,
				claimed_at=EXCLUDED.claimed_at`,
			entry.QueryID, entry.PatientID, entry.Title, string(entry.Urgency), entry.Priority,
			entry.SafetyScore, entry.EnqueuedAt, entry.ClinicianID, entry.ClaimedAt)
		if err != nil {
			return fmt.Errorf("upsert review entry: %w", err)
		}
		return nil
	})
}

func (r *storePG) SubmissionsSince(ctx context.Context, since time.Time) (map[string][]time.Time, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT patient_id, created_at FROM query WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]time.Time)
	for rows.Next() {
		var patientID string
		var at time.Time
		if err := rows.Scan(&patientID, &at); err != nil {
			return nil, err
		}
		out[patientID] = append(out[patientID], at)
	}
	return out, rows.Err()
}

func (r *storePG) ListReviewEntries(ctx context.Context) ([]review.Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT query_id, patient_id, title, urgency, priority, safety_score, enqueued_at,
			clinician_id, claimed_at
		FROM review_entry ORDER BY enqueued_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []review.Entry
	for rows.Next() {
		var e review.Entry
		var urgency string
		if err := rows.Scan(&e.QueryID, &e.PatientID, &e.Title, &urgency, &e.Priority,
			&e.SafetyScore, &e.EnqueuedAt, &e.ClinicianID, &e.ClaimedAt); err != nil {
			return nil, err
		}
		e.Urgency = triage.Urgency(urgency)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *storePG) ListStalled(ctx context.Context, statuses []Status, before time.Time) ([]*Query, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+queryCols+` FROM query
		WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at`, names, before)
	if err != nil {
		return nil, fmt.Errorf("list stalled queries: %w", err)
	}
	defer rows.Close()

	var items []*Query
	var ids []uuid.UUID
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, q)
		ids = append(ids, q.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return items, nil
	}
	history, err := r.history(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, q := range items {
		q.History = history[q.ID]
	}
	return items, nil
}
