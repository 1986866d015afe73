package query

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medquery/medquery/internal/draft"
	"github.com/medquery/medquery/internal/platform/db"
)

// ProfileLookup supplies the clinical context sent with a question. A
// patient without a profile yields an empty context, not an error.
type ProfileLookup interface {
	Lookup(ctx context.Context, patientID string) (draft.PatientContext, error)
}

// StaticProfiles serves profiles from memory.
type StaticProfiles map[string]draft.PatientContext

func (p StaticProfiles) Lookup(_ context.Context, patientID string) (draft.PatientContext, error) {
	return p[patientID], nil
}

type profilesPG struct{ pool *pgxpool.Pool }

// NewProfilesPG reads the patient_profile table, which is maintained by the
// profile service.
func NewProfilesPG(pool *pgxpool.Pool) ProfileLookup {
	return &profilesPG{pool: pool}
}

func (p *profilesPG) Lookup(ctx context.Context, patientID string) (draft.PatientContext, error) {
	var pc draft.PatientContext
	var condition *string
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		SELECT condition, medications FROM patient_profile WHERE patient_id = $1`, patientID).
		Scan(&condition, &pc.Medications)
	if errors.Is(err, pgx.ErrNoRows) {
		return draft.PatientContext{}, nil
	}
	if err != nil {
		return draft.PatientContext{}, err
	}
	if condition != nil {
		pc.Condition = *condition
	}
	return pc, nil
}
