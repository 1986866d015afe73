package hipaa

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medquery/medquery/internal/platform/db"
)

// SearchParams filters the audit trail. Zero fields match everything.
type SearchParams struct {
	QueryID    *uuid.UUID
	PatientRef string
	Actor      string
	Action     string
	Outcome    string
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

type SearchResult struct {
	Records []*Record `json:"records"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
}

// Searcher reads the trail back, newest first.
type Searcher interface {
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)
}

func applyDefaults(params *SearchParams) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
}

func matchRecord(rec *Record, params SearchParams) bool {
	if params.QueryID != nil && (rec.QueryID == nil || *rec.QueryID != *params.QueryID) {
		return false
	}
	if params.PatientRef != "" && rec.PatientRef != params.PatientRef {
		return false
	}
	if params.Actor != "" && rec.Actor != params.Actor {
		return false
	}
	if params.Action != "" && rec.Action != params.Action {
		return false
	}
	if params.Outcome != "" && rec.Outcome != params.Outcome {
		return false
	}
	if params.StartTime != nil && rec.RecordedAt.Before(*params.StartTime) {
		return false
	}
	if params.EndTime != nil && rec.RecordedAt.After(*params.EndTime) {
		return false
	}
	return true
}

// MemorySink keeps the trail in process for the in-memory store.
type MemorySink struct {
	mu      sync.RWMutex
	records []*Record
	nextID  int64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, rec *Record) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	stored := *rec
	s.records = append(s.records, &stored)
	return nil
}

func (s *MemorySink) Search(_ context.Context, params SearchParams) (*SearchResult, error) {
	applyDefaults(&params)

	s.mu.RLock()
	var matched []*Record
	for _, rec := range s.records {
		if matchRecord(rec, params) {
			cp := *rec
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].RecordedAt.Equal(matched[j].RecordedAt) {
			return matched[i].RecordedAt.After(matched[j].RecordedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.Limit
	if end > total {
		end = total
	}
	return &SearchResult{
		Records: matched[start:end],
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
	}, nil
}

// Len is the number of stored records.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *PGSink) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	applyDefaults(&params)

	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if params.QueryID != nil {
		add("query_id = $%d", *params.QueryID)
	}
	if params.PatientRef != "" {
		add("patient_ref = $%d", params.PatientRef)
	}
	if params.Actor != "" {
		add("actor = $%d", params.Actor)
	}
	if params.Action != "" {
		add("action = $%d", params.Action)
	}
	if params.Outcome != "" {
		add("outcome = $%d", params.Outcome)
	}
	if params.StartTime != nil {
		add("recorded_at >= $%d", *params.StartTime)
	}
	if params.EndTime != nil {
		add("recorded_at <= $%d", *params.EndTime)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	conn := db.Conn(ctx, s.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM query_audit`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("hipaa audit: count: %w", err)
	}

	args = append(args, params.Limit, params.Offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT id, query_id, patient_ref, actor, actor_role, action, from_status, to_status,
			outcome, detail, recorded_at
		FROM query_audit%s ORDER BY recorded_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: search: %w", err)
	}
	defer rows.Close()

	result := &SearchResult{Total: total, Limit: params.Limit, Offset: params.Offset}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.QueryID, &rec.PatientRef, &rec.Actor, &rec.ActorRole,
			&rec.Action, &rec.FromStatus, &rec.ToStatus, &rec.Outcome, &rec.Detail, &rec.RecordedAt); err != nil {
			return nil, err
		}
		result.Records = append(result.Records, &rec)
	}
	return result, rows.Err()
}

// SearchHandler exposes the trail to administrators. Callers filter by
// patient id; the handler hashes it before searching.
type SearchHandler struct {
	searcher Searcher
	pseudo   *Pseudonymizer
}

func NewSearchHandler(searcher Searcher, pseudo *Pseudonymizer) *SearchHandler {
	return &SearchHandler{searcher: searcher, pseudo: pseudo}
}

func (h *SearchHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit", h.HandleSearch)
	g.GET("/audit/export/csv", h.HandleExportCSV)
}

func (h *SearchHandler) parseSearchParams(c echo.Context) (SearchParams, error) {
	params := SearchParams{
		Actor:   c.QueryParam("actor"),
		Action:  c.QueryParam("action"),
		Outcome: c.QueryParam("outcome"),
	}
	if v := c.QueryParam("patient_id"); v != "" {
		params.PatientRef = h.pseudo.Ref(v)
	}
	if v := c.QueryParam("query_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return params, echo.NewHTTPError(http.StatusBadRequest, "invalid query_id")
		}
		params.QueryID = &id
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Offset = n
		}
	}
	for name, dst := range map[string]**time.Time{"start_time": &params.StartTime, "end_time": &params.EndTime} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return params, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
			*dst = &t
		}
	}
	return params, nil
}

// HandleSearch handles GET /audit.
func (h *SearchHandler) HandleSearch(c echo.Context) error {
	params, err := h.parseSearchParams(c)
	if err != nil {
		return err
	}
	result, err := h.searcher.Search(c.Request().Context(), params)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// HandleExportCSV handles GET /audit/export/csv.
func (h *SearchHandler) HandleExportCSV(c echo.Context) error {
	params, err := h.parseSearchParams(c)
	if err != nil {
		return err
	}
	result, err := h.searcher.Search(c.Request().Context(), params)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set("Content-Type", "text/csv")
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"audit_export_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)

	w := csv.NewWriter(c.Response())
	_ = w.Write([]string{"id", "recorded_at", "query_id", "patient_ref", "actor", "actor_role",
		"action", "from_status", "to_status", "outcome", "detail"})
	for _, rec := range result.Records {
		queryID := ""
		if rec.QueryID != nil {
			queryID = rec.QueryID.String()
		}
		_ = w.Write([]string{
			strconv.FormatInt(rec.ID, 10), rec.RecordedAt.Format(time.RFC3339), queryID,
			rec.PatientRef, rec.Actor, rec.ActorRole, rec.Action, rec.FromStatus, rec.ToStatus,
			rec.Outcome, rec.Detail,
		})
	}
	w.Flush()
	return w.Error()
}
