package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/medquery/medquery/internal/config"
	"github.com/medquery/medquery/internal/platform/auth"
	"github.com/medquery/medquery/internal/platform/db"
	"github.com/medquery/medquery/internal/triage"
)

const lowSugarBody = `{"title":"Low sugar","description":"I feel shaky and my glucose reads 60","vitals":{"blood_glucose":60}}`

// newModelServer answers every chat completion with text.
func newModelServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": text}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(modelURL string) *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		StoreDriver:           "memory",
		CORSOrigins:           []string{"http://localhost:3000"},
		RateLimitRPS:          100,
		RateLimitBurst:        200,
		ModelEndpoint:         modelURL,
		ModelName:             "test-model",
		ModelTimeout:          2 * time.Second,
		ModelMaxRetries:       0,
		ModelBackoffBase:      10 * time.Millisecond,
		SubmissionWindow:      time.Hour,
		SubmissionLimit:       10,
		UrgencyHighBelow:      40,
		UrgencyLowFrom:        70,
		ReviewScoreThreshold:  70,
		ReviewMediumFloor:     30,
		WSHeartbeatInterval:   time.Second,
		WSMaxMissedHeartbeats: 3,
		WSSendBuffer:          16,
		PipelineWorkers:       4,
		AuditHashKey:          "test-key",
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func serve(a *app, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func as(userID, role string) http.Header {
	h := http.Header{}
	h.Set("X-User-ID", userID)
	h.Set("X-User-Role", role)
	return h
}

func TestNewApp_SubmitThroughPipeline(t *testing.T) {
	srv := newModelServer(t, "Have some juice and recheck in 15 minutes.")
	a := newTestApp(t, testConfig(srv.URL))

	rec := serve(a, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy server, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(a, http.MethodPost, "/api/v1/queries", lowSugarBody, as("P1", auth.RolePatient))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id on the response")
	}
	var submitted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	a.svc.Wait()

	rec = serve(a, http.MethodGet, "/api/v1/queries/"+submitted.ID, "", as("dr-a", auth.RoleClinician))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Status string `json:"status"`
		Draft  string `json:"draft"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "queued_for_review" {
		t.Errorf("expected queued_for_review, got %s", got.Status)
	}
	if !strings.Contains(got.Draft, "juice") {
		t.Errorf("expected the model draft, got %q", got.Draft)
	}

	rec = serve(a, http.MethodGet, "/api/v1/review-queue", "", as("dr-a", auth.RoleClinician))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), submitted.ID) {
		t.Errorf("expected the query in the review queue, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewApp_AdminAuditSearch(t *testing.T) {
	srv := newModelServer(t, "Drink water.")
	a := newTestApp(t, testConfig(srv.URL))

	serve(a, http.MethodPost, "/api/v1/queries", lowSugarBody, as("P1", auth.RolePatient))
	a.svc.Wait()

	rec := serve(a, http.MethodGet, "/api/v1/admin/audit", "", as("P1", auth.RolePatient))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a patient, got %d", rec.Code)
	}

	rec = serve(a, http.MethodGet, "/api/v1/admin/audit?patient_id=P1", "", as("ops", auth.RoleAdmin))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Total == 0 {
		t.Error("expected audit records for the submission")
	}
	if strings.Contains(rec.Body.String(), `"P1"`) {
		t.Error("raw patient id leaked into the audit search")
	}
}

func TestNewApp_JWTOutsideDevelopment(t *testing.T) {
	srv := newModelServer(t, "Drink water.")
	cfg := testConfig(srv.URL)
	cfg.Env = "staging"
	cfg.AuthSigningKey = "signing-secret"
	a := newTestApp(t, cfg)

	rec := serve(a, http.MethodPost, "/api/v1/queries", lowSugarBody, as("P1", auth.RolePatient))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected identity headers to be ignored, got %d", rec.Code)
	}

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "P1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{auth.RolePatient},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.AuthSigningKey))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	rec = serve(a, http.MethodPost, "/api/v1/queries", lowSugarBody, h)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with a valid token, got %d: %s", rec.Code, rec.Body.String())
	}
	a.svc.Wait()
}

func TestNewApp_RedisBackedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := newModelServer(t, "Drink water.")
	cfg := testConfig(srv.URL)
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.SubmissionLimit = 1
	a := newTestApp(t, cfg)

	if a.submissions != nil {
		t.Error("expected the submission window to live in redis")
	}

	rec := serve(a, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"redis":"ok"`) {
		t.Errorf("expected redis health check, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(a, http.MethodPost, "/api/v1/queries", lowSugarBody, as("P1", auth.RolePatient))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = serve(a, http.MethodPost, "/api/v1/queries", lowSugarBody, as("P1", auth.RolePatient))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	a.svc.Wait()
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.RedisURL = "redis://127.0.0.1:1"
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected an error when redis is unreachable")
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	srv := newModelServer(t, "Drink water.")
	a := newTestApp(t, testConfig(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestDraftConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.ModelTimeout = 7 * time.Second
	cfg.ModelMaxRetries = 4
	cfg.ModelBackoffBase = 0

	dc := draftConfig(cfg)
	if dc.Timeout != 7*time.Second || dc.MaxRetries != 4 {
		t.Errorf("unexpected config %+v", dc)
	}
	if dc.BackoffBase <= 0 {
		t.Error("expected the default backoff when none is configured")
	}
}

func TestTriageEngine(t *testing.T) {
	cfg := testConfig("")
	cfg.UrgencyHighBelow = 30
	cfg.UrgencyLowFrom = 80
	cfg.ReviewScoreThreshold = 60
	cfg.ReviewMediumFloor = 20
	cfg.ScoringCumulativeCritical = true

	e := triageEngine(cfg)
	if e.Classifier.HighBelow != 30 || e.Classifier.LowFrom != 80 {
		t.Errorf("unexpected classifier %+v", e.Classifier)
	}
	if e.Router.ScoreThreshold != 60 || e.Router.MediumFloor != 20 {
		t.Errorf("unexpected router %+v", e.Router)
	}
	if !e.Scorer.CumulativeCritical {
		t.Error("expected cumulative critical scoring")
	}

	a := triageEngine(testConfig("")).Assess(
		"A fasting reading of 110 is a little above the usual range.",
		"Is 110 a good fasting number?",
		triage.Vitals{BloodGlucose: "110"},
	)
	if a.NeedsReview || a.Urgency != triage.UrgencyLow {
		t.Errorf("expected a benign answer to skip review, got %+v", a)
	}
}

func TestMigrationFiles_BuiltIn(t *testing.T) {
	got, err := db.NewMigrator(nil, migrationFiles(""), zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) == 0 || got[0].Name != "001_query_review.sql" {
		t.Fatalf("expected the built-in schema, got %+v", got)
	}
	if !strings.Contains(got[0].SQL, "review_entry") {
		t.Error("expected the review_entry table in the built-in schema")
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_query_review.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_profiles.sql", Applied: true, Modified: true, AppliedAt: &at},
		{Version: 3, Name: "003_audit.sql"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected header, rule and 3 rows, got %q", buf.String())
	}
	for i, want := range []string{"applied", "modified", "pending"} {
		if !strings.Contains(lines[i+2], want) {
			t.Errorf("row %d: expected %q in %q", i+1, want, lines[i+2])
		}
	}
	if !strings.Contains(lines[2], "2026-03-01 09:00:00") {
		t.Errorf("expected applied time in %q", lines[2])
	}
}
