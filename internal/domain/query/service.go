package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/medquery/medquery/internal/draft"
	"github.com/medquery/medquery/internal/platform/hipaa"
	"github.com/medquery/medquery/internal/platform/websocket"
	"github.com/medquery/medquery/internal/ratelimit"
	"github.com/medquery/medquery/internal/review"
	"github.com/medquery/medquery/internal/triage"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 4000

	// ActorSystem performs the automated pipeline steps.
	ActorSystem = "system"
	// ActorPatient stands in for the submitting patient in history and
	// audit records.
	ActorPatient = "patient"

	automatedNotice = "This answer was generated automatically and checked against safety rules. " +
		"Contact your care team if your symptoms change or get worse."
	rejectedMessage = "Your care team needs more information to answer this question. " +
		"Please submit a new question with more detail or contact your clinic."
)

// Drafter produces the automated draft answer.
type Drafter interface {
	RequestDraft(ctx context.Context, question string, pc draft.PatientContext) draft.Result
}

// Notifier pushes events to live connections. Publishing never fails from
// the caller's point of view.
type Notifier interface {
	Publish(ctx context.Context, event websocket.Event, topics ...string)
}

type Deps struct {
	Store    Store
	Queue    *review.Queue
	Limiter  ratelimit.Limiter
	Drafter  Drafter
	Engine   *triage.Engine
	Profiles ProfileLookup
	Audit    hipaa.Sink
	Pseudo   *hipaa.Pseudonymizer
	Notifier Notifier
	// Workers bounds concurrent pipeline runs.
	Workers int
	// PipelineAttempts and PipelineBackoff control how often a pipeline run
	// retries a failed step before leaving the query for ResumePipelines.
	PipelineAttempts int
	PipelineBackoff  time.Duration
	Logger           zerolog.Logger
}

type Service struct {
	store    Store
	queue    *review.Queue
	limiter  ratelimit.Limiter
	drafter  Drafter
	engine   *triage.Engine
	profiles ProfileLookup
	audit    hipaa.Sink
	pseudo   *hipaa.Pseudonymizer
	notifier Notifier
	logger   zerolog.Logger

	locks   stripedLock
	workers *semaphore.Weighted
	wg      sync.WaitGroup
	now     func() time.Time

	attempts int
	backoff  time.Duration

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func NewService(d Deps) *Service {
	if d.Workers <= 0 {
		d.Workers = 16
	}
	if d.PipelineAttempts <= 0 {
		d.PipelineAttempts = 3
	}
	if d.PipelineBackoff <= 0 {
		d.PipelineBackoff = 500 * time.Millisecond
	}
	if d.Queue == nil {
		d.Queue = review.NewQueue()
	}
	if d.Profiles == nil {
		d.Profiles = StaticProfiles{}
	}
	if d.Audit == nil {
		d.Audit = hipaa.NewLogSink(d.Logger)
	}
	if d.Pseudo == nil {
		d.Pseudo = hipaa.NewPseudonymizer("")
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	return &Service{
		store:    d.Store,
		queue:    d.Queue,
		limiter:  d.Limiter,
		drafter:  d.Drafter,
		engine:   d.Engine,
		profiles: d.Profiles,
		audit:    d.Audit,
		pseudo:   d.Pseudo,
		notifier: d.Notifier,
		logger:   d.Logger.With().Str("component", "query").Logger(),
		workers:  semaphore.NewWeighted(int64(d.Workers)),
		now:      func() time.Time { return time.Now().UTC() },
		attempts: d.PipelineAttempts,
		backoff:  d.PipelineBackoff,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, websocket.Event, ...string) {}

// stripedLock serializes clinician actions per query id without a global
// lock.
type stripedLock struct {
	mus [64]sync.Mutex
}

func (l *stripedLock) lock(id uuid.UUID) func() {
	mu := &l.mus[int(id[15])%len(l.mus)]
	mu.Lock()
	return mu.Unlock
}

func validateSubmit(req *SubmitRequest) error {
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)

	if strings.TrimSpace(req.PatientID) == "" {
		return &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if req.Title == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if utf8.RuneCountInString(req.Title) > MaxTitleLength {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("must be at most %d characters", MaxTitleLength)}
	}
	if req.Description == "" {
		return &ValidationError{Field: "description", Reason: "is required"}
	}
	if utf8.RuneCountInString(req.Description) > MaxDescriptionLength {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("must be at most %d characters", MaxDescriptionLength)}
	}
	if field, reason, ok := req.Vitals.Check(); !ok {
		return &ValidationError{Field: field, Reason: reason}
	}
	return nil
}

// Submit validates and throttles the request, records the query and hands
// it to the pipeline. It returns once the query is processing; drafting and
// triage continue in the background.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Query, error) {
	if err := validateSubmit(&req); err != nil {
		return nil, err
	}

	decision, err := s.limiter.Allow(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		s.record(ctx, &hipaa.Record{
			PatientRef: s.pseudo.Ref(req.PatientID),
			Actor:      ActorPatient,
			Action:     hipaa.ActionSubmit,
			Outcome:    hipaa.OutcomeDenied,
			Detail:     "rate limited",
		})
		return nil, &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	now := s.now()
	q := &Query{
		ID:          uuid.New(),
		PatientID:   req.PatientID,
		Title:       req.Title,
		Description: req.Description,
		Vitals:      req.Vitals,
		Status:      StatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
		History:     []Transition{{To: StatusSubmitted, Actor: ActorPatient, At: now}},
	}
	if err := s.store.Create(ctx, q); err != nil {
		s.refund(ctx, req.PatientID, decision)
		return nil, fmt.Errorf("create query: %w", err)
	}
	s.recordTransition(ctx, q, hipaa.ActionSubmit, ActorPatient, "", StatusSubmitted)

	if err := s.advance(ctx, q, StatusProcessing, ActorSystem, nil); err != nil {
		return nil, err
	}
	s.notifyState(ctx, q, "")

	s.startPipeline(q.Clone())

	return q.Clone(), nil
}

// refund gives the rate slot back when nothing was stored for it.
func (s *Service) refund(ctx context.Context, patientID string, d ratelimit.Decision) {
	r, ok := s.limiter.(ratelimit.Refunder)
	if !ok {
		return
	}
	if err := r.Refund(ctx, patientID, d); err != nil {
		s.logger.Warn().Err(err).Msg("rate slot refund failed")
	}
}

// Wait blocks until every pipeline run started so far has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// startPipeline runs q in the background unless this process already has
// a run for it. It reports whether a run was started.
func (s *Service) startPipeline(q *Query) bool {
	s.mu.Lock()
	if _, busy := s.inflight[q.ID]; busy {
		s.mu.Unlock()
		return false
	}
	s.inflight[q.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runPipeline(q)
	return true
}

// runPipeline is detached from the submitting request so a client
// disconnect never cancels a query. Failed steps are retried with
// exponential backoff; a query whose status moved on elsewhere is left
// alone.
func (s *Service) runPipeline(q *Query) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, q.ID)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.workers.Release(1)

	delay := s.backoff
	for attempt := 1; ; attempt++ {
		err := s.process(ctx, q)
		if err == nil {
			return
		}
		final := attempt >= s.attempts ||
			errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound)
		if final {
			s.logger.Error().Err(err).
				Str("query_id", q.ID.String()).
				Str("status", string(q.Status)).
				Int("attempts", attempt).
				Msg("pipeline failed")
			return
		}
		s.logger.Warn().Err(err).
			Str("query_id", q.ID.String()).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("pipeline step failed")
		time.Sleep(delay)
		delay *= 2
	}
}

// process drives q from wherever it stands (processing or ai_processed) to
// completed or queued_for_review. A draft already on q is reused.
func (s *Service) process(ctx context.Context, q *Query) error {
	if q.Status == StatusProcessing {
		if q.Draft == nil {
			s.requestDraft(ctx, q)
		}
		if err := s.advance(ctx, q, StatusAIProcessed, ActorSystem, nil); err != nil {
			return err
		}
	}
	if q.Status != StatusAIProcessed {
		return &TransitionError{From: q.Status, To: StatusAIProcessed}
	}

	var text string
	if q.Draft != nil {
		text = *q.Draft
	}
	a := s.engine.Assess(text, q.Description, q.Vitals)
	q.SafetyScore = &a.Score
	q.Urgency = &a.Urgency

	// Fallback text is a holding message, only a clinician can answer.
	fallback := q.DraftSource != nil && *q.DraftSource == draft.SourceFallback
	if !a.NeedsReview && !fallback {
		final := text + "\n\n" + automatedNotice
		q.FinalResponse = &final
		if err := s.advance(ctx, q, StatusCompleted, ActorSystem, nil); err != nil {
			return err
		}
		s.notifyState(ctx, q, "")
		return nil
	}

	entry := review.Entry{
		QueryID:     q.ID,
		PatientID:   q.PatientID,
		Title:       q.Title,
		Urgency:     a.Urgency,
		Priority:    a.Urgency.Priority(),
		SafetyScore: a.Score,
		EnqueuedAt:  s.now(),
	}
	if err := s.advance(ctx, q, StatusQueuedForReview, ActorSystem, &entry); err != nil {
		return err
	}
	stored := s.queue.Add(entry)
	s.notifyState(ctx, q, "Your question is waiting for clinician review.")
	s.notifyQueue(ctx, stored, websocket.QueueActionAdded)
	return nil
}

func (s *Service) requestDraft(ctx context.Context, q *Query) {
	pc, err := s.profiles.Lookup(ctx, q.PatientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("query_id", q.ID.String()).Msg("patient profile unavailable")
		pc = draft.PatientContext{}
	}
	pc.Vitals = q.Vitals

	question := q.Title + "\n\n" + q.Description
	res := s.drafter.RequestDraft(ctx, question, pc)
	source := res.Source()
	q.Draft = &res.Text
	q.DraftSource = &source

	s.logger.Info().
		Str("query_id", q.ID.String()).
		Str("outcome", string(res.Outcome)).
		Int("attempts", res.Attempts).
		Msg("draft ready")
}

// ResumePipelines picks up queries left mid-pipeline by a crash or by a run
// that gave up, provided they have not changed for olderThan. Submitted,
// processing and ai_processed queries are driven again; approved queries
// are completed. It returns how many queries it took on.
func (s *Service) ResumePipelines(ctx context.Context, olderThan time.Duration) (int, error) {
	stalled, err := s.store.ListStalled(ctx,
		[]Status{StatusSubmitted, StatusProcessing, StatusAIProcessed, StatusApproved},
		s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("list stalled queries: %w", err)
	}

	n := 0
	for _, q := range stalled {
		switch q.Status {
		case StatusApproved:
			if err := s.resumeApproved(ctx, q.ID); err != nil {
				s.logger.Error().Err(err).Str("query_id", q.ID.String()).Msg("resume approved query failed")
				continue
			}
		case StatusSubmitted:
			if err := s.advance(ctx, q, StatusProcessing, ActorSystem, nil); err != nil {
				s.logger.Error().Err(err).Str("query_id", q.ID.String()).Msg("resume submitted query failed")
				continue
			}
			s.notifyState(ctx, q, "")
			if !s.startPipeline(q) {
				continue
			}
		default:
			if !s.startPipeline(q) {
				continue
			}
		}
		n++
	}
	if n > 0 {
		s.logger.Info().Int("queries", n).Msg("resumed stalled queries")
	}
	return n, nil
}

// RunRecovery calls ResumePipelines every interval until ctx is done.
func (s *Service) RunRecovery(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ResumePipelines(ctx, olderThan); err != nil {
				s.logger.Error().Err(err).Msg("pipeline recovery failed")
			}
		}
	}
}

// advance applies a transition, persists it and writes the audit record.
// q is left in its new state only when the store accepted the change.
func (s *Service) advance(ctx context.Context, q *Query, to Status, actor string, entry *review.Entry) error {
	next := q.Clone()
	t, err := next.transition(to, actor, s.now())
	if err != nil {
		return err
	}
	if err := s.store.SaveTransition(ctx, next, t, entry); err != nil {
		return fmt.Errorf("save %s -> %s: %w", t.From, t.To, err)
	}
	*q = *next
	s.recordTransition(ctx, q, hipaa.ActionTransition, actor, t.From, t.To)
	return nil
}

// Claim moves a queued query into review for clinicianID. Re-claiming a
// query the clinician already holds succeeds without changes.
func (s *Service) Claim(ctx context.Context, id uuid.UUID, clinicianID string) (*Query, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	q, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case q.Status == StatusInReview && q.ClaimedBy(clinicianID):
		return q, nil
	case q.Status == StatusInReview:
		s.recordDenied(ctx, q, hipaa.ActionClaim, clinicianID, "already claimed")
		return nil, ErrAlreadyClaimed
	case q.Status != StatusQueuedForReview:
		// Finished on another instance.
		s.queue.Remove(id)
		return nil, &TransitionError{From: q.Status, To: StatusInReview}
	}

	// The stored status is authoritative: a local claim on a queued query was
	// released elsewhere.
	if e, ok := s.queue.Get(id); ok && e.Claimed() {
		e.ClinicianID, e.ClaimedAt = nil, nil
		s.queue.Add(e)
	}
	entry, fresh, err := s.queue.Claim(id, clinicianID)
	if errors.Is(err, review.ErrEntryNotFound) {
		// Enqueued by another instance.
		s.queue.Add(entryFromQuery(q, s.now()))
		entry, fresh, err = s.queue.Claim(id, clinicianID)
	}
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			s.recordDenied(ctx, q, hipaa.ActionClaim, clinicianID, "already claimed")
		}
		return nil, err
	}

	q.ClinicianID = &clinicianID
	if err := s.advance(ctx, q, StatusInReview, clinicianID, &entry); err != nil {
		if fresh {
			_, _ = s.queue.Unclaim(id, clinicianID)
		}
		if errors.Is(err, ErrStaleStatus) {
			return nil, ErrAlreadyClaimed
		}
		return nil, err
	}

	s.record(ctx, s.actionRecord(q, hipaa.ActionClaim, clinicianID))
	s.logger.Info().Str("query_id", id.String()).Str("clinician_id", clinicianID).Msg("query claimed")
	s.notifyState(ctx, q, "A clinician is reviewing your question.")
	s.notifyQueue(ctx, entry, websocket.QueueActionClaimed)
	return q, nil
}

// loadClaimed returns the query and a nil error if clinicianID currently
// holds it. The query is also returned alongside ErrNotClaimedByCaller.
func (s *Service) loadClaimed(ctx context.Context, id uuid.UUID, clinicianID string, to Status) (*Query, error) {
	q, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch q.Status {
	case StatusInReview:
		if !q.ClaimedBy(clinicianID) {
			return q, ErrNotClaimedByCaller
		}
		return q, nil
	case StatusQueuedForReview:
		return q, ErrNotClaimedByCaller
	case StatusApproved:
		// approved but not yet completed; the approver may finish it
		if to == StatusApproved && q.ClaimedBy(clinicianID) {
			return q, nil
		}
		return nil, &TransitionError{From: q.Status, To: to}
	default:
		return nil, &TransitionError{From: q.Status, To: to}
	}
}

// Approve signs off the query with finalText and delivers it to the
// patient.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, clinicianID, finalText string) (*Query, error) {
	finalText = strings.TrimSpace(finalText)
	if finalText == "" {
		return nil, &ValidationError{Field: "final_response", Reason: "is required"}
	}

	unlock := s.locks.lock(id)
	defer unlock()

	q, err := s.loadClaimed(ctx, id, clinicianID, StatusApproved)
	if err != nil {
		if errors.Is(err, ErrNotClaimedByCaller) {
			s.recordDenied(ctx, q, hipaa.ActionApprove, clinicianID, "not claimed by caller")
		}
		return nil, err
	}

	// A query already approved keeps the signed-off text.
	if q.Status == StatusInReview {
		q.FinalResponse = &finalText
		if err := s.advance(ctx, q, StatusApproved, clinicianID, nil); err != nil {
			return nil, err
		}
	}
	if err := s.complete(ctx, q, clinicianID); err != nil {
		return nil, err
	}
	s.record(ctx, s.actionRecord(q, hipaa.ActionApprove, clinicianID))
	return q, nil
}

// complete delivers an approved query and drops its queue entry.
func (s *Service) complete(ctx context.Context, q *Query, actor string) error {
	if err := s.advance(ctx, q, StatusCompleted, actor, nil); err != nil {
		s.logger.Error().Err(err).Str("query_id", q.ID.String()).Msg("approved query not completed")
		return err
	}
	entry, _ := s.queue.Remove(q.ID)
	s.notifyState(ctx, q, "")
	s.notifyQueue(ctx, removedEntry(entry, q), websocket.QueueActionRemoved)
	return nil
}

func (s *Service) resumeApproved(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.lock(id)
	defer unlock()

	q, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if q.Status != StatusApproved {
		return nil
	}
	return s.complete(ctx, q, ActorSystem)
}

// Reject closes the query without an answer and asks the patient for more
// information.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, clinicianID, reason string) (*Query, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "is required"}
	}

	unlock := s.locks.lock(id)
	defer unlock()

	q, err := s.loadClaimed(ctx, id, clinicianID, StatusRejected)
	if err != nil {
		if errors.Is(err, ErrNotClaimedByCaller) {
			s.recordDenied(ctx, q, hipaa.ActionReject, clinicianID, "not claimed by caller")
		}
		return nil, err
	}

	q.RejectionReason = &reason
	if err := s.advance(ctx, q, StatusRejected, clinicianID, nil); err != nil {
		return nil, err
	}
	s.record(ctx, s.actionRecord(q, hipaa.ActionReject, clinicianID))

	entry, _ := s.queue.Remove(id)
	s.notifyState(ctx, q, rejectedMessage)
	s.notifyQueue(ctx, removedEntry(entry, q), websocket.QueueActionRemoved)
	return q, nil
}

// Release hands a claimed query back to the queue for any clinician.
func (s *Service) Release(ctx context.Context, id uuid.UUID, clinicianID string) (*Query, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	q, err := s.loadClaimed(ctx, id, clinicianID, StatusQueuedForReview)
	if err != nil {
		if errors.Is(err, ErrNotClaimedByCaller) {
			s.recordDenied(ctx, q, hipaa.ActionRelease, clinicianID, "not claimed by caller")
		}
		return nil, err
	}

	// The store says the caller holds the claim, so a missing or differently
	// claimed local entry was changed on another instance.
	entry, err := s.queue.Unclaim(id, clinicianID)
	if err != nil {
		local, ok := s.queue.Get(id)
		if !ok {
			local = entryFromQuery(q, s.now())
		}
		local.ClinicianID, local.ClaimedAt = nil, nil
		entry = s.queue.Add(local)
	}

	q.ClinicianID = nil
	if err := s.advance(ctx, q, StatusQueuedForReview, clinicianID, &entry); err != nil {
		_, _, _ = s.queue.Claim(id, clinicianID)
		return nil, err
	}
	s.record(ctx, s.actionRecord(q, hipaa.ActionRelease, clinicianID))

	s.notifyState(ctx, q, "Your question is waiting for clinician review.")
	s.notifyQueue(ctx, entry, websocket.QueueActionReleased)
	return q, nil
}

func entryFromQuery(q *Query, now time.Time) review.Entry {
	e := review.Entry{
		QueryID:     q.ID,
		PatientID:   q.PatientID,
		Title:       q.Title,
		EnqueuedAt:  q.UpdatedAt,
		ClinicianID: cloneString(q.ClinicianID),
	}
	if q.Urgency != nil {
		e.Urgency = *q.Urgency
		e.Priority = q.Urgency.Priority()
	}
	if q.SafetyScore != nil {
		e.SafetyScore = *q.SafetyScore
	}
	if e.ClinicianID != nil {
		e.ClaimedAt = &now
	}
	return e
}

func removedEntry(e review.Entry, q *Query) review.Entry {
	if e.QueryID == uuid.Nil {
		return entryFromQuery(q, q.UpdatedAt)
	}
	return e
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Query, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Query, int, error) {
	return s.store.ListByPatient(ctx, patientID, limit, offset)
}

// ListQueue reads the review queue from the store so every instance sees
// claims and removals made by the others.
func (s *Service) ListQueue(ctx context.Context, f review.Filter) ([]review.Entry, error) {
	entries, err := s.store.ListReviewEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load review entries: %w", err)
	}
	view := review.NewQueue()
	view.Restore(entries)
	return view.List(f), nil
}

// Snapshot returns what a live-channel subscriber should see after a
// resync: patients get their own queries, clinicians the review queue.
func (s *Service) Snapshot(ctx context.Context, sub websocket.Subscriber) (interface{}, error) {
	snap := Snapshot{Queries: []*Query{}, Queue: []review.Entry{}}
	if sub.IsClinician() {
		entries, err := s.ListQueue(ctx, review.Filter{})
		if err != nil {
			return nil, err
		}
		snap.Queue = append(snap.Queue, entries...)
		return snap, nil
	}
	items, _, err := s.store.ListByPatient(ctx, sub.UserID, 100, 0)
	if err != nil {
		return nil, err
	}
	for _, q := range items {
		snap.Queries = append(snap.Queries, q.PatientView())
	}
	return snap, nil
}

// RestoreQueue reloads persisted review entries into the in-memory queue.
func (s *Service) RestoreQueue(ctx context.Context) (int, error) {
	entries, err := s.store.ListReviewEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load review entries: %w", err)
	}
	s.queue.Restore(entries)
	return len(entries), nil
}

// WarmRateWindows rebuilds in-process rate windows from recent submissions.
// Limiters that keep state elsewhere are left alone.
func (s *Service) WarmRateWindows(ctx context.Context, window time.Duration) (int, error) {
	seeder, ok := s.limiter.(ratelimit.Seeder)
	if !ok {
		return 0, nil
	}
	byPatient, err := s.store.SubmissionsSince(ctx, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("load recent submissions: %w", err)
	}
	for patientID, stamps := range byPatient {
		if err := seeder.Seed(ctx, patientID, stamps); err != nil {
			return 0, fmt.Errorf("seed %s: %w", patientID, err)
		}
	}
	return len(byPatient), nil
}

func (s *Service) notifyState(ctx context.Context, q *Query, message string) {
	payload := websocket.QueryStateChanged{
		QueryID:     q.ID.String(),
		Status:      string(q.Status),
		SafetyScore: q.SafetyScore,
		Message:     message,
	}
	if q.Urgency != nil {
		payload.Urgency = string(*q.Urgency)
	}
	if q.Status == StatusCompleted {
		payload.FinalResponse = q.FinalResponse
	}
	ev, err := websocket.NewEvent(websocket.EventQueryStateChanged, payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build state event")
		return
	}
	topics := []string{websocket.PatientTopic(q.PatientID)}
	if q.ClinicianID != nil {
		topics = append(topics, websocket.ClinicianTopic(*q.ClinicianID))
	}
	s.notifier.Publish(ctx, ev, topics...)
}

func (s *Service) notifyQueue(ctx context.Context, e review.Entry, action string) {
	ev, err := websocket.NewEvent(websocket.EventReviewQueueUpdated, websocket.ReviewQueueUpdated{
		QueryID:     e.QueryID.String(),
		Priority:    e.Priority,
		Urgency:     string(e.Urgency),
		Action:      action,
		ClinicianID: e.ClinicianID,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build queue event")
		return
	}
	s.notifier.Publish(ctx, ev, websocket.ReviewQueueTopic)
}

func (s *Service) actionRecord(q *Query, action, actor string) *hipaa.Record {
	id := q.ID
	return &hipaa.Record{
		QueryID:    &id,
		PatientRef: s.pseudo.Ref(q.PatientID),
		Actor:      actor,
		ActorRole:  "clinician",
		Action:     action,
		ToStatus:   string(q.Status),
		Outcome:    hipaa.OutcomeSuccess,
	}
}

func (s *Service) recordTransition(ctx context.Context, q *Query, action, actor string, from, to Status) {
	id := q.ID
	s.record(ctx, &hipaa.Record{
		QueryID:    &id,
		PatientRef: s.pseudo.Ref(q.PatientID),
		Actor:      actor,
		Action:     action,
		FromStatus: string(from),
		ToStatus:   string(to),
		Outcome:    hipaa.OutcomeSuccess,
	})
}

func (s *Service) recordDenied(ctx context.Context, q *Query, action, actor, detail string) {
	if q == nil {
		return
	}
	rec := s.actionRecord(q, action, actor)
	rec.ToStatus = ""
	rec.Outcome = hipaa.OutcomeDenied
	rec.Detail = detail
	s.record(ctx, rec)
}

// record never fails the caller; audit problems are logged.
func (s *Service) record(ctx context.Context, rec *hipaa.Record) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	if err := s.audit.Append(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("action", rec.Action).Msg("audit append failed")
	}
}
