// Package draft obtains a model-written answer for a patient question. A
// draft is always produced: when the model cannot be reached the caller gets
// a deterministic fallback instead of an error.
package draft

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medquery/medquery/internal/triage"
)

// Outcome describes how a draft was obtained.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeSuccessAfterRetry Outcome = "success_after_retry"
	OutcomeFallback          Outcome = "fallback"
)

// Result is the typed result of RequestDraft.
type Result struct {
	Text     string
	Outcome  Outcome
	Attempts int
	// Err is the last model error when Outcome is fallback.
	Err error
}

// Draft sources recorded on a query.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Source reports where the text came from.
func (r Result) Source() string {
	if r.Outcome == OutcomeFallback {
		return SourceFallback
	}
	return SourceModel
}

// PatientContext is the clinical summary included with the question.
type PatientContext struct {
	Condition   string
	Medications []string
	Vitals      triage.Vitals
}

// Completer performs one model call.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type Config struct {
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	MaxRetryAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:       20 * time.Second,
		MaxRetries:    2,
		BackoffBase:   500 * time.Millisecond,
		MaxRetryAfter: 10 * time.Second,
	}
}

type Requester struct {
	model  Completer
	cfg    Config
	logger zerolog.Logger
}

func NewRequester(model Completer, cfg Config, logger zerolog.Logger) *Requester {
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = 10 * time.Second
	}
	return &Requester{
		model:  model,
		cfg:    cfg,
		logger: logger.With().Str("component", "draft").Logger(),
	}
}

const systemPrompt = "You are a careful medical assistant drafting a reply to a patient question. " +
	"A licensed clinician may review your reply before the patient sees it. " +
	"Be concise, avoid definitive diagnoses, and recommend contacting the care team when appropriate."

// RequestDraft asks the model for a draft, retrying transient failures with
// exponential backoff, and falls back to canned text when that fails.
func (r *Requester) RequestDraft(ctx context.Context, question string, pc PatientContext) Result {
	user := buildPrompt(question, pc)
	backoff := r.cfg.BackoffBase

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		attempts++

		text, err := r.attempt(ctx, user)
		if err == nil {
			outcome := OutcomeSuccess
			if attempt > 0 {
				outcome = OutcomeSuccessAfterRetry
			}
			return Result{Text: text, Outcome: outcome, Attempts: attempts}
		}
		lastErr = err

		if !isRetryable(ctx, err) || attempt == r.cfg.MaxRetries {
			break
		}

		sleepFor := backoff
		var ra interface{ RetryAfter() time.Duration }
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			sleepFor = ra.RetryAfter()
		}
		if sleepFor > r.cfg.MaxRetryAfter {
			sleepFor = r.cfg.MaxRetryAfter
		}

		r.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", r.cfg.MaxRetries).
			Dur("sleep", sleepFor).
			Msg("model request retrying")

		if !sleep(ctx, sleepFor) {
			lastErr = ctx.Err()
			break
		}
		backoff *= 2
	}

	r.logger.Error().
		Err(lastErr).
		Int("attempts", attempts).
		Msg("model unavailable, using fallback draft")

	return Result{
		Text:     Fallback(pc.Vitals),
		Outcome:  OutcomeFallback,
		Attempts: attempts,
		Err:      lastErr,
	}
}

func (r *Requester) attempt(ctx context.Context, user string) (string, error) {
	actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.model.Complete(actx, systemPrompt, user)
}

// isRetryable treats attempt timeouts, transport failures and 408/429/5xx
// responses as transient. A cancelled parent context is never retried.
func isRetryable(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	if errors.Is(err, ErrEmptyCompletion) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc interface{ HTTPStatusCode() int }
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		return code == 408 || code == 429 || (code >= 500 && code <= 599)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildPrompt(question string, pc PatientContext) string {
	var b strings.Builder
	condition := strings.TrimSpace(pc.Condition)
	if condition == "" {
		condition = "not recorded"
	}
	b.WriteString("Patient condition: ")
	b.WriteString(condition)
	b.WriteString("\nCurrent medications: ")
	if len(pc.Medications) == 0 {
		b.WriteString("none recorded")
	} else {
		b.WriteString(strings.Join(pc.Medications, ", "))
	}
	b.WriteString("\nVitals: ")
	b.WriteString(pc.Vitals.Summary())
	b.WriteString("\n\nQuestion: ")
	b.WriteString(strings.TrimSpace(question))
	return b.String()
}
