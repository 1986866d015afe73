package triage

import (
	"fmt"
	"strings"
)

// Urgency is the coarse triage bucket derived from a safety score.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// Priority orders review-queue entries; higher is more urgent.
func (u Urgency) Priority() int {
	switch u {
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 1
	}
	return 0
}

func (u Urgency) Valid() bool {
	return u.Priority() > 0
}

// ParseUrgency accepts the bucket name in any case.
func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(strings.ToUpper(strings.TrimSpace(s)))
	if !u.Valid() {
		return "", fmt.Errorf("unknown urgency %q", s)
	}
	return u, nil
}

// Classifier maps scores to urgency buckets: below HighBelow is HIGH, below
// LowFrom is MEDIUM, everything else is LOW.
type Classifier struct {
	HighBelow int
	LowFrom   int
}

var DefaultClassifier = Classifier{HighBelow: 40, LowFrom: 70}

func (c Classifier) Classify(score int) Urgency {
	switch {
	case score < c.HighBelow:
		return UrgencyHigh
	case score < c.LowFrom:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}
