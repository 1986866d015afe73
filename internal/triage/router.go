package triage

// Router decides whether a scored draft needs clinician sign-off before it
// can reach the patient.
type Router struct {
	ScoreThreshold int
	MediumFloor    int
}

var DefaultRouter = Router{ScoreThreshold: 70, MediumFloor: 30}

// NeedsReview is true for any score under the threshold, for HIGH urgency,
// and for MEDIUM urgency at or above the medium floor.
func (r Router) NeedsReview(score int, urgency Urgency) bool {
	if score < r.ScoreThreshold {
		return true
	}
	if urgency == UrgencyHigh {
		return true
	}
	return urgency == UrgencyMedium && score >= r.MediumFloor
}

// Assessment bundles the outcome of a full triage pass.
type Assessment struct {
	Score       int
	Urgency     Urgency
	NeedsReview bool
}

// Engine runs scorer, classifier and router in sequence.
type Engine struct {
	Scorer     *Scorer
	Classifier Classifier
	Router     Router
}

func NewEngine(s *Scorer, c Classifier, r Router) *Engine {
	return &Engine{Scorer: s, Classifier: c, Router: r}
}

func (e *Engine) Assess(draft, description string, vitals Vitals) Assessment {
	score := e.Scorer.ScoreQuery(draft, description, vitals)
	urgency := e.Classifier.Classify(score)
	return Assessment{
		Score:       score,
		Urgency:     urgency,
		NeedsReview: e.Router.NeedsReview(score, urgency),
	}
}
