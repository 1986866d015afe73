package triage

import (
	"encoding/json"
	"testing"
)

func TestScore_Table(t *testing.T) {
	s := NewScorer(false)
	tests := []struct {
		name   string
		draft  string
		vitals Vitals
		want   int
	}{
		{"benign", "Keep monitoring and stay hydrated.", Vitals{}, 100},
		{"normal glucose", "Looks fine.", Vitals{BloodGlucose: "110"}, 100},
		{"severe hypo", "ok", Vitals{BloodGlucose: "53"}, 50},
		{"hypo lower edge", "ok", Vitals{BloodGlucose: "54"}, 70},
		{"hypo upper edge", "ok", Vitals{BloodGlucose: "69"}, 70},
		{"seventy is normal", "ok", Vitals{BloodGlucose: "70"}, 100},
		{"hyper lower edge", "ok", Vitals{BloodGlucose: "250"}, 75},
		{"hyper upper edge", "ok", Vitals{BloodGlucose: "400"}, 75},
		{"severe hyper", "ok", Vitals{BloodGlucose: "401"}, 55},
		{"formatted glucose", "ok", Vitals{BloodGlucose: "60 mg/dL"}, 70},
		{"unparseable glucose", "ok", Vitals{BloodGlucose: "high"}, 100},
		{"chest pain", "If the chest pain persists call emergency services.", Vitals{}, 40},
		{"two critical categories once", "Chest pain and shortness of breath need care.", Vitals{}, 40},
		{"stop medication", "You could stop taking metformin.", Vitals{}, 60},
		{"pregnancy", "During pregnancy this changes.", Vitals{}, 70},
		{"clamped at zero", "Seizure. Stop taking insulin while pregnant.", Vitals{BloodGlucose: "40"}, 0},
		{"curly apostrophe", "If you can’t breathe call 911.", Vitals{}, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Score(tt.draft, tt.vitals); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScore_CumulativeCritical(t *testing.T) {
	s := NewScorer(true)
	if got := s.Score("chest pain with a seizure", Vitals{}); got != 0 {
		t.Errorf("expected two categories to deduct 120 and clamp to 0, got %d", got)
	}
	if got := s.Score("chest pain and chest tightness", Vitals{}); got != 40 {
		t.Errorf("expected one category to deduct once, got %d", got)
	}
}

func TestScore_DeterministicAndBounded(t *testing.T) {
	s := NewScorer(false)
	drafts := []string{"", "chest pain", "discontinue pregnancy seizure unresponsive", "all good"}
	glucose := []Reading{"", "10", "54", "69", "250", "999", "abc"}
	for _, d := range drafts {
		for _, g := range glucose {
			v := Vitals{BloodGlucose: g}
			first := s.Score(d, v)
			if first < 0 || first > 100 {
				t.Fatalf("score out of range: %d", first)
			}
			for i := 0; i < 3; i++ {
				if again := s.Score(d, v); again != first {
					t.Fatalf("non-deterministic score for %q/%q: %d vs %d", d, g, first, again)
				}
			}
		}
	}
}

func TestScoreQuery_Description(t *testing.T) {
	s := NewScorer(false)

	got := s.ScoreQuery("Eat some fast-acting carbohydrate.", "I feel shaky and my glucose reads 60", Vitals{BloodGlucose: "60"})
	if got != 60 {
		t.Errorf("expected hypo and warning symptom to give 60, got %d", got)
	}

	got = s.ScoreQuery("Rest.", "I have chest pain", Vitals{})
	if got != 40 {
		t.Errorf("expected critical phrase in description to deduct 60, got %d", got)
	}

	got = s.ScoreQuery("Chest pain needs attention.", "I have chest pain", Vitals{})
	if got != 40 {
		t.Errorf("expected critical deduction once across draft and description, got %d", got)
	}

	got = s.ScoreQuery("Rest.", "Routine question about diet", Vitals{BloodGlucose: "110"})
	if got != 100 {
		t.Errorf("expected benign query to score 100, got %d", got)
	}
}

func TestReading_UnmarshalJSON(t *testing.T) {
	var v Vitals
	body := `{"blood_glucose": 60, "blood_pressure": "120/80", "heart_rate": null, "temperature": "98.6F"}`
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.BloodGlucose != "60" {
		t.Errorf("expected glucose 60, got %q", v.BloodGlucose)
	}
	if v.HeartRate != "" {
		t.Errorf("expected empty heart rate, got %q", v.HeartRate)
	}
	if n, ok := v.Temperature.Number(); !ok || n != 98.6 {
		t.Errorf("expected temperature 98.6, got %v %v", n, ok)
	}
	sys, dia, ok := v.BloodPressure.Pressure()
	if !ok || sys != 120 || dia != 80 {
		t.Errorf("expected 120/80, got %d/%d %v", sys, dia, ok)
	}

	if err := json.Unmarshal([]byte(`{"blood_glucose": true}`), &v); err == nil {
		t.Error("expected error for boolean reading")
	}
	if err := json.Unmarshal([]byte(`{"blood_glucose": 1e400}`), &v); err == nil {
		t.Error("expected error for an out of range reading")
	}
}

func TestReading_Exponent(t *testing.T) {
	var v Vitals
	if err := json.Unmarshal([]byte(`{"blood_glucose": 1e3, "heart_rate": 7.2E1}`), &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.BloodGlucose != "1000" || v.HeartRate != "72" {
		t.Errorf("expected normalized readings, got %q and %q", v.BloodGlucose, v.HeartRate)
	}
	if n, ok := Reading("2.5e2 mg/dL").Number(); !ok || n != 250 {
		t.Errorf("expected 250 from a string exponent, got %v %v", n, ok)
	}
	if _, ok := Reading("1e999").Number(); ok {
		t.Error("expected an overflowing reading to be unparseable")
	}

	// Scored as a severe high, not as glucose 1.
	s := NewScorer(false)
	if got, want := s.Score("ok", v), s.Score("ok", Vitals{BloodGlucose: "1000"}); got != want {
		t.Errorf("Score(1e3) = %d, want %d", got, want)
	}
	if got, low := s.Score("ok", v), s.Score("ok", Vitals{BloodGlucose: "1"}); got == low {
		t.Errorf("1e3 scored like glucose 1 (%d)", got)
	}
}

func TestVitals_Check(t *testing.T) {
	tests := []struct {
		name      string
		vitals    Vitals
		wantField string
	}{
		{"empty", Vitals{}, ""},
		{"valid", Vitals{BloodGlucose: "60 mg/dL", BloodPressure: "120/80", HeartRate: "72", Temperature: "37.1C"}, ""},
		{"bad glucose", Vitals{BloodGlucose: "low"}, "vitals.blood_glucose"},
		{"bad pressure", Vitals{BloodPressure: "120"}, "vitals.blood_pressure"},
		{"negative heart rate", Vitals{HeartRate: "-5"}, "vitals.heart_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field, _, ok := tt.vitals.Check()
			if tt.wantField == "" {
				if !ok {
					t.Errorf("expected valid, got field %s", field)
				}
				return
			}
			if ok || field != tt.wantField {
				t.Errorf("expected invalid %s, got %q ok=%v", tt.wantField, field, ok)
			}
		})
	}
}
