package triage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	numberPattern   = regexp.MustCompile(`-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)
	pressurePattern = regexp.MustCompile(`^\s*(\d{2,3})\s*/\s*(\d{2,3})`)
)

const maxReadingLen = 32

// Reading is a vital-sign value as the patient reported it. Clients may send
// a JSON number (60) or a formatted string ("60 mg/dL", "98.6F", "120/80").
type Reading string

func (r *Reading) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Reading(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("reading must be a number or string")
	}
	// 1e3 is stored as 1000
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) {
		return fmt.Errorf("reading is out of range")
	}
	*r = Reading(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// Number returns the first numeric component of the reading.
func (r Reading) Number() (float64, bool) {
	m := numberPattern.FindString(string(r))
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Pressure parses a "systolic/diastolic" reading.
func (r Reading) Pressure() (systolic, diastolic int, ok bool) {
	m := pressurePattern.FindStringSubmatch(string(r))
	if m == nil {
		return 0, 0, false
	}
	systolic, _ = strconv.Atoi(m[1])
	diastolic, _ = strconv.Atoi(m[2])
	return systolic, diastolic, true
}

// Vitals holds the optional structured measurements attached to a query.
type Vitals struct {
	BloodGlucose  Reading `json:"blood_glucose,omitempty"`
	BloodPressure Reading `json:"blood_pressure,omitempty"`
	HeartRate     Reading `json:"heart_rate,omitempty"`
	Temperature   Reading `json:"temperature,omitempty"`
}

func (v Vitals) IsEmpty() bool {
	return v.BloodGlucose == "" && v.BloodPressure == "" && v.HeartRate == "" && v.Temperature == ""
}

// Glucose returns the blood glucose reading in mg/dL when present and parseable.
func (v Vitals) Glucose() (float64, bool) {
	if v.BloodGlucose == "" {
		return 0, false
	}
	return v.BloodGlucose.Number()
}

// Check reports the first reading that cannot be interpreted at all. The
// returned field name matches the JSON tag.
func (v Vitals) Check() (field, reason string, ok bool) {
	for _, f := range []struct {
		name string
		r    Reading
	}{
		{"blood_glucose", v.BloodGlucose},
		{"heart_rate", v.HeartRate},
		{"temperature", v.Temperature},
	} {
		if f.r == "" {
			continue
		}
		if len(f.r) > maxReadingLen {
			return "vitals." + f.name, "reading is too long", false
		}
		if n, parsed := f.r.Number(); !parsed || n < 0 {
			return "vitals." + f.name, "reading must contain a non-negative number", false
		}
	}
	if v.BloodPressure != "" {
		if len(v.BloodPressure) > maxReadingLen {
			return "vitals.blood_pressure", "reading is too long", false
		}
		if _, _, parsed := v.BloodPressure.Pressure(); !parsed {
			return "vitals.blood_pressure", "reading must look like 120/80", false
		}
	}
	return "", "", true
}

// Summary renders the readings for inclusion in a model prompt.
func (v Vitals) Summary() string {
	var parts []string
	if v.BloodGlucose != "" {
		parts = append(parts, "blood glucose "+string(v.BloodGlucose))
	}
	if v.BloodPressure != "" {
		parts = append(parts, "blood pressure "+string(v.BloodPressure))
	}
	if v.HeartRate != "" {
		parts = append(parts, "heart rate "+string(v.HeartRate))
	}
	if v.Temperature != "" {
		parts = append(parts, "temperature "+string(v.Temperature))
	}
	if len(parts) == 0 {
		return "none reported"
	}
	return strings.Join(parts, ", ")
}
