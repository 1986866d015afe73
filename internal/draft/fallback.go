package draft

import (
	"fmt"

	"github.com/medquery/medquery/internal/triage"
)

const reviewNotice = "A member of your care team will review your question and follow up with you."

// Fallback returns the canned draft used when the model is unavailable. The
// text depends only on the vitals, so the same input always yields the same
// draft.
func Fallback(v triage.Vitals) string {
	if g, ok := v.Glucose(); ok {
		switch {
		case g < 70:
			return fmt.Sprintf("Your reported blood glucose of %s is below the usual target range. "+
				"Follow the low blood sugar plan from your care team, for example taking fast-acting "+
				"carbohydrate and rechecking in 15 minutes. %s", v.BloodGlucose, reviewNotice)
		case g >= 250:
			return fmt.Sprintf("Your reported blood glucose of %s is above the usual target range. "+
				"Drink water, keep taking your medicines as prescribed and recheck your level soon. %s",
				v.BloodGlucose, reviewNotice)
		}
	}
	if v.BloodPressure != "" {
		return fmt.Sprintf("Thank you for sharing your blood pressure reading of %s. "+
			"Rest for a few minutes and measure again while seated. %s", v.BloodPressure, reviewNotice)
	}
	return "Thank you for your question. We could not prepare an automated answer right now. " + reviewNotice
}
