package ml

import (
	"github.com/thermopilot/thermopilot/pkg"
)

// Label derives the training label for a completed cycle: the optimal preheat
// duration in minutes. The observed duration is corrected by the timing
// error, the signed minutes between when the target was actually reached and
// when the schedule wanted it reached. Finishing late shrinks the
// recommended duration; finishing early grows it. No cap is applied to the
// error magnitude.
//
// A cycle labels only if the target was actually reached during the cycle
// and a scheduled target time could be matched to it.
func Label(cycle pkg.HeatingCycle) (minutes float64, ok bool) {
	if cycle.TargetReachedAt == nil || cycle.ScheduledTargetTime == nil {
		return 0, false
	}

	actual := cycle.DurationMinutes()
	errMins := cycle.TargetReachedAt.Sub(*cycle.ScheduledTargetTime).Minutes()

	optimal := actual - errMins
	if optimal <= 0 {
		return 0, false
	}
	return optimal, true
}
