package screener

import (
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
)

const (
	fourHours  = 4 * time.Hour
	eightHours = 8 * time.Hour
)

// detectIntervalHours guesses the funding interval from the time left until
// the next funding. It is display metadata only and may misclassify near
// boundaries.
func detectIntervalHours(next, now time.Time) int {
	delta := next.Sub(now)
	if delta <= 0 {
		return 8
	}
	if absDuration(delta-fourHours) < fourHours/2 || delta%fourHours < fourHours/2 {
		return 4
	}
	return 8
}

func periodLabel(next, now time.Time) models.PeriodLabel {
	if next.After(now) {
		return models.PeriodActive
	}
	return models.PeriodNext
}

// nextFunding is the later of the two legs' next funding times, or now+8h
// when neither leg reported one.
func nextFunding(a, b, now time.Time) time.Time {
	if a.IsZero() && b.IsZero() {
		return now.Add(eightHours)
	}
	if a.After(b) {
		return a
	}
	return b
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
