// Package schedule holds the wait-time arithmetic shared by the queue
// engine and the stores: the adaptive service-time estimator and the
// per-token start estimates derived from it.
package schedule

import (
	"math"
	"time"

	"mediq/queue-service/internal/models"
)

const (
	emaAlpha      = 0.2
	warmupSamples = 3
)

// Observe folds one completed consultation into the slot's average.
// Few samples: exponential moving average, so a poor initial default
// adapts quickly. Enough samples: cumulative rolling average, which
// damps variance. Skipped tokens are never observed.
func Observe(s *models.Slot, durationSec int64, durationMin float64) {
	s.TotalServiceSeconds += durationSec
	s.ConsultationsCount++
	if s.ConsultationsCount < warmupSamples {
		s.AverageConsultMin = Round1(emaAlpha*durationMin + (1-emaAlpha)*s.AverageConsultMin)
		return
	}
	s.AverageConsultMin = Round1(float64(s.TotalServiceSeconds) / float64(s.ConsultationsCount) / 60)
}

// ServiceDuration resolves how long a consultation took, in order of
// preference: recorded serving start, operator-supplied minutes, the
// token's estimated start, and finally the slot's current average.
func ServiceDuration(a models.Appointment, avgMin float64, actualMinutes float64, now time.Time) (sec int64, min float64) {
	min = actualMinutes
	if a.ServingStartedAt != nil {
		sec = int64(math.Round(now.Sub(*a.ServingStartedAt).Seconds()))
		min = math.Round(float64(sec) / 60)
	} else if min <= 0 && a.EstimatedStart != nil {
		min = math.Round(now.Sub(*a.EstimatedStart).Minutes())
		sec = int64(min) * 60
	} else {
		sec = int64(min) * 60
	}
	if min <= 0 {
		min = avgMin
		sec = int64(min * 60)
	}
	return sec, min
}

// EstimateStart places tokenIndex on the slot timeline:
// slotStart + (tokenIndex-1) x average.
func EstimateStart(slotStart time.Time, tokenIndex int, avgMin float64) time.Time {
	return slotStart.Add(time.Duration(float64(tokenIndex-1) * avgMin * float64(time.Minute)))
}

// WaitMinutes is the rounded distance from now to the estimated start.
// Negative when the estimate is already in the past.
func WaitMinutes(estimatedStart, now time.Time) int {
	return int(math.Round(estimatedStart.Sub(now).Minutes()))
}

// Position is how many tokens stand between this one and the counter.
func Position(tokenIndex, currentToken int) int {
	if tokenIndex < currentToken {
		return 0
	}
	return tokenIndex - currentToken
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
