// Package doordetector infers virtual door-open/closed transitions from
// the thermal analyzer's metrics. A physical door sensor is not assumed to
// exist; this is the proxy used when none is paired.
package doordetector

import (
	"time"

	"github.com/coldchain/telemetry-processor/internal/profile"
	"github.com/coldchain/telemetry-processor/internal/thermal"
)

// OpenConfirmWindow and CloseConfirmWindow bound the temporal quorum
// required to confirm a LOW-confidence candidate transition.
const (
	OpenConfirmWindow  = 30 * time.Second
	CloseConfirmWindow = 60 * time.Second
	QuorumCount        = 2
)

// Input is everything the detector needs to evaluate one sample.
type Input struct {
	Metrics      thermal.Metrics
	Tuning       profile.Tuning
	CurrentTemp  float64
	TempMin      *float64
	TempMax      *float64
	IsDefrosting bool
	PriorOpen    bool
	PriorVariance float64
}

// Candidates tracks the recent unconfirmed detections used for temporal
// quorum confirmation. Zero value is ready to use.
type Candidates struct {
	Open  []time.Time
	Close []time.Time
}

func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := ts[:0:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Evaluate runs one sample through the detector and, combined with the
// confirmation history in c, decides whether a transition commits.
// Returns (transition, newState).
func Evaluate(in Input, now time.Time, c *Candidates) (bool, bool) {
	if in.IsDefrosting {
		return false, false
	}

	if forcedClosed(in) {
		c.Open = nil
		c.Close = nil
		if in.PriorOpen {
			return true, false
		}
		return false, false
	}

	if !in.PriorOpen {
		n := countOpenCriteria(in)
		if n == 0 {
			c.Open = prune(c.Open, now, OpenConfirmWindow)
			return false, false
		}
		if n >= 3 {
			c.Open = nil
			return true, true
		}
		c.Open = append(prune(c.Open, now, OpenConfirmWindow), now)
		if len(c.Open) >= QuorumCount {
			c.Open = nil
			return true, true
		}
		return false, false
	}

	// prior state open: evaluate close criteria
	n := countCloseCriteria(in)
	if n == 0 {
		c.Close = prune(c.Close, now, CloseConfirmWindow)
		return false, false
	}
	if n >= 2 {
		c.Close = nil
		return true, false
	}
	c.Close = append(prune(c.Close, now, CloseConfirmWindow), now)
	if len(c.Close) >= QuorumCount {
		c.Close = nil
		return true, false
	}
	return false, false
}

func forcedClosed(in Input) bool {
	m := in.Metrics
	if in.TempMin == nil || in.TempMax == nil {
		return false
	}
	inBounds := in.CurrentTemp >= *in.TempMin && in.CurrentTemp <= *in.TempMax
	return inBounds &&
		absf(m.Slope) < 0.1 &&
		m.Variance < 0.5*in.Tuning.DoorVarianceThreshold &&
		m.RSquared > 0.7
}

func countOpenCriteria(in Input) int {
	m := in.Metrics
	t := in.Tuning
	n := 0

	if m.Acceleration > t.DoorAccel {
		n++
	}
	if m.Slope > t.DoorSlope {
		n++
	}
	if m.Variance > t.DoorVarianceThreshold && m.Slope > 0.5 && m.RSquared < 0.6 {
		n++
	}
	if m.ChangePoint != nil && m.SegmentAnalysis != nil &&
		absf(m.SegmentAnalysis.SlopeChange) > 1.0 && m.Variance > t.DoorVarianceThreshold {
		n++
	}
	if absf(m.Jerk) > t.DoorJerk && m.Slope > 0.3 {
		n++
	}

	return n
}

func countCloseCriteria(in Input) int {
	m := in.Metrics
	n := 0

	if m.Slope < -0.1 && m.RSquared > 0.5 {
		n++
	}
	if m.Slope < 0.1 && m.Acceleration < -0.1 {
		n++
	}
	if m.Variance < 0.7*in.PriorVariance && m.Variance < 0.8*in.Tuning.DoorVarianceThreshold {
		n++
	}

	return n
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
