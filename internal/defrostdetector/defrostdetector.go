// Package defrostdetector decides defrost-start/defrost-end transitions
// from the thermal analyzer's metrics and the sensor's current defrost
// bookkeeping.
package defrostdetector

import (
	"time"

	"github.com/coldchain/telemetry-processor/internal/profile"
	"github.com/coldchain/telemetry-processor/internal/thermal"
)

// MinCycleDuration is the minimum time a cycle must run before the end
// criteria are evaluated.
const MinCycleDuration = 2 * time.Minute

// SafetyTimeout force-ends a cycle that has run unreasonably long.
const SafetyTimeout = 60 * time.Minute

// Input is everything the detector needs to evaluate one sample.
type Input struct {
	Metrics     thermal.Metrics
	Tuning      profile.Tuning
	Profile     profile.Profile
	CurrentTemp float64

	IsDefrosting     bool
	JustStarted      bool
	CycleStartedAt   time.Time
	DefrostStartTemp float64
}

// StartDecision reports whether a defrost cycle should begin.
type StartDecision struct {
	Start bool
}

// EndDecision reports whether an active defrost cycle should end.
type EndDecision struct {
	End bool
}

// EvaluateStart checks the four start criteria; only meaningful when
// IsDefrosting is false.
func EvaluateStart(in Input) StartDecision {
	m := in.Metrics
	t := in.Tuning

	stableLinearRise := m.Slope > t.DefrostMinSlope &&
		m.StdError < t.DefrostVarianceThreshold &&
		m.RSquared > t.DefrostMinR2 &&
		m.Variance < t.DefrostVarianceThreshold

	cycleShape := m.CicloDegelo != nil && m.CicloDegelo.Present &&
		m.CicloDegelo.Phase == thermal.PhaseRising &&
		m.CicloDegelo.RisingSlope > t.DefrostMinSlope

	ultraShortcut := in.Profile == profile.Ultra &&
		m.Slope > 0.3 && m.RSquared > 0.88 && m.StdError < 0.6

	segmentShift := m.SegmentAnalysis != nil &&
		m.SegmentAnalysis.SlopeChange > 0.5 &&
		m.Slope > t.DefrostMinSlope &&
		m.RSquared > 0.75

	return StartDecision{Start: stableLinearRise || cycleShape || ultraShortcut || segmentShift}
}

// EvaluateEnd checks the five end criteria; only meaningful when
// IsDefrosting is true, JustStarted is false, and the cycle has run long
// enough.
func EvaluateEnd(in Input, now time.Time) EndDecision {
	if in.JustStarted {
		return EndDecision{End: false}
	}

	elapsed := now.Sub(in.CycleStartedAt)
	if elapsed < MinCycleDuration {
		return EndDecision{End: false}
	}

	m := in.Metrics
	ultra := in.Profile == profile.Ultra

	if m.Slope < -0.3 && m.RSquared > 0.7 {
		return EndDecision{End: true}
	}

	if m.CicloDegelo != nil && m.CicloDegelo.Present &&
		m.CicloDegelo.Phase == thermal.PhaseFalling &&
		m.CicloDegelo.Phase != thermal.PhaseRising &&
		m.CicloDegelo.FallingSlope < -0.15 {
		return EndDecision{End: true}
	}

	if elapsed > SafetyTimeout {
		return EndDecision{End: true}
	}

	recoveryMargin := 2.0
	if ultra {
		recoveryMargin = 3.0
	}
	if in.CurrentTemp <= in.DefrostStartTemp+recoveryMargin &&
		elapsed >= 5*time.Minute &&
		m.Slope < -0.1 &&
		m.CicloDegelo != nil && m.CicloDegelo.Phase != thermal.PhaseRising {
		return EndDecision{End: true}
	}

	if m.SegmentAnalysis != nil &&
		m.SegmentAnalysis.SlopeChange < -0.3 &&
		m.Slope < -0.15 &&
		m.RSquared > 0.6 {
		return EndDecision{End: true}
	}

	return EndDecision{End: false}
}
