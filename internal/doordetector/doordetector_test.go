package doordetector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coldchain/telemetry-processor/internal/profile"
	"github.com/coldchain/telemetry-processor/internal/thermal"
)

var tuning = profile.Tunings(profile.Normal)

func ptr(f float64) *float64 { return &f }

func TestEvaluateHighConfidenceOpenCommitsImmediately(t *testing.T) {
	in := Input{
		Metrics: thermal.Metrics{
			Ready:        true,
			Acceleration: 0.5, // > DoorAccel (0.4)
			Slope:        0.6, // > DoorSlope (0.5)
			Variance:     1.5, // > DoorVarianceThreshold (1.0) and slope > 0.5, r2 < 0.6
			RSquared:     0.5,
			Jerk:         0.2,
		},
		Tuning:      tuning,
		TempMin:     ptr(-25),
		TempMax:     ptr(-15),
		CurrentTemp: -14, // outside bounds, so forcedClosed never triggers
	}
	c := &Candidates{}

	transition, newState := Evaluate(in, time.Now(), c)
	assert.True(t, transition)
	assert.True(t, newState)
}

func TestEvaluateLowConfidenceOpenRequiresTemporalQuorum(t *testing.T) {
	in := Input{
		Metrics: thermal.Metrics{
			Ready: true,
			Slope: 0.6, // only this one criterion fires -> n=1
		},
		Tuning:      tuning,
		TempMin:     ptr(-25),
		TempMax:     ptr(-15),
		CurrentTemp: -14,
	}
	c := &Candidates{}
	now := time.Now()

	transition, newState := Evaluate(in, now, c)
	assert.False(t, transition, "single low-confidence hit must not commit")
	assert.Len(t, c.Open, 1)

	transition, newState = Evaluate(in, now.Add(10*time.Second), c)
	assert.True(t, transition, "second hit within the confirm window reaches quorum")
	assert.True(t, newState)
}

func TestEvaluateLowConfidenceOpenExpiresOutsideWindow(t *testing.T) {
	in := Input{
		Metrics: thermal.Metrics{
			Ready: true,
			Slope: 0.6,
		},
		Tuning:      tuning,
		TempMin:     ptr(-25),
		TempMax:     ptr(-15),
		CurrentTemp: -14,
	}
	c := &Candidates{}
	now := time.Now()

	Evaluate(in, now, c)
	later := now.Add(OpenConfirmWindow + time.Second)

	transition, _ := Evaluate(in, later, c)
	assert.False(t, transition, "stale candidate outside the window must not count toward quorum")
	assert.Len(t, c.Open, 1)
}

func TestEvaluateForcedClosedOverridesPriorOpen(t *testing.T) {
	in := Input{
		Metrics: thermal.Metrics{
			Ready:    true,
			Slope:    0.01,
			Variance: 0.1,
			RSquared: 0.9,
		},
		Tuning:      tuning,
		TempMin:     ptr(-25),
		TempMax:     ptr(-15),
		CurrentTemp: -18, // well inside bounds
		PriorOpen:   true,
	}
	c := &Candidates{}

	transition, newState := Evaluate(in, time.Now(), c)
	assert.True(t, transition)
	assert.False(t, newState)
}

func TestEvaluateHighConfidenceCloseCommitsImmediately(t *testing.T) {
	in := Input{
		Metrics: thermal.Metrics{
			Ready:        true,
			Slope:        -0.2,
			RSquared:     0.6,
			Acceleration: -0.2,
			Variance:     5, // keep variance criterion from also firing
		},
		Tuning:        tuning,
		PriorOpen:     true,
		PriorVariance: 0.1,
	}
	c := &Candidates{}

	transition, newState := Evaluate(in, time.Now(), c)
	assert.True(t, transition)
	assert.False(t, newState)
}

func TestEvaluateSuppressedDuringDefrost(t *testing.T) {
	in := Input{
		Metrics: thermal.Metrics{
			Ready:        true,
			Acceleration: 0.9,
			Slope:        0.9,
			Variance:     10,
			RSquared:     0.1,
		},
		Tuning:       tuning,
		TempMin:      ptr(-25),
		TempMax:      ptr(-15),
		CurrentTemp:  -14,
		IsDefrosting: true,
	}
	c := &Candidates{}

	transition, newState := Evaluate(in, time.Now(), c)
	assert.False(t, transition)
	assert.False(t, newState)
	assert.Empty(t, c.Open)
}
