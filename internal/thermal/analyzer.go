// Package thermal computes the rolling-window regression metrics that the
// door and defrost detectors reason over. It is a pure function of a
// window.Window: given the same samples it always returns the same
// metrics, with no side effects.
package thermal

import (
	"math"

	"github.com/coldchain/telemetry-processor/internal/profile"
	"github.com/coldchain/telemetry-processor/internal/window"
)

// MinSamples is the minimum number of samples required before the
// analyzer will produce a result.
const MinSamples = 10

// Phase describes which half of a rise/peak/fall cycle the window shows.
type Phase string

const (
	PhaseRising  Phase = "RISING"
	PhaseFalling Phase = "FALLING"
	PhasePeak    Phase = "PEAK"
	PhaseUnknown Phase = "UNKNOWN"
)

// DefrostCycle describes the rise-to-peak-to-fall shape detected within
// the window, independent of whether the sensor is currently flagged as
// defrosting.
type DefrostCycle struct {
	Present      bool
	ArgmaxIdx    int
	ArgminIdx    int
	RisingSlope  float64
	FallingSlope float64
	Phase        Phase
}

// Segment holds the slopes of the two halves around a change point.
type Segment struct {
	SlopeBefore float64
	SlopeAfter  float64
	SlopeChange float64
}

// Metrics is the full set of regression-derived signals for a window.
type Metrics struct {
	Ready bool

	Slope     float64
	Intercept float64
	RSquared  float64
	StdError  float64

	Variance float64
	StdDev   float64

	Acceleration float64
	Jerk         float64
	EMA          float64

	CicloDegelo *DefrostCycle

	ChangePoint     *int
	SegmentAnalysis *Segment
}

// Analyze computes Metrics from the window's samples. tuning carries the
// sensor's profile-specific constants: EMAAlpha smooths the EMA signal,
// and DefrostMinSlope gates whether a detected rise/peak/fall shape is
// reported as a confirmed defrost cycle.
func Analyze(samples []window.Sample, tuning profile.Tuning) Metrics {
	n := len(samples)
	if n < MinSamples {
		return Metrics{Ready: false}
	}

	xs := minutesSince(samples)
	ys := temps(samples)

	slope, intercept, r2 := linreg(xs, ys)
	stdErr := stdError(xs, ys, slope, intercept)
	variance, stdDev := varianceStdDev(ys)

	m := Metrics{
		Ready:     true,
		Slope:     slope,
		Intercept: intercept,
		RSquared:  r2,
		StdError:  stdErr,
		Variance:  variance,
		StdDev:    stdDev,
		EMA:       ema(ys, tuning.EMAAlpha),
	}

	m.Acceleration = acceleration(xs, ys)
	m.Jerk = jerk(xs, ys)
	m.CicloDegelo = cicloDegelo(xs, ys, tuning.DefrostMinSlope)
	m.ChangePoint, m.SegmentAnalysis = changePoint(xs, ys)

	return m
}

func minutesSince(samples []window.Sample) []float64 {
	xs := make([]float64, len(samples))
	base := samples[0].Ts
	for i, s := range samples {
		xs[i] = s.Ts.Sub(base).Minutes()
	}
	return xs
}

func temps(samples []window.Sample) []float64 {
	ys := make([]float64, len(samples))
	for i, s := range samples {
		ys[i] = s.Temp
	}
	return ys
}

// linreg returns the ordinary-least-squares slope, intercept, and R^2 of
// ys against xs.
func linreg(xs, ys []float64) (slope, intercept, r2 float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0, 0
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var sxy, sxx, syy float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}

	if sxx == 0 {
		return 0, meanY, 0
	}

	slope = sxy / sxx
	intercept = meanY - slope*meanX

	if syy == 0 {
		r2 = 0
	} else {
		r2 = (sxy * sxy) / (sxx * syy)
	}
	return slope, intercept, r2
}

func stdError(xs, ys []float64, slope, intercept float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for i := range xs {
		pred := slope*xs[i] + intercept
		residual := ys[i] - pred
		sumSq += residual * residual
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func varianceStdDev(ys []float64) (variance, stdDev float64) {
	n := float64(len(ys))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, y := range ys {
		sum += y
	}
	mean := sum / n

	var sq float64
	for _, y := range ys {
		d := y - mean
		sq += d * d
	}
	variance = sq / n
	stdDev = math.Sqrt(variance)
	return variance, stdDev
}

func ema(ys []float64, alpha float64) float64 {
	if len(ys) == 0 {
		return 0
	}
	e := ys[0]
	for _, y := range ys[1:] {
		e = alpha*y + (1-alpha)*e
	}
	return e
}

// acceleration is slope(last 30%) - slope(first 70%), zero if either
// subset holds fewer than 2 points.
func acceleration(xs, ys []float64) float64 {
	n := len(xs)
	split := int(float64(n) * 0.7)

	firstX, firstY := xs[:split], ys[:split]
	lastX, lastY := xs[split:], ys[split:]

	if len(firstX) < 2 || len(lastX) < 2 {
		return 0
	}

	firstSlope, _, _ := linreg(firstX, firstY)
	lastSlope, _, _ := linreg(lastX, lastY)
	return lastSlope - firstSlope
}

// jerk is the discrete third derivative across window thirds, zero if the
// window holds fewer than 9 points.
func jerk(xs, ys []float64) float64 {
	n := len(xs)
	if n < 9 {
		return 0
	}

	third := n / 3
	x1, y1 := xs[:third], ys[:third]
	x2, y2 := xs[third:2*third], ys[third:2*third]
	x3, y3 := xs[2*third:], ys[2*third:]

	s1, _, _ := linreg(x1, y1)
	s2, _, _ := linreg(x2, y2)
	s3, _, _ := linreg(x3, y3)

	return (s3 - s2) - (s2 - s1)
}

// cicloDegelo locates the window's peak/trough and tags it as a
// defrost-shaped cycle when the peak occurs past 30% of the window, the
// trailing samples have cooled back below it, the rise into the peak
// exceeds minRisingSlope (the profile's DefrostMinSlope), and the fall
// out of it is steeper than -0.1 C/min.
func cicloDegelo(xs, ys []float64, minRisingSlope float64) *DefrostCycle {
	n := len(xs)
	argmax, argmin := 0, 0
	for i := 1; i < n; i++ {
		if ys[i] > ys[argmax] {
			argmax = i
		}
		if ys[i] < ys[argmin] {
			argmin = i
		}
	}

	cycle := &DefrostCycle{ArgmaxIdx: argmax, ArgminIdx: argmin}

	preLen := argmax + 1
	postLen := n - argmax
	hasRising := preLen >= 2
	hasFalling := postLen >= 2

	var risingSlope, fallingSlope float64
	if hasRising {
		risingSlope, _, _ = linreg(xs[:preLen], ys[:preLen])
	}
	if hasFalling {
		fallingSlope, _, _ = linreg(xs[argmax:], ys[argmax:])
	}
	cycle.RisingSlope = risingSlope
	cycle.FallingSlope = fallingSlope

	switch {
	case hasRising && hasFalling:
		cycle.Phase = PhasePeak
	case hasRising:
		cycle.Phase = PhaseRising
	case hasFalling:
		cycle.Phase = PhaseFalling
	default:
		cycle.Phase = PhaseUnknown
	}

	pastThirty := float64(argmax) > 0.3*float64(n)

	trailingBelowPeak := false
	if n >= 3 {
		trailingBelowPeak = true
		for i := n - 3; i < n; i++ {
			if ys[i] >= ys[argmax] {
				trailingBelowPeak = false
				break
			}
		}
	}

	cycle.Present = pastThirty && trailingBelowPeak && hasRising && hasFalling &&
		fallingSlope < -0.1 && risingSlope > minRisingSlope

	return cycle
}

// changePoint finds the index in [3, len-3] that minimises the sum of the
// variances of the two halves it splits the window into.
func changePoint(xs, ys []float64) (*int, *Segment) {
	n := len(ys)
	if n < 7 {
		return nil, nil
	}

	bestIdx := -1
	bestScore := math.Inf(1)

	for i := 3; i <= n-3; i++ {
		leftVar, _ := varianceStdDev(ys[:i])
		rightVar, _ := varianceStdDev(ys[i:])
		score := leftVar + rightVar
		if score < bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return nil, nil
	}

	leftSlope, _, _ := linreg(xs[:bestIdx], ys[:bestIdx])
	rightSlope, _, _ := linreg(xs[bestIdx:], ys[bestIdx:])

	idx := bestIdx
	return &idx, &Segment{
		SlopeBefore: leftSlope,
		SlopeAfter:  rightSlope,
		SlopeChange: rightSlope - leftSlope,
	}
}
