// Package alertengine resolves per-sensor thresholds, suppresses alerts
// during a confirmed defrost cycle, and applies soak-time confirmation,
// deduplication, and cooldown before an alert is allowed out to the
// outbound webhook.
package alertengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/coldchain/telemetry-processor/internal/clock"
	"github.com/coldchain/telemetry-processor/internal/model"
	"github.com/coldchain/telemetry-processor/internal/profile"
	"github.com/coldchain/telemetry-processor/internal/thermal"
)

// Config holds the tunables that are not per-sensor: global fallback
// bounds, the high-traffic weekday exception, and the configured zone used
// to evaluate it.
type Config struct {
	GlobalTempMaxFallback float64 // e.g. -5.0
	GlobalTempMinFallback float64 // e.g. -30.0
	HighTrafficFallback   float64 // e.g. -2.0
	HighTrafficWeekdays   []time.Weekday
	Location              *time.Location
	DoorMaxOpen           time.Duration // e.g. 5 minutes
}

// DefaultConfig matches the reference numeric constants from spec.md.
func DefaultConfig(loc *time.Location) Config {
	return Config{
		GlobalTempMaxFallback: -5.0,
		GlobalTempMinFallback: -30.0,
		HighTrafficFallback:   -2.0,
		HighTrafficWeekdays:   []time.Weekday{time.Wednesday, time.Thursday},
		Location:              loc,
		DoorMaxOpen:           5 * time.Minute,
	}
}

const (
	hardLimitSoak  = 10 * time.Minute
	predictiveSoak = 5 * time.Minute
	promoteAfter   = 30 * time.Minute

	extremeMargin = 10.0

	cooldownCriticaAlta = 15 * time.Minute
	cooldownPreditiva   = 45 * time.Minute
)

// Cooldown returns the minimum spacing required between consecutive
// alerts from the same sensor, keyed by the priority of the prior alert.
func Cooldown(p model.Priority) time.Duration {
	if p == model.PriorityPreditiva {
		return cooldownPreditiva
	}
	return cooldownCriticaAlta
}

// Engine owns the alert watchlist and evaluates one sensor reading at a
// time.
type Engine struct {
	cfg   Config
	clock clock.Clock

	mu        sync.Mutex
	watchlist map[model.WatchlistKey]model.WatchlistEntry
}

// New builds an alert engine.
func New(cfg Config, c clock.Clock) *Engine {
	return &Engine{
		cfg:       cfg,
		clock:     c,
		watchlist: make(map[model.WatchlistKey]model.WatchlistEntry),
	}
}

// EvalInput bundles the per-sample context the engine needs.
type EvalInput struct {
	SensorMAC   string
	DisplayName string
	Config      model.SensorConfig
	Profile     profile.Profile
	Metrics     thermal.Metrics

	CurrentTemp float64
	CurrentHum  float64

	IsDefrosting bool

	DoorOpen      bool
	DoorOpenSince time.Time

	LastAlertSentTs   time.Time
	LastAlertPriority model.Priority
}

// Limits is the resolved temp_max/temp_min pair for a sample.
type Limits struct {
	Max float64
	Min float64
}

// ResolveLimits implements the §4.F threshold resolution, including the
// weekday-dependent high-traffic fallback evaluated in the configured
// zone.
func (e *Engine) ResolveLimits(cfg model.SensorConfig, now time.Time) Limits {
	max := e.cfg.GlobalTempMaxFallback
	if cfg.TempMax != nil {
		max = *cfg.TempMax
	} else if e.isHighTrafficDay(now) {
		max = e.cfg.HighTrafficFallback
	}

	min := e.cfg.GlobalTempMinFallback
	if cfg.TempMin != nil {
		min = *cfg.TempMin
	}

	return Limits{Max: max, Min: min}
}

func (e *Engine) isHighTrafficDay(now time.Time) bool {
	loc := e.cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	wd := now.In(loc).Weekday()
	for _, d := range e.cfg.HighTrafficWeekdays {
		if wd == d {
			return true
		}
	}
	return false
}

// Evaluate runs the full alert pipeline for one sample and returns zero or
// more alerts (at most one per problem kind) ready to be enqueued.
func (e *Engine) Evaluate(in EvalInput) []model.Alert {
	now := e.clock.Now()
	limits := e.ResolveLimits(in.Config, now)

	if in.IsDefrosting {
		return e.evaluateDuringDefrost(in, limits, now)
	}

	var alerts []model.Alert

	tempAlert, tempFired := e.evaluateHardLimit(in, limits, now)
	if tempFired {
		alerts = append(alerts, tempAlert)
	} else if a, ok := e.evaluatePredictive(in, limits, now); ok {
		alerts = append(alerts, a)
		tempFired = true
	}

	if !tempFired {
		if a, ok := e.evaluateHumidity(in, now); ok {
			alerts = append(alerts, a)
		}
	} else {
		e.clearWatchlist(in.SensorMAC, model.ProblemHumHigh)
		e.clearWatchlist(in.SensorMAC, model.ProblemHumLow)
	}

	if a, ok := e.evaluateDoorOpen(in, now); ok {
		alerts = append(alerts, a)
	}

	return alerts
}

func (e *Engine) evaluateDuringDefrost(in EvalInput, limits Limits, now time.Time) []model.Alert {
	tolerance := 15.0
	if in.Profile == profile.Ultra {
		tolerance = 25.0
	}

	extremeHigh := in.CurrentTemp > limits.Max+tolerance+5
	extremeLow := in.CurrentTemp < limits.Min-5

	if !extremeHigh && !extremeLow {
		e.clearAllWatchlist(in.SensorMAC)
		return nil
	}

	var kind model.ProblemKind
	var msg string
	if extremeHigh {
		kind = model.ProblemTempHigh
		msg = fmt.Sprintf("ALTA extrema durante degelo: %.2f°C (limite %.2f°C)", in.CurrentTemp, limits.Max)
	} else {
		kind = model.ProblemTempLow
		msg = fmt.Sprintf("BAIXA extrema durante degelo: %.2f°C (limite %.2f°C)", in.CurrentTemp, limits.Min)
	}

	alert, ok := e.soakAndCooldown(in, now, kind, msg, model.PriorityAlta, hardLimitSoak, true)
	if !ok {
		return nil
	}
	return []model.Alert{alert}
}

func (e *Engine) evaluateHardLimit(in EvalInput, limits Limits, now time.Time) (model.Alert, bool) {
	var kind model.ProblemKind
	var msg string
	var extreme bool

	switch {
	case in.CurrentTemp < limits.Min:
		kind = model.ProblemTempLow
		msg = fmt.Sprintf("BAIXA: %.2f°C abaixo do limite %.2f°C", in.CurrentTemp, limits.Min)
		extreme = in.CurrentTemp < limits.Min-extremeMargin
	case in.CurrentTemp > limits.Max:
		kind = model.ProblemTempHigh
		msg = fmt.Sprintf("ALTA: %.2f°C acima do limite %.2f°C", in.CurrentTemp, limits.Max)
		extreme = in.CurrentTemp > limits.Max+extremeMargin
	default:
		e.clearWatchlist(in.SensorMAC, model.ProblemTempHigh)
		e.clearWatchlist(in.SensorMAC, model.ProblemTempLow)
		return model.Alert{}, false
	}

	alert, ok := e.soakAndCooldown(in, now, kind, msg, model.PriorityAlta, hardLimitSoak, extreme)
	return alert, ok
}

func (e *Engine) evaluatePredictive(in EvalInput, limits Limits, now time.Time) (model.Alert, bool) {
	// Predictive problems soak under their own watchlist key: the in-bounds
	// hard-limit path clears TEMP_HIGH on every sample.
	const problemPredictive model.ProblemKind = "TEMP_PREDICTIVE"

	m := in.Metrics
	if !(m.Slope > 0.1 && m.RSquared > 0.6) || (m.CicloDegelo != nil && m.CicloDegelo.Present) {
		e.clearWatchlist(in.SensorMAC, problemPredictive)
		return model.Alert{}, false
	}

	tempFuture := in.CurrentTemp + m.Slope*15
	diff := tempFuture - limits.Max
	timeToLimit := (limits.Max - in.CurrentTemp) / m.Slope

	inTimeBound := timeToLimit > 0 && timeToLimit < 20

	var priority model.Priority
	switch {
	case diff >= 10 && inTimeBound:
		priority = model.PriorityCritica
	case diff >= 5 && inTimeBound:
		priority = model.PriorityPreditiva
	default:
		e.clearWatchlist(in.SensorMAC, problemPredictive)
		return model.Alert{}, false
	}

	soak := hardLimitSoak
	if priority == model.PriorityPreditiva {
		soak = predictiveSoak
	}

	msg := fmt.Sprintf("Projeção: %.2f°C em 15min (limite %.2f°C, tempo estimado %.1fmin)",
		tempFuture, limits.Max, timeToLimit)

	return e.soakAndCooldown(in, now, problemPredictive, msg, priority, soak, false)
}

func (e *Engine) evaluateHumidity(in EvalInput, now time.Time) (model.Alert, bool) {
	cfg := in.Config

	if cfg.HumMax != nil && in.CurrentHum > *cfg.HumMax {
		msg := fmt.Sprintf("Umidade alta: %.1f%% acima do limite %.1f%%", in.CurrentHum, *cfg.HumMax)
		return e.soakAndCooldown(in, now, model.ProblemHumHigh, msg, model.PriorityAlta, hardLimitSoak, false)
	}
	e.clearWatchlist(in.SensorMAC, model.ProblemHumHigh)

	if cfg.HumMin != nil && in.CurrentHum < *cfg.HumMin {
		msg := fmt.Sprintf("Umidade baixa: %.1f%% abaixo do limite %.1f%%", in.CurrentHum, *cfg.HumMin)
		return e.soakAndCooldown(in, now, model.ProblemHumLow, msg, model.PriorityAlta, hardLimitSoak, false)
	}
	e.clearWatchlist(in.SensorMAC, model.ProblemHumLow)

	return model.Alert{}, false
}

func (e *Engine) evaluateDoorOpen(in EvalInput, now time.Time) (model.Alert, bool) {
	if !in.DoorOpen || in.DoorOpenSince.IsZero() {
		e.clearWatchlist(in.SensorMAC, model.ProblemDoorOpen)
		return model.Alert{}, false
	}

	openFor := now.Sub(in.DoorOpenSince)
	if openFor < e.cfg.DoorMaxOpen {
		e.clearWatchlist(in.SensorMAC, model.ProblemDoorOpen)
		return model.Alert{}, false
	}

	msg := fmt.Sprintf("PORTA ABERTA há %d min", int(openFor.Minutes()))
	return e.soakAndCooldown(in, now, model.ProblemDoorOpen, msg, model.PriorityAlta, hardLimitSoak, false)
}

// soakAndCooldown implements the watchlist-soak and per-sensor cooldown
// gate shared by every problem kind.
func (e *Engine) soakAndCooldown(
	in EvalInput,
	now time.Time,
	kind model.ProblemKind,
	msg string,
	priority model.Priority,
	soak time.Duration,
	extreme bool,
) (model.Alert, bool) {
	key := model.WatchlistKey{SensorMAC: in.SensorMAC, Kind: kind}

	e.mu.Lock()
	entry, onWatchlist := e.watchlist[key]
	if !onWatchlist {
		e.watchlist[key] = model.WatchlistEntry{FirstSeen: now, Message: msg}
		e.mu.Unlock()
		return model.Alert{}, false
	}
	entry.Message = msg
	e.watchlist[key] = entry
	e.mu.Unlock()

	elapsed := now.Sub(entry.FirstSeen)
	if elapsed < soak {
		return model.Alert{}, false
	}

	if elapsed >= promoteAfter && extreme {
		priority = model.PriorityCritica
	}

	if !in.LastAlertSentTs.IsZero() && now.Sub(in.LastAlertSentTs) < Cooldown(in.LastAlertPriority) {
		return model.Alert{}, false
	}

	return model.Alert{
		SensorName: in.DisplayName,
		SensorMAC:  in.SensorMAC,
		Priority:   priority,
		Messages:   []string{msg},
		Timestamp:  now,
		Context: map[string]interface{}{
			"temp":          in.CurrentTemp,
			"hum":           in.CurrentHum,
			"is_defrosting": in.IsDefrosting,
			"door_open":     in.DoorOpen,
		},
	}, true
}

// DropSensor clears every watchlist entry for mac, used when a sensor
// enters manutencao (maintenance) mode.
func (e *Engine) DropSensor(mac string) {
	e.clearAllWatchlist(mac)
}

func (e *Engine) clearWatchlist(mac string, kind model.ProblemKind) {
	e.mu.Lock()
	delete(e.watchlist, model.WatchlistKey{SensorMAC: mac, Kind: kind})
	e.mu.Unlock()
}

func (e *Engine) clearAllWatchlist(mac string) {
	e.mu.Lock()
	for k := range e.watchlist {
		if k.SensorMAC == mac {
			delete(e.watchlist, k)
		}
	}
	e.mu.Unlock()
}

// PruneWatchlist evicts entries older than 2x the longest soak window,
// run periodically by the maintenance scheduler.
func (e *Engine) PruneWatchlist(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-2 * hardLimitSoak)
	n := 0
	for k, v := range e.watchlist {
		if v.FirstSeen.Before(cutoff) {
			delete(e.watchlist, k)
			n++
		}
	}
	return n
}

// WatchlistEntry exposes a copy of the watchlist entry for (mac, kind),
// used by tests asserting the soak invariant.
func (e *Engine) WatchlistEntry(mac string, kind model.ProblemKind) (model.WatchlistEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.watchlist[model.WatchlistKey{SensorMAC: mac, Kind: kind}]
	return v, ok
}
