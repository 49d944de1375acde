// Package sensormachine orchestrates the per-sample pipeline over a single
// sensor's state: window append, thermal analysis, defrost detection
// (ahead of door detection), alert evaluation, and deadband-filtered
// persistence. This is the component E/§4.E step order, wired to the
// leaf packages built underneath it.
package sensormachine

import (
	"time"

	"github.com/coldchain/telemetry-processor/internal/alertengine"
	"github.com/coldchain/telemetry-processor/internal/clock"
	"github.com/coldchain/telemetry-processor/internal/defrostdetector"
	"github.com/coldchain/telemetry-processor/internal/doordetector"
	"github.com/coldchain/telemetry-processor/internal/model"
	"github.com/coldchain/telemetry-processor/internal/profile"
	"github.com/coldchain/telemetry-processor/internal/sensorstate"
	"github.com/coldchain/telemetry-processor/internal/thermal"
)

const (
	tempDeadband = 0.2
	humDeadband  = 2.0
	maxDBAge     = 10 * time.Minute
)

// Sample is a single accepted reading for one sensor, already MAC-canonical
// and config-matched.
type Sample struct {
	GatewayMAC string
	SensorMAC  string
	Temp       float64
	Hum        float64
	RSSI       int
	BatteryPct int
	Ts         time.Time
}

// Result is everything produced by processing one sample, ready to be
// queued by the ingestion dispatcher.
type Result struct {
	Telemetry *model.TelemetryRecord
	Door      *model.DoorRecord
	Alerts    []model.Alert
}

// Machine wires the leaf components (window, thermal, detectors, alert
// engine) into the per-sample pipeline described in §4.E.
type Machine struct {
	store  *sensorstate.Store
	alerts *alertengine.Engine
	clock  clock.Clock
}

// New builds a sensor state machine.
func New(store *sensorstate.Store, alerts *alertengine.Engine, c clock.Clock) *Machine {
	return &Machine{store: store, alerts: alerts, clock: c}
}

// Process runs the full per-sample pipeline for one accepted reading.
func (m *Machine) Process(s Sample, cfg model.SensorConfig) Result {
	var res Result

	if cfg.EmManutencao {
		m.store.With(s.SensorMAC, func(st *sensorstate.State) {
			st.LastReadingTs = s.Ts
			st.LastAlertSentTs = time.Time{}
			st.LastAlertPriority = ""
		})
		m.alerts.DropSensor(s.SensorMAC)
		return res
	}

	prof := profile.Resolve(cfg.TempMin)
	tuning := profile.Tunings(prof)

	m.store.With(s.SensorMAC, func(st *sensorstate.State) {
		st.LastTemp = s.Temp
		st.LastHum = s.Hum
		st.LastRSSI = s.RSSI
		st.LastBattery = s.BatteryPct
		st.LastReadingTs = s.Ts

		st.Window.Append(s.Ts, s.Temp)
		metrics := thermal.Analyze(st.Window.Samples(), tuning)

		m.runDefrost(st, metrics, tuning, prof, s)
		doorRec := m.runDoor(st, metrics, tuning, prof, cfg, s)
		if doorRec != nil {
			res.Door = doorRec
		}

		res.Alerts = m.alerts.Evaluate(alertengine.EvalInput{
			SensorMAC:         s.SensorMAC,
			DisplayName:       cfg.DisplayName,
			Config:            cfg,
			Profile:           prof,
			Metrics:           metrics,
			CurrentTemp:       s.Temp,
			CurrentHum:        s.Hum,
			IsDefrosting:      st.IsDefrosting,
			DoorOpen:          st.LastVirtualState,
			DoorOpenSince:     st.LastAnalysisTs,
			LastAlertSentTs:   st.LastAlertSentTs,
			LastAlertPriority: st.LastAlertPriority,
		})
		if len(res.Alerts) > 0 {
			last := res.Alerts[len(res.Alerts)-1]
			st.LastAlertSentTs = last.Timestamp
			st.LastAlertPriority = last.Priority
		}

		if rec := deadband(st, s); rec != nil {
			res.Telemetry = rec
		}
	})

	return res
}

func (m *Machine) runDefrost(st *sensorstate.State, metrics thermal.Metrics, tuning profile.Tuning, prof profile.Profile, s Sample) {
	if !metrics.Ready {
		return
	}

	if !st.IsDefrosting {
		d := defrostdetector.EvaluateStart(defrostdetector.Input{
			Metrics: metrics,
			Tuning:  tuning,
			Profile: prof,
		})
		if d.Start {
			st.IsDefrosting = true
			st.DefrostStartTs = s.Ts
			st.DefrostStartTemp = s.Temp
			st.DefrostPeakTemp = s.Temp
			st.DefrostJustStarted = true
			st.LastVirtualState = false
			st.DoorCandidates = doordetector.Candidates{}
		}
		return
	}

	if s.Temp > st.DefrostPeakTemp {
		st.DefrostPeakTemp = s.Temp
	}

	e := defrostdetector.EvaluateEnd(defrostdetector.Input{
		Metrics:          metrics,
		Tuning:           tuning,
		Profile:          prof,
		CurrentTemp:      s.Temp,
		IsDefrosting:     st.IsDefrosting,
		JustStarted:      st.DefrostJustStarted,
		CycleStartedAt:   st.DefrostStartTs,
		DefrostStartTemp: st.DefrostStartTemp,
	}, s.Ts)

	st.DefrostJustStarted = false

	if e.End {
		st.IsDefrosting = false
		st.DefrostStartTs = time.Time{}
		st.DefrostStartTemp = 0
		st.DefrostPeakTemp = 0
	}
}

func (m *Machine) runDoor(
	st *sensorstate.State,
	metrics thermal.Metrics,
	tuning profile.Tuning,
	prof profile.Profile,
	cfg model.SensorConfig,
	s Sample,
) *model.DoorRecord {
	if !metrics.Ready {
		return nil
	}

	in := doordetector.Input{
		Metrics:       metrics,
		Tuning:        tuning,
		CurrentTemp:   s.Temp,
		TempMin:       cfg.TempMin,
		TempMax:       cfg.TempMax,
		IsDefrosting:  st.IsDefrosting,
		PriorOpen:     st.LastVirtualState,
		PriorVariance: st.LastVariance,
	}

	transition, newState := doordetector.Evaluate(in, s.Ts, &st.DoorCandidates)
	st.LastVariance = metrics.Variance

	if !transition {
		return nil
	}

	st.LastVirtualState = newState
	st.LastAnalysisTs = s.Ts

	return &model.DoorRecord{
		GatewayMAC: s.GatewayMAC,
		SensorMAC:  s.SensorMAC,
		Timestamp:  s.Ts,
		IsOpen:     newState,
		BatteryPct: s.BatteryPct,
		RSSI:       s.RSSI,
	}
}

func deadband(st *sensorstate.State, s Sample) *model.TelemetryRecord {
	dTemp := absf(s.Temp - st.LastDBTemp)
	dHum := absf(s.Hum - st.LastDBHum)
	stale := st.LastDBTs.IsZero() || s.Ts.Sub(st.LastDBTs) >= maxDBAge

	if !st.LastDBTs.IsZero() && dTemp < tempDeadband && dHum < humDeadband && !stale {
		return nil
	}

	st.LastDBTemp = s.Temp
	st.LastDBHum = s.Hum
	st.LastDBTs = s.Ts

	return &model.TelemetryRecord{
		GatewayMAC: s.GatewayMAC,
		SensorMAC:  s.SensorMAC,
		Timestamp:  s.Ts,
		Temp:       s.Temp,
		Hum:        s.Hum,
		BatteryPct: s.BatteryPct,
		RSSI:       s.RSSI,
	}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
