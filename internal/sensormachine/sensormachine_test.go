package sensormachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldchain/telemetry-processor/internal/alertengine"
	"github.com/coldchain/telemetry-processor/internal/clock"
	"github.com/coldchain/telemetry-processor/internal/model"
	"github.com/coldchain/telemetry-processor/internal/sensorstate"
)

func newMachine(now time.Time) (*Machine, *clock.Fake) {
	fc := clock.NewFake(now)
	store := sensorstate.NewStore()
	alerts := alertengine.New(alertengine.DefaultConfig(time.UTC), fc)
	return New(store, alerts, fc), fc
}

func ptr(f float64) *float64 { return &f }

func TestScenarioSteadyStateNoAlert(t *testing.T) {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	m, fc := newMachine(base)

	cfg := model.SensorConfig{MAC: "AA:BB", TempMin: ptr(-25), TempMax: ptr(-10)}

	var lastRes Result
	telemetryCount := 0
	doorCount := 0
	for i := 0; i < 30; i++ {
		temp := -18.0 + 0.05
		if i%2 == 0 {
			temp = -18.0 - 0.05
		}
		s := Sample{GatewayMAC: "GW1", SensorMAC: "AA:BB", Temp: temp, Hum: 50, Ts: fc.Now()}
		lastRes = m.Process(s, cfg)
		if lastRes.Telemetry != nil {
			telemetryCount++
		}
		if lastRes.Door != nil {
			doorCount++
		}
		fc.Advance(10 * time.Second)
	}

	assert.Empty(t, lastRes.Alerts)
	assert.Equal(t, 1, telemetryCount, "only the first sample should clear the deadband")
	assert.Equal(t, 0, doorCount)
}

func TestScenarioDefrostCycleSuppressesAlert(t *testing.T) {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	m, fc := newMachine(base)

	cfg := model.SensorConfig{MAC: "AA:BB", TempMax: ptr(-5.0)}

	temp := -18.0
	var sawDefrostStart, sawAlert bool
	var lastState sensorstate.State

	for i := 0; i < 20; i++ {
		temp += 0.3
		s := Sample{GatewayMAC: "GW1", SensorMAC: "AA:BB", Temp: temp, Hum: 50, Ts: fc.Now()}
		res := m.Process(s, cfg)
		if len(res.Alerts) > 0 {
			sawAlert = true
		}
		fc.Advance(10 * time.Second)
	}

	m.store.With("AA:BB", func(st *sensorstate.State) { lastState = *st })
	sawDefrostStart = lastState.IsDefrosting
	assert.True(t, sawDefrostStart, "defrost should have started during the rise")

	for i := 0; i < 15; i++ {
		temp -= 0.4
		s := Sample{GatewayMAC: "GW1", SensorMAC: "AA:BB", Temp: temp, Hum: 50, Ts: fc.Now()}
		res := m.Process(s, cfg)
		if len(res.Alerts) > 0 {
			sawAlert = true
		}
		fc.Advance(10 * time.Second)
	}

	assert.False(t, sawAlert, "no alert should fire during the defrost cycle, whose peak (-12) stays below temp_max")
}

func TestScenarioHardHighTempWithSoak(t *testing.T) {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	m, fc := newMachine(base)

	cfg := model.SensorConfig{MAC: "AA:BB", TempMax: ptr(-5.0)}

	var alertTimes []time.Time
	for i := 0; i < 150; i++ { // 25 min at 10s intervals
		s := Sample{GatewayMAC: "GW1", SensorMAC: "AA:BB", Temp: 0, Hum: 50, Ts: fc.Now()}
		res := m.Process(s, cfg)
		for _, a := range res.Alerts {
			alertTimes = append(alertTimes, a.Timestamp)
		}
		fc.Advance(10 * time.Second)
	}

	require.NotEmpty(t, alertTimes)
	firstAlertOffset := alertTimes[0].Sub(base)
	assert.GreaterOrEqual(t, firstAlertOffset, 10*time.Minute)
	assert.Less(t, firstAlertOffset, 11*time.Minute)

	for _, at := range alertTimes[1:] {
		assert.GreaterOrEqual(t, at.Sub(alertTimes[0]), 15*time.Minute)
	}
}

func TestScenarioVirtualDoorOpenThenClose(t *testing.T) {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	m, fc := newMachine(base)

	cfg := model.SensorConfig{MAC: "AA:BB", TempMax: ptr(-5.0)}

	// Steady baseline long enough to clear thermal.MinSamples before the
	// spike begins.
	baseline := make([]float64, 10)
	for i := range baseline {
		baseline[i] = -18.0
	}

	// Literal turbulent-warming spike: abrupt rise to -11 then back down,
	// the shape a door-open event produces against a flat steady state.
	spike := []float64{-18, -17, -15.5, -13, -11, -12.5, -14, -16, -17.5}

	// Flat recovery tail: gives the regression room to recognise the
	// spike has passed and commit the close transition.
	tail := make([]float64, 60)
	for i := range tail {
		tail[i] = -18.0
	}

	temps := append(append(append([]float64{}, baseline...), spike...), tail...)
	spikeStart, spikeEnd := len(baseline), len(baseline)+len(spike)-1

	var openIdx, closeIdx = -1, -1
	for i, temp := range temps {
		s := Sample{GatewayMAC: "GW1", SensorMAC: "AA:BB", Temp: temp, Hum: 50, Ts: fc.Now()}
		res := m.Process(s, cfg)
		if res.Door != nil {
			if res.Door.IsOpen && openIdx == -1 {
				openIdx = i
			}
			if !res.Door.IsOpen && openIdx != -1 && closeIdx == -1 {
				closeIdx = i
			}
		}
		fc.Advance(10 * time.Second)
	}

	require.NotEqual(t, -1, openIdx, "door should have transitioned to open during the spike")
	assert.GreaterOrEqual(t, openIdx, spikeStart, "open transition should not fire against the steady baseline")
	assert.LessOrEqual(t, openIdx, spikeEnd, "open transition should be confirmed by the end of the spike")

	require.NotEqual(t, -1, closeIdx, "door should have transitioned back to closed once the spike recedes")
	assert.Greater(t, closeIdx, openIdx)

	var lastState sensorstate.State
	m.store.With("AA:BB", func(st *sensorstate.State) { lastState = *st })
	assert.False(t, lastState.IsDefrosting, "this shape should never be misclassified as a defrost cycle")
	assert.False(t, lastState.LastVirtualState, "door should be closed again by the end of the run")
}

func TestScenarioExtremeDeviationPromotesToCritica(t *testing.T) {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	m, fc := newMachine(base)

	cfg := model.SensorConfig{MAC: "AA:BB", TempMax: ptr(-5.0)}

	var priorities []model.Priority
	for i := 0; i < 280; i++ { // past the second cooldown window, long enough to observe promotion
		s := Sample{GatewayMAC: "GW1", SensorMAC: "AA:BB", Temp: 10, Hum: 50, Ts: fc.Now()}
		res := m.Process(s, cfg)
		for _, a := range res.Alerts {
			priorities = append(priorities, a.Priority)
		}
		fc.Advance(10 * time.Second)
	}

	require.NotEmpty(t, priorities)
	assert.Equal(t, model.PriorityAlta, priorities[0])
	assert.Equal(t, model.PriorityCritica, priorities[len(priorities)-1])
}
