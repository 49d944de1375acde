package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldchain/telemetry-processor/internal/alertengine"
	"github.com/coldchain/telemetry-processor/internal/clock"
	"github.com/coldchain/telemetry-processor/internal/model"
	"github.com/coldchain/telemetry-processor/internal/sensormachine"
	"github.com/coldchain/telemetry-processor/internal/sensorstate"
)

type fakeQueue[T any] struct {
	items []T
}

func (q *fakeQueue[T]) Push(item T) { q.items = append(q.items, item) }

func newDispatcher(now time.Time) (*Dispatcher, *fakeQueue[model.TelemetryRecord], *fakeQueue[model.DoorRecord], *fakeQueue[model.Alert]) {
	fc := clock.NewFake(now)
	store := sensorstate.NewStore()
	alerts := alertengine.New(alertengine.DefaultConfig(time.UTC), fc)
	machine := sensormachine.New(store, alerts, fc)

	tq := &fakeQueue[model.TelemetryRecord]{}
	dq := &fakeQueue[model.DoorRecord]{}
	aq := &fakeQueue[model.Alert]{}

	d := New(Config{
		Machine:        machine,
		Clock:          fc,
		TelemetryQueue: tq,
		DoorQueue:      dq,
		AlertQueue:     aq,
	})
	return d, tq, dq, aq
}

func TestDecodeGatewaysSingleObject(t *testing.T) {
	payload := []byte(`{"gmac":"AABBCCDDEEFF","obj":[{"dmac":"112233445566","type":1,"temp":-18.0,"humidity":50,"vbatt":3200,"rssi":-60}]}`)
	gws, err := decodeGateways(payload)
	require.NoError(t, err)
	require.Len(t, gws, 1)
	assert.Equal(t, "AABBCCDDEEFF", gws[0].GMAC)
	assert.Len(t, gws[0].Obj, 1)
}

func TestDecodeGatewaysFlatArray(t *testing.T) {
	payload := []byte(`[{"gmac":"AA","obj":[]},{"gmac":"BB","obj":[]}]`)
	gws, err := decodeGateways(payload)
	require.NoError(t, err)
	assert.Len(t, gws, 2)
}

func TestDecodeGatewaysNestedArray(t *testing.T) {
	payload := []byte(`[[{"gmac":"AA","obj":[]}]]`)
	gws, err := decodeGateways(payload)
	require.NoError(t, err)
	assert.Len(t, gws, 1)
}

func TestHandleMessageSkipsUnknownSensorMAC(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	d, tq, _, _ := newDispatcher(now)

	payload := []byte(`{"gmac":"AABBCCDDEEFF","obj":[{"dmac":"112233445566","type":1,"temp":-18.0,"humidity":50,"vbatt":3200,"rssi":-60}]}`)
	d.HandleMessage(payload)

	assert.Empty(t, tq.items, "sensor absent from config cache must be ignored")
}

func TestHandleMessageRoutesKnownSensor(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	d, tq, _, _ := newDispatcher(now)

	d.SwapConfig(map[string]model.SensorConfig{
		"11:22:33:44:55:66": {MAC: "11:22:33:44:55:66", DisplayName: "Freezer 1"},
	})

	payload := []byte(`{"gmac":"AABBCCDDEEFF","obj":[{"dmac":"112233445566","type":1,"temp":-18.0,"humidity":50,"vbatt":3200,"rssi":-60}]}`)
	d.HandleMessage(payload)

	require.Len(t, tq.items, 1)
	assert.Equal(t, "11:22:33:44:55:66", tq.items[0].SensorMAC)
}

func TestHandleMessageSkipsSecondaryBlocklistedPairedDoorSensor(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	d, tq, _, _ := newDispatcher(now)

	d.SwapConfig(map[string]model.SensorConfig{
		"11:22:33:44:55:66": {MAC: "11:22:33:44:55:66", SensorPortaVinculado: "77:88:99:AA:BB:CC"},
		"77:88:99:AA:BB:CC": {MAC: "77:88:99:AA:BB:CC"},
	})

	payload := []byte(`{"gmac":"AABBCCDDEEFF","obj":[{"dmac":"778899AABBCC","type":1,"temp":-18.0,"humidity":50,"vbatt":3200,"rssi":-60}]}`)
	d.HandleMessage(payload)

	assert.Empty(t, tq.items, "paired physical door sensor must never be processed directly")
}

func TestHandleMessageRecordsGatewayHeartbeat(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	d, _, _, _ := newDispatcher(now)

	payload := []byte(`{"gmac":"AABBCCDDEEFF","obj":[]}`)
	d.HandleMessage(payload)

	hbs := d.Heartbeats()
	require.Contains(t, hbs, "AA:BB:CC:DD:EE:FF")
	assert.Equal(t, model.HeartbeatLive, hbs["AA:BB:CC:DD:EE:FF"].Source)
}
