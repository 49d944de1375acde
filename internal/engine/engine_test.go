package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldchain/telemetry-processor/internal/alertengine"
	"github.com/coldchain/telemetry-processor/internal/buffers"
	"github.com/coldchain/telemetry-processor/internal/bus"
	"github.com/coldchain/telemetry-processor/internal/clock"
	"github.com/coldchain/telemetry-processor/internal/ingest"
	"github.com/coldchain/telemetry-processor/internal/metrics"
	"github.com/coldchain/telemetry-processor/internal/model"
	"github.com/coldchain/telemetry-processor/internal/sensormachine"
	"github.com/coldchain/telemetry-processor/internal/sensorstate"
	"github.com/coldchain/telemetry-processor/internal/webhook"
)

type fakeStore struct {
	telemetryBatches [][]model.TelemetryRecord
	failInsert       bool
}

func (f *fakeStore) SensorConfigs(ctx context.Context) (map[string]model.SensorConfig, error) {
	return map[string]model.SensorConfig{}, nil
}
func (f *fakeStore) InsertTelemetry(ctx context.Context, rows []model.TelemetryRecord) error {
	if f.failInsert {
		return errors.New("insert failed")
	}
	f.telemetryBatches = append(f.telemetryBatches, rows)
	return nil
}
func (f *fakeStore) InsertDoorEvents(ctx context.Context, rows []model.DoorRecord) error { return nil }
func (f *fakeStore) LastDoorState(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (f *fakeStore) RecentGatewayActivity(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}
func (f *fakeStore) Close() error { return nil }

type fakeBus struct{}

func (fakeBus) Subscribe(ctx context.Context, topic string, h bus.Handler) error {
	<-ctx.Done()
	return nil
}
func (fakeBus) Close() error { return nil }

func newTestEngine(now time.Time) (*Engine, *fakeStore) {
	fc := clock.NewFake(now)
	st := sensorstate.NewStore()
	alerts := alertengine.New(alertengine.DefaultConfig(time.UTC), fc)
	machine := sensormachine.New(st, alerts, fc)

	tq := buffers.New[model.TelemetryRecord]()
	dq := buffers.New[model.DoorRecord]()
	aq := buffers.New[model.Alert]()

	dispatcher := ingest.New(ingest.Config{
		Machine:        machine,
		Clock:          fc,
		TelemetryQueue: tq,
		DoorQueue:      dq,
		AlertQueue:     aq,
	})

	fs := &fakeStore{}

	e := &Engine{
		clock:          fc,
		store:          fs,
		busClient:      fakeBus{},
		webhook:        webhook.New("http://unused.invalid"),
		metrics:        metrics.New("", "telemetry", nil),
		sensorState:    st,
		alerts:         alerts,
		machine:        machine,
		dispatcher:     dispatcher,
		telemetryQueue: tq,
		doorQueue:      dq,
		alertQueue:     aq,
		startedAt:      now,
	}
	return e, fs
}

func TestDrainTelemetryPersistsAndEmptiesQueue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, fs := newTestEngine(now)

	e.telemetryQueue.Push(model.TelemetryRecord{SensorMAC: "AA:BB", Temp: -18})
	e.drainTelemetry(context.Background())

	require.Len(t, fs.telemetryBatches, 1)
	assert.Len(t, fs.telemetryBatches[0], 1)
	assert.Equal(t, 0, e.telemetryQueue.Len())
}

func TestDrainTelemetryRequeuesOnFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, fs := newTestEngine(now)
	fs.failInsert = true

	e.telemetryQueue.Push(model.TelemetryRecord{SensorMAC: "AA:BB", Temp: -18})
	e.drainTelemetry(context.Background())

	assert.Equal(t, 1, e.telemetryQueue.Len())
	assert.Empty(t, fs.telemetryBatches)
}

func TestCheckGatewayOfflineFiresAfterSilenceThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(now)

	e.dispatcher.SeedHeartbeat("GW:1", now.Add(-20*time.Minute))

	fc := e.clock.(*clock.Fake)
	fc.Advance(21 * time.Minute)

	e.checkGatewayOffline(context.Background())

	require.Equal(t, 1, e.alertQueue.Len())
	batch := e.alertQueue.Drain()
	assert.Equal(t, model.PrioritySistema, batch[0].Priority)
}

func TestCheckGatewayOfflineRespectsCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(now)

	e.dispatcher.SeedHeartbeat("GW:1", now.Add(-20*time.Minute))
	fc := e.clock.(*clock.Fake)
	fc.Advance(21 * time.Minute)

	e.checkGatewayOffline(context.Background())
	require.Equal(t, 1, e.alertQueue.Len())
	e.alertQueue.Drain()

	fc.Advance(time.Minute)
	e.checkGatewayOffline(context.Background())
	assert.Equal(t, 0, e.alertQueue.Len())
}
