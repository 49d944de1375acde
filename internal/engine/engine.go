// Package engine wires the leaf components into the long-running
// process: bus subscription, the three drain schedulers, and the
// periodic maintenance jobs described in §4.H/§5. It holds every piece
// of mutable state as explicit struct fields rather than package-level
// globals.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coldchain/telemetry-processor/internal/alertengine"
	"github.com/coldchain/telemetry-processor/internal/buffers"
	"github.com/coldchain/telemetry-processor/internal/bus"
	"github.com/coldchain/telemetry-processor/internal/clock"
	"github.com/coldchain/telemetry-processor/internal/config"
	"github.com/coldchain/telemetry-processor/internal/healthapi"
	"github.com/coldchain/telemetry-processor/internal/ingest"
	"github.com/coldchain/telemetry-processor/internal/metrics"
	"github.com/coldchain/telemetry-processor/internal/model"
	"github.com/coldchain/telemetry-processor/internal/sensormachine"
	"github.com/coldchain/telemetry-processor/internal/sensorstate"
	"github.com/coldchain/telemetry-processor/internal/store"
	"github.com/coldchain/telemetry-processor/internal/webhook"
)

const (
	telemetryDrainPeriod = 10 * time.Second
	doorDrainPeriod      = 10 * time.Second
	alertDrainPeriod     = 5 * time.Minute

	configRefreshPeriod   = 10 * time.Minute
	heartbeatReseedPeriod = 30 * time.Minute
	gatewayOfflinePeriod  = 1 * time.Minute
	stateGCPeriod         = 24 * time.Hour
	watchlistGCPeriod     = 30 * time.Minute

	gatewayOfflineThreshold = 15 * time.Minute
	sistemaAlertCooldown    = 1 * time.Hour

	heartbeatReseedLookback = 35 * time.Minute

	shutdownDrainTimeout = 10 * time.Second
)

// Engine owns every shared resource and the goroutines that drive them.
type Engine struct {
	cfg   config.Config
	clock clock.Clock

	store     store.Store
	busClient bus.Client
	webhook   *webhook.Client
	metrics   *metrics.Metrics

	sensorState *sensorstate.Store
	alerts      *alertengine.Engine
	machine     *sensormachine.Machine
	dispatcher  *ingest.Dispatcher

	telemetryQueue *buffers.Queue[model.TelemetryRecord]
	doorQueue      *buffers.Queue[model.DoorRecord]
	alertQueue     *buffers.Queue[model.Alert]

	startedAt time.Time

	wg sync.WaitGroup
}

// New builds an engine from loaded configuration, a connected bus client,
// and an already opened store. The sensor config cache starts empty; Run
// primes it during bootstrap.
func New(cfg config.Config, busClient bus.Client, st store.Store) (*Engine, error) {
	c := clock.Real{}
	loc := cfg.Location()

	sensorState := sensorstate.NewStore()
	alerts := alertengine.New(alertengine.Config{
		GlobalTempMaxFallback: cfg.GlobalTempMaxFallback,
		GlobalTempMinFallback: cfg.GlobalTempMinFallback,
		HighTrafficFallback:   cfg.HighTrafficFallback,
		HighTrafficWeekdays:   cfg.HighTrafficWeekdaysAsTime(),
		Location:              loc,
		DoorMaxOpen:           time.Duration(cfg.DoorMaxOpenMinutes * float64(time.Minute)),
	}, c)
	machine := sensormachine.New(sensorState, alerts, c)

	telemetryQueue := buffers.New[model.TelemetryRecord]()
	doorQueue := buffers.New[model.DoorRecord]()
	alertQueue := buffers.New[model.Alert]()

	dispatcher := ingest.New(ingest.Config{
		Machine:                   machine,
		Clock:                     c,
		TelemetryQueue:            telemetryQueue,
		DoorQueue:                 doorQueue,
		AlertQueue:                alertQueue,
		HardcodedGatewayBlocklist: cfg.HardcodedGatewayBlocklist,
		HardcodedSensorBlocklist:  cfg.HardcodedSensorBlocklist,
	})

	e := &Engine{
		cfg:            cfg,
		clock:          c,
		store:          st,
		busClient:      busClient,
		webhook:        webhook.New(cfg.WebhookURL),
		metrics:        metrics.New(cfg.DDAgentAddr, cfg.DDNamespace, cfg.DDTags),
		sensorState:    sensorState,
		alerts:         alerts,
		machine:        machine,
		dispatcher:     dispatcher,
		telemetryQueue: telemetryQueue,
		doorQueue:      doorQueue,
		alertQueue:     alertQueue,
		startedAt:      c.Now(),
	}

	return e, nil
}

// Run subscribes to the bus and starts every periodic task. It blocks
// until ctx is cancelled, then drains best-effort and returns.
func (e *Engine) Run(ctx context.Context) error {
	bootstrapCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	e.bootstrap(bootstrapCtx)
	cancel()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.busClient.Subscribe(ctx, e.cfg.BusTopic, e.dispatcher.HandleMessage); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("bus subscription ended unexpectedly")
		}
	}()

	e.startTicker(ctx, telemetryDrainPeriod, e.drainTelemetry)
	e.startTicker(ctx, doorDrainPeriod, e.drainDoors)
	e.startTicker(ctx, alertDrainPeriod, e.drainAlerts)
	e.startTicker(ctx, configRefreshPeriod, e.refreshConfig)
	e.startTicker(ctx, heartbeatReseedPeriod, e.reseedHeartbeats)
	e.startTicker(ctx, gatewayOfflinePeriod, e.checkGatewayOffline)
	e.startTicker(ctx, stateGCPeriod, e.evictSilentState)
	e.startTicker(ctx, watchlistGCPeriod, e.pruneWatchlist)

	<-ctx.Done()

	e.wg.Wait()
	e.shutdown()
	return nil
}

func (e *Engine) startTicker(ctx context.Context, period time.Duration, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// bootstrap primes the sensor config cache and the last-known door state
// so a restart doesn't read as a phantom door-open.
func (e *Engine) bootstrap(ctx context.Context) {
	e.refreshConfig(ctx)

	doorStates, err := e.store.LastDoorState(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to bootstrap last door state")
	} else {
		for mac, open := range doorStates {
			e.sensorState.With(mac, func(s *sensorstate.State) {
				s.LastVirtualState = open
			})
		}
	}

	e.reseedHeartbeats(ctx)
}

func (e *Engine) refreshConfig(ctx context.Context) {
	configs, err := e.store.SensorConfigs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("config refresh failed, keeping previous cache")
		return
	}
	e.dispatcher.SwapConfig(configs)
}

func (e *Engine) reseedHeartbeats(ctx context.Context) {
	since := e.clock.Now().Add(-heartbeatReseedLookback)
	activity, err := e.store.RecentGatewayActivity(ctx, since)
	if err != nil {
		log.Error().Err(err).Msg("failed to reseed gateway heartbeats")
		return
	}
	for mac, lastSeen := range activity {
		e.dispatcher.SeedHeartbeat(mac, lastSeen)
	}
}

func (e *Engine) checkGatewayOffline(ctx context.Context) {
	now := e.clock.Now()
	for mac, hb := range e.dispatcher.Heartbeats() {
		if now.Sub(hb.LastSeen) < gatewayOfflineThreshold {
			continue
		}
		if !hb.LastSistemaTs.IsZero() && now.Sub(hb.LastSistemaTs) < sistemaAlertCooldown {
			continue
		}

		e.alertQueue.Push(model.Alert{
			SensorName: mac,
			SensorMAC:  mac,
			Priority:   model.PrioritySistema,
			Messages:   []string{"GATEWAY OFFLINE"},
			Timestamp:  now,
		})
		e.dispatcher.MarkSistemaAlertSent(mac, now)
	}
}

func (e *Engine) evictSilentState(ctx context.Context) {
	n := e.sensorState.EvictSilent(e.clock.Now())
	if n > 0 {
		log.Info().Int("count", n).Msg("evicted silent sensor state")
	}
}

func (e *Engine) pruneWatchlist(ctx context.Context) {
	n := e.alerts.PruneWatchlist(e.clock.Now())
	if n > 0 {
		log.Info().Int("count", n).Msg("pruned stale watchlist entries")
	}
}

func (e *Engine) drainTelemetry(ctx context.Context) {
	batch := e.telemetryQueue.Drain()
	if len(batch) == 0 {
		return
	}
	if err := e.store.InsertTelemetry(ctx, batch); err != nil {
		log.Error().Err(err).Int("count", len(batch)).Msg("telemetry insert failed, retrying next tick")
		e.telemetryQueue.Requeue(batch)
		return
	}
	e.metrics.Count("telemetry.persisted", int64(len(batch)))
}

func (e *Engine) drainDoors(ctx context.Context) {
	batch := e.doorQueue.Drain()
	if len(batch) == 0 {
		return
	}
	if err := e.store.InsertDoorEvents(ctx, batch); err != nil {
		log.Error().Err(err).Int("count", len(batch)).Msg("door event insert failed, retrying next tick")
		e.doorQueue.Requeue(batch)
		return
	}
	e.metrics.Count("door_events.persisted", int64(len(batch)))
}

func (e *Engine) drainAlerts(ctx context.Context) {
	batch := e.alertQueue.Drain()
	if len(batch) == 0 {
		return
	}
	if err := e.webhook.Deliver(ctx, batch, e.clock.Now()); err != nil {
		log.Error().Err(err).Int("count", len(batch)).Msg("webhook delivery failed, retrying next tick")
		e.alertQueue.Requeue(batch)
		return
	}
	e.metrics.Count("alerts.delivered", int64(len(batch)))
}

// shutdown flushes the telemetry queue one last time (best-effort) and
// closes the store. Outbound alert and door queues are abandoned per
// §5's shutdown policy.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()

	batch := e.telemetryQueue.Drain()
	if len(batch) > 0 {
		if err := e.store.InsertTelemetry(ctx, batch); err != nil {
			log.Error().Err(err).Msg("final telemetry flush failed")
		}
	}

	if err := e.busClient.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing bus client")
	}
	if err := e.store.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing store")
	}
}

// --- healthapi.Sources ---

func (e *Engine) SensorSnapshot() map[string]sensorstate.State {
	return e.sensorState.Snapshot()
}

func (e *Engine) SensorConfigs() map[string]model.SensorConfig {
	return e.dispatcher.SensorConfigs()
}

func (e *Engine) GatewaySnapshot() map[string]model.GatewayHeartbeat {
	return e.dispatcher.Heartbeats()
}

func (e *Engine) TelemetryQueueLen() int { return e.telemetryQueue.Len() }
func (e *Engine) DoorQueueLen() int      { return e.doorQueue.Len() }
func (e *Engine) AlertQueueLen() int     { return e.alertQueue.Len() }

// StartedAt returns the process start time for uptime reporting.
func (e *Engine) StartedAt() time.Time { return e.startedAt }

var _ healthapi.Sources = (*Engine)(nil)
