// Package ingest is the dispatcher that decodes inbound bus payloads,
// filters blocklisted gateways/sensors, tracks gateway heartbeats, and
// routes accepted readings into the per-sensor state machine. It never
// blocks on persistence or outbound delivery: both are pushed onto queues
// (internal/buffers) that the drain schedulers in internal/engine empty.
package ingest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coldchain/telemetry-processor/internal/clock"
	"github.com/coldchain/telemetry-processor/internal/macaddr"
	"github.com/coldchain/telemetry-processor/internal/model"
	"github.com/coldchain/telemetry-processor/internal/sensormachine"
)

// acceptedSensorType is the only `type` value the core consumes; other
// values (e.g. physical door sensors reporting alarm codes) are ignored.
const acceptedSensorType = 1

// GatewayPayload is one outer element of the inbound message: a gateway
// and the sensor readings it is relaying.
type GatewayPayload struct {
	GMAC string        `json:"gmac"`
	Obj  []SensorEntry `json:"obj"`
}

// SensorEntry is one inner sensor reading.
type SensorEntry struct {
	DMAC     string  `json:"dmac"`
	Type     int     `json:"type"`
	Temp     float64 `json:"temp"`
	Humidity float64 `json:"humidity"`
	VBatt    float64 `json:"vbatt"`
	RSSI     int     `json:"rssi"`
	Time     string  `json:"time,omitempty"`
	Alarm    *int    `json:"alarm,omitempty"`
}

// Dispatcher owns the config cache, blocklists, and gateway heartbeat
// map, and routes accepted samples into a sensormachine.Machine.
type Dispatcher struct {
	machine *sensormachine.Machine
	clock   clock.Clock

	telemetryQueue queuer[model.TelemetryRecord]
	doorQueue      queuer[model.DoorRecord]
	alertQueue     queuer[model.Alert]

	hardcodedGatewayBlocklist map[string]bool
	hardcodedSensorBlocklist  map[string]bool

	mu                 sync.RWMutex
	configCache        map[string]model.SensorConfig
	secondaryBlocklist map[string]bool

	hbMu       sync.RWMutex
	heartbeats map[string]model.GatewayHeartbeat
}

// queuer is the subset of buffers.Queue[T] the dispatcher needs, declared
// here so the dispatcher does not import the buffers package and tests
// can supply their own queues.
type queuer[T any] interface {
	Push(T)
}

// Config bundles the dispatcher's fixed dependencies.
type Config struct {
	Machine                   *sensormachine.Machine
	Clock                     clock.Clock
	TelemetryQueue            queuer[model.TelemetryRecord]
	DoorQueue                 queuer[model.DoorRecord]
	AlertQueue                queuer[model.Alert]
	HardcodedGatewayBlocklist []string
	HardcodedSensorBlocklist  []string
}

// New builds a dispatcher. The config cache starts empty; call
// SwapConfig once the store's initial read completes.
func New(cfg Config) *Dispatcher {
	gwBlock := make(map[string]bool, len(cfg.HardcodedGatewayBlocklist))
	for _, m := range cfg.HardcodedGatewayBlocklist {
		gwBlock[macaddr.Canonical(m)] = true
	}
	snBlock := make(map[string]bool, len(cfg.HardcodedSensorBlocklist))
	for _, m := range cfg.HardcodedSensorBlocklist {
		snBlock[macaddr.Canonical(m)] = true
	}

	return &Dispatcher{
		machine:                   cfg.Machine,
		clock:                     cfg.Clock,
		telemetryQueue:            cfg.TelemetryQueue,
		doorQueue:                 cfg.DoorQueue,
		alertQueue:                cfg.AlertQueue,
		hardcodedGatewayBlocklist: gwBlock,
		hardcodedSensorBlocklist:  snBlock,
		configCache:               make(map[string]model.SensorConfig),
		secondaryBlocklist:        make(map[string]bool),
		heartbeats:                make(map[string]model.GatewayHeartbeat),
	}
}

// SwapConfig atomically replaces the sensor config cache and derives the
// secondary (paired-door) blocklist from it.
func (d *Dispatcher) SwapConfig(cfg map[string]model.SensorConfig) {
	secondary := make(map[string]bool)
	for _, c := range cfg {
		if c.SensorPortaVinculado != "" {
			secondary[macaddr.Canonical(c.SensorPortaVinculado)] = true
		}
	}

	d.mu.Lock()
	d.configCache = cfg
	d.secondaryBlocklist = secondary
	d.mu.Unlock()
}

// HandleMessage decodes and processes one bus delivery.
func (d *Dispatcher) HandleMessage(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic while handling inbound payload")
		}
	}()

	gateways, err := decodeGateways(payload)
	if err != nil {
		preview := string(payload)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		log.Error().Err(err).Str("preview", preview).Msg("failed to decode inbound payload, dropping message")
		return
	}

	now := d.clock.Now()

	for _, gw := range gateways {
		gwMAC := macaddr.Canonical(gw.GMAC)
		if d.hardcodedGatewayBlocklist[gwMAC] {
			continue
		}
		d.recordHeartbeat(gwMAC, now)

		for _, entry := range gw.Obj {
			d.handleSensorEntry(gwMAC, entry, now)
		}
	}
}

func (d *Dispatcher) handleSensorEntry(gwMAC string, entry SensorEntry, now time.Time) {
	if entry.Type != acceptedSensorType {
		return
	}

	mac := macaddr.Canonical(entry.DMAC)
	if d.hardcodedSensorBlocklist[mac] {
		return
	}

	d.mu.RLock()
	secondary := d.secondaryBlocklist[mac]
	cfg, known := d.configCache[mac]
	d.mu.RUnlock()

	if secondary || !known {
		return
	}

	ts := now
	if entry.Time != "" {
		if parsed, err := time.Parse("2006-01-02 15:04:05.000", entry.Time); err == nil {
			ts = parsed
		}
	}

	s := sensormachine.Sample{
		GatewayMAC: gwMAC,
		SensorMAC:  mac,
		Temp:       entry.Temp,
		Hum:        entry.Humidity,
		RSSI:       entry.RSSI,
		BatteryPct: macaddr.BatteryPercent(entry.VBatt),
		Ts:         ts,
	}

	res := d.machine.Process(s, cfg)

	if res.Telemetry != nil {
		d.telemetryQueue.Push(*res.Telemetry)
	}
	if res.Door != nil {
		d.doorQueue.Push(*res.Door)
	}
	for _, a := range res.Alerts {
		d.alertQueue.Push(a)
	}
}

func (d *Dispatcher) recordHeartbeat(gwMAC string, now time.Time) {
	d.hbMu.Lock()
	defer d.hbMu.Unlock()
	hb := d.heartbeats[gwMAC]
	hb.MAC = gwMAC
	hb.LastSeen = now
	hb.Source = model.HeartbeatLive
	d.heartbeats[gwMAC] = hb
}

// SensorConfigs returns a snapshot of the current sensor config cache.
func (d *Dispatcher) SensorConfigs() map[string]model.SensorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]model.SensorConfig, len(d.configCache))
	for k, v := range d.configCache {
		out[k] = v
	}
	return out
}

// Heartbeats returns a snapshot of the gateway heartbeat map.
func (d *Dispatcher) Heartbeats() map[string]model.GatewayHeartbeat {
	d.hbMu.RLock()
	defer d.hbMu.RUnlock()
	out := make(map[string]model.GatewayHeartbeat, len(d.heartbeats))
	for k, v := range d.heartbeats {
		out[k] = v
	}
	return out
}

// SeedHeartbeat installs or refreshes a heartbeat from a source other
// than a live message (e.g. store reseed at startup), without
// overwriting a more recent live sighting.
func (d *Dispatcher) SeedHeartbeat(gwMAC string, lastSeen time.Time) {
	mac := macaddr.Canonical(gwMAC)
	d.hbMu.Lock()
	defer d.hbMu.Unlock()
	existing, ok := d.heartbeats[mac]
	if ok && existing.LastSeen.After(lastSeen) {
		return
	}
	d.heartbeats[mac] = model.GatewayHeartbeat{MAC: mac, LastSeen: lastSeen, Source: model.HeartbeatDB}
}

// MarkSistemaAlertSent records that a SYSTEM-priority alert was just
// raised for a gateway, gating the next one behind the 1-hour cooldown.
func (d *Dispatcher) MarkSistemaAlertSent(gwMAC string, ts time.Time) {
	d.hbMu.Lock()
	defer d.hbMu.Unlock()
	hb, ok := d.heartbeats[gwMAC]
	if !ok {
		return
	}
	hb.LastSistemaTs = ts
	d.heartbeats[gwMAC] = hb
}

// decodeGateways accepts a single gateway object, a flat array of them,
// or the historical nested-array form, and always returns a flat list.
func decodeGateways(payload []byte) ([]GatewayPayload, error) {
	var generic interface{}
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	objects := flattenToObjects(generic)
	if len(objects) == 0 {
		return nil, fmt.Errorf("payload contained no gateway objects")
	}

	out := make([]GatewayPayload, 0, len(objects))
	for _, obj := range objects {
		b, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to re-marshal gateway object: %w", err)
		}
		var gp GatewayPayload
		if err := json.Unmarshal(b, &gp); err != nil {
			return nil, fmt.Errorf("failed to decode gateway object: %w", err)
		}
		out = append(out, gp)
	}
	return out, nil
}

func flattenToObjects(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		if len(t) == 0 {
			return nil
		}
		if _, ok := t[0].(map[string]interface{}); ok {
			return t
		}
		var out []interface{}
		for _, e := range t {
			out = append(out, flattenToObjects(e)...)
		}
		return out
	case map[string]interface{}:
		return []interface{}{t}
	default:
		return nil
	}
}

