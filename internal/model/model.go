// Package model holds the data types shared across the ingestion,
// detection, and alerting pipelines.
package model

import "time"

// Priority is the severity assigned to an emitted alert.
type Priority string

const (
	PriorityPreditiva Priority = "PREDITIVA"
	PriorityAlta      Priority = "ALTA"
	PriorityCritica   Priority = "CRITICA"
	PrioritySistema   Priority = "SISTEMA"
)

// ProblemKind identifies the watchlist/dedup bucket an alert belongs to.
type ProblemKind string

const (
	ProblemTempHigh ProblemKind = "TEMP_HIGH"
	ProblemTempLow  ProblemKind = "TEMP_LOW"
	ProblemHumHigh  ProblemKind = "HUM_HIGH"
	ProblemHumLow   ProblemKind = "HUM_LOW"
	ProblemDoorOpen ProblemKind = "DOOR_OPEN"
	ProblemGateway  ProblemKind = "GATEWAY_OFFLINE"
)

// HeartbeatSource records whether a gateway heartbeat came from a live
// message or was reseeded from persisted telemetry at startup.
type HeartbeatSource string

const (
	HeartbeatLive HeartbeatSource = "LIVE"
	HeartbeatDB   HeartbeatSource = "DB"
)

// SensorConfig is the per-sensor configuration cached from the store and
// refreshed periodically. Any bound may be nil, meaning "no alert for this
// bound".
type SensorConfig struct {
	MAC                  string
	DisplayName          string
	TempMax              *float64
	TempMin              *float64
	HumMax               *float64
	HumMin               *float64
	EmManutencao         bool
	SensorPortaVinculado string // optional paired physical door sensor MAC
}

// GatewayHeartbeat tracks the last time a gateway MAC was observed.
type GatewayHeartbeat struct {
	MAC           string
	LastSeen      time.Time
	Source        HeartbeatSource
	LastSistemaTs time.Time
}

// Alert is the structured record emitted to the outbound webhook.
type Alert struct {
	SensorName string                 `json:"sensor_name"`
	SensorMAC  string                 `json:"sensor_mac"`
	Priority   Priority               `json:"priority"`
	Messages   []string               `json:"messages"`
	Timestamp  time.Time              `json:"timestamp"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// TelemetryRecord is a deadband-filtered reading queued for the
// telemetry_logs table.
type TelemetryRecord struct {
	GatewayMAC string
	SensorMAC  string
	Timestamp  time.Time
	Temp       float64
	Hum        float64
	BatteryPct int
	RSSI       int
}

// DoorRecord is a door-state transition queued for the door_logs table.
type DoorRecord struct {
	GatewayMAC string
	SensorMAC  string
	Timestamp  time.Time
	IsOpen     bool
	AlarmCode  *int
	BatteryPct int
	RSSI       int
}

// WatchlistKey identifies a (sensor, problem) pair under soak.
type WatchlistKey struct {
	SensorMAC string
	Kind      ProblemKind
}

// WatchlistEntry records when a problem was first observed, for soak-time
// confirmation before the first alert fires.
type WatchlistEntry struct {
	FirstSeen time.Time
	Message   string
}
