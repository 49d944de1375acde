// Package store persists telemetry and door transitions and serves the
// cached reads the ingestion/alert pipeline needs: sensor configuration,
// door-state bootstrap, and gateway heartbeat reseed.
package store

import (
	"context"
	"time"

	"github.com/coldchain/telemetry-processor/internal/model"
)

// Store is the persistence collaborator. The core never depends on the
// concrete sqlite implementation directly.
type Store interface {
	// SensorConfigs returns the full sensor_configs table, keyed by
	// canonical MAC.
	SensorConfigs(ctx context.Context) (map[string]model.SensorConfig, error)

	// InsertTelemetry batch-inserts deadband-filtered telemetry rows.
	InsertTelemetry(ctx context.Context, rows []model.TelemetryRecord) error

	// InsertDoorEvents batch-inserts door-transition rows.
	InsertDoorEvents(ctx context.Context, rows []model.DoorRecord) error

	// LastDoorState returns the most recent is_open value recorded for
	// every sensor MAC, used to bootstrap state at startup so a restart
	// doesn't look like a phantom door-open.
	LastDoorState(ctx context.Context) (map[string]bool, error)

	// RecentGatewayActivity returns the latest telemetry timestamp seen
	// per gateway MAC since since, used to reseed heartbeats for gateways
	// active before process start.
	RecentGatewayActivity(ctx context.Context, since time.Time) (map[string]time.Time, error)

	Close() error
}
