// Package metrics wraps a DogStatsD client with gauge and count helpers.
// The engine reports counts of persisted telemetry rows, persisted door
// events, and delivered alerts; it emits no gauges.
package metrics

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"
)

// Metrics emits gauges and counts to a dogstatsd agent. A nil client (unconfigured
// agent address) makes every call a no-op.
type Metrics struct {
	client  *statsd.Client
	enabled bool
}

// New dials addr and tags every metric with namespace/tags. If addr is
// empty, metrics are disabled.
func New(addr, namespace string, tags []string) *Metrics {
	if addr == "" {
		return &Metrics{}
	}

	client, err := statsd.New(addr)
	if err != nil {
		log.Warn().Err(err).Msg("failed to create dogstatsd client, metrics disabled")
		return &Metrics{}
	}

	client.Namespace = namespace
	client.Tags = tags

	return &Metrics{client: client, enabled: true}
}

// Gauge reports a point-in-time value.
func (m *Metrics) Gauge(name string, value float64, tags ...string) {
	if !m.enabled {
		return
	}
	if err := m.client.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to emit gauge metric")
	}
}

// Count reports an incremental counter.
func (m *Metrics) Count(name string, value int64, tags ...string) {
	if !m.enabled {
		return
	}
	if err := m.client.Count(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to emit count metric")
	}
}
