// Package healthapi exposes a read-only HTTP projection of in-memory
// engine state: per-sensor summaries, gateway summaries, buffer depths,
// and aggregate counts.
package healthapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coldchain/telemetry-processor/internal/model"
	"github.com/coldchain/telemetry-processor/internal/profile"
	"github.com/coldchain/telemetry-processor/internal/sensorstate"
	"github.com/coldchain/telemetry-processor/internal/thermal"
)

// SensorSummary is one sensor's entry in the health projection.
type SensorSummary struct {
	MAC           string    `json:"mac"`
	DisplayName   string    `json:"display_name"`
	Temp          float64   `json:"temp"`
	Hum           float64   `json:"hum"`
	AgoSeconds    float64   `json:"ago_seconds"`
	IsDefrosting  bool      `json:"is_defrosting"`
	DoorOpen      bool      `json:"door_open"`
	Slope         float64   `json:"slope,omitempty"`
	Variance      float64   `json:"variance,omitempty"`
	TempMax       *float64  `json:"temp_max,omitempty"`
	TempMin       *float64  `json:"temp_min,omitempty"`
	EmManutencao  bool      `json:"em_manutencao"`
	LastReadingTs time.Time `json:"last_reading_ts"`
}

// GatewaySummary is one gateway's entry in the health projection.
type GatewaySummary struct {
	MAC        string  `json:"mac"`
	AgoSeconds float64 `json:"ago_seconds"`
	Source     string  `json:"source"`
}

// Response is the full health projection.
type Response struct {
	Status            string           `json:"status"`
	UptimeSeconds     float64          `json:"uptime_seconds"`
	Sensors           []SensorSummary  `json:"sensors"`
	Gateways          []GatewaySummary `json:"gateways"`
	TelemetryQueueLen int              `json:"telemetry_queue_len"`
	DoorQueueLen      int              `json:"door_queue_len"`
	AlertQueueLen     int              `json:"alert_queue_len"`
	DefrostingCount   int              `json:"defrosting_count"`
	DoorOpenCount     int              `json:"door_open_count"`
	MaintenanceCount  int              `json:"maintenance_count"`
}

// Sources abstracts the engine state the handler reads; kept as an
// interface so tests can supply fakes without standing up the full
// engine.
type Sources interface {
	SensorSnapshot() map[string]sensorstate.State
	SensorConfigs() map[string]model.SensorConfig
	GatewaySnapshot() map[string]model.GatewayHeartbeat
	TelemetryQueueLen() int
	DoorQueueLen() int
	AlertQueueLen() int
}

// Handler builds the read-only health endpoint.
type Handler struct {
	sources   Sources
	startedAt time.Time
	now       func() time.Time
}

// New builds a health handler. now defaults to time.Now if nil.
func New(sources Sources, startedAt time.Time, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{sources: sources, startedAt: startedAt, now: now}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	now := h.now()
	configs := h.sources.SensorConfigs()
	states := h.sources.SensorSnapshot()

	resp := Response{
		Status:        "ok",
		UptimeSeconds: now.Sub(h.startedAt).Seconds(),
	}

	for mac, st := range states {
		cfg := configs[mac]
		tuning := profile.Tunings(profile.Resolve(cfg.TempMin))

		var slope, variance float64
		if m := thermal.Analyze(st.Window.Samples(), tuning); m.Ready {
			slope = m.Slope
			variance = m.Variance
		}

		resp.Sensors = append(resp.Sensors, SensorSummary{
			MAC:           mac,
			DisplayName:   cfg.DisplayName,
			Temp:          st.LastTemp,
			Hum:           st.LastHum,
			AgoSeconds:    now.Sub(st.LastReadingTs).Seconds(),
			IsDefrosting:  st.IsDefrosting,
			DoorOpen:      st.LastVirtualState,
			Slope:         slope,
			Variance:      variance,
			TempMax:       cfg.TempMax,
			TempMin:       cfg.TempMin,
			EmManutencao:  cfg.EmManutencao,
			LastReadingTs: st.LastReadingTs,
		})

		if st.IsDefrosting {
			resp.DefrostingCount++
		}
		if st.LastVirtualState {
			resp.DoorOpenCount++
		}
		if cfg.EmManutencao {
			resp.MaintenanceCount++
		}
	}

	for mac, hb := range h.sources.GatewaySnapshot() {
		resp.Gateways = append(resp.Gateways, GatewaySummary{
			MAC:        mac,
			AgoSeconds: now.Sub(hb.LastSeen).Seconds(),
			Source:     string(hb.Source),
		})
	}

	resp.TelemetryQueueLen = h.sources.TelemetryQueueLen()
	resp.DoorQueueLen = h.sources.DoorQueueLen()
	resp.AlertQueueLen = h.sources.AlertQueueLen()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode health response")
	}
}

// ListenAndServe starts the health endpoint on port, mirroring the
// teacher's CORS-enabled, single-mux HTTP server shape.
func ListenAndServe(port int, h *Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/health", h)

	corsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("starting health endpoint")
	return http.ListenAndServe(addr, corsHandler)
}
