// Package config loads process configuration from flags plus a JSON
// file: bus/store/webhook endpoints, the global and high-traffic
// temperature fallbacks, blocklists, metrics settings, and the ambient
// knobs (log level, timezone, port).
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Thresholds lists the per-profile door and defrost detector constants.
// It is not a field of Config and Load does not read it; the detectors
// take their constants from the fixed bundles in internal/profile.
type Thresholds struct {
	DoorAccelNormal             float64 `json:"door_accel_normal"`
	DoorSlopeNormal             float64 `json:"door_slope_normal"`
	DoorVarianceThresholdNormal float64 `json:"door_variance_threshold_normal"`
	DoorJerkNormal              float64 `json:"door_jerk_normal"`

	DoorAccelUltra             float64 `json:"door_accel_ultra"`
	DoorSlopeUltra             float64 `json:"door_slope_ultra"`
	DoorVarianceThresholdUltra float64 `json:"door_variance_threshold_ultra"`
	DoorJerkUltra              float64 `json:"door_jerk_ultra"`

	DefrostMinSlopeNormal          float64 `json:"defrost_min_slope_normal"`
	DefrostVarianceThresholdNormal float64 `json:"defrost_variance_threshold_normal"`
	DefrostMinR2Normal             float64 `json:"defrost_min_r2_normal"`

	DefrostMinSlopeUltra          float64 `json:"defrost_min_slope_ultra"`
	DefrostVarianceThresholdUltra float64 `json:"defrost_variance_threshold_ultra"`
	DefrostMinR2Ultra             float64 `json:"defrost_min_r2_ultra"`
}

// Config is the full process configuration.
type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level

	BusURL      string `json:"bus_url" required:"true"`
	BusClientID string `json:"bus_client_id"`
	BusTopic    string `json:"bus_topic"`

	StorePath  string `json:"store_path"`
	WebhookURL string `json:"webhook_url" required:"true"`
	Port       int    `json:"port"`

	Timezone string `json:"timezone"`

	GlobalTempMaxFallback float64  `json:"global_temp_max_fallback"`
	GlobalTempMinFallback float64  `json:"global_temp_min_fallback"`
	HighTrafficFallback   float64  `json:"high_traffic_fallback"`
	HighTrafficWeekdays   []int    `json:"high_traffic_weekdays"`
	DoorMaxOpenMinutes    float64  `json:"door_max_open_minutes"`

	HardcodedGatewayBlocklist []string `json:"hardcoded_gateway_blocklist"`
	HardcodedSensorBlocklist  []string `json:"hardcoded_sensor_blocklist"`

	DDAgentAddr string   `json:"dd_agent_addr"`
	DDNamespace string   `json:"dd_namespace"`
	DDTags      []string `json:"dd_tags"`
}

// Load parses flags, reads the JSON config file they point to, applies
// defaults for anything the file omits, and validates the result.
func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to processor config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.StorePath == "" {
		cfg.StorePath = "data/telemetry.db"
	}
	if cfg.BusClientID == "" {
		cfg.BusClientID = "telemetry-processor"
	}
	if cfg.BusTopic == "" {
		cfg.BusTopic = "gateways/telemetry"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "America/Sao_Paulo"
	}
	if cfg.GlobalTempMaxFallback == 0 {
		cfg.GlobalTempMaxFallback = -5.0
	}
	if cfg.GlobalTempMinFallback == 0 {
		cfg.GlobalTempMinFallback = -30.0
	}
	if cfg.HighTrafficFallback == 0 {
		cfg.HighTrafficFallback = -2.0
	}
	if len(cfg.HighTrafficWeekdays) == 0 {
		cfg.HighTrafficWeekdays = []int{3, 4} // Wed, Thu
	}
	if cfg.DoorMaxOpenMinutes == 0 {
		cfg.DoorMaxOpenMinutes = 5
	}
}

// Location resolves the configured timezone, falling back to UTC if it
// cannot be loaded.
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HighTrafficWeekdaysAsTime converts the configured weekday ints
// (0=Sunday) into time.Weekday values.
func (cfg *Config) HighTrafficWeekdaysAsTime() []time.Weekday {
	out := make([]time.Weekday, 0, len(cfg.HighTrafficWeekdays))
	for _, d := range cfg.HighTrafficWeekdays {
		out = append(out, time.Weekday(d))
	}
	return out
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// validate walks the JSON-tagged fields of Config via reflection to
// collect every missing required field in one pass, then checks the
// gateway/sensor blocklists for an entry reused across both (the
// domain's analogue of a pin wired to two relays at once).
func (cfg *Config) validate() {
	var (
		missingFields []string
		listedIn      = map[string]string{}
		conflicts     []string
	)

	v := reflect.ValueOf(*cfg)
	t := reflect.TypeOf(*cfg)

	for i := 0; i < v.NumField(); i++ {
		if t.Field(i).Tag.Get("required") != "true" {
			continue
		}
		if v.Field(i).IsZero() {
			missingFields = append(missingFields, t.Field(i).Tag.Get("json"))
		}
	}

	for _, mac := range cfg.HardcodedGatewayBlocklist {
		listedIn[mac] = "hardcoded_gateway_blocklist"
	}
	for _, mac := range cfg.HardcodedSensorBlocklist {
		if list, exists := listedIn[mac]; exists {
			conflicts = append(conflicts, fmt.Sprintf("%s appears in both %s and hardcoded_sensor_blocklist", mac, list))
		}
	}

	if len(missingFields) > 0 {
		panic("Missing required config fields: " + strings.Join(missingFields, ", "))
	}
	if len(conflicts) > 0 {
		panic("Conflicting blocklist entries: " + strings.Join(conflicts, ", "))
	}

	if cfg.GlobalTempMinFallback >= cfg.GlobalTempMaxFallback {
		panic(fmt.Sprintf("global_temp_min_fallback (%.2f) must be below global_temp_max_fallback (%.2f)",
			cfg.GlobalTempMinFallback, cfg.GlobalTempMaxFallback))
	}
}
