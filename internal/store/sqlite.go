package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coldchain/telemetry-processor/internal/macaddr"
	"github.com/coldchain/telemetry-processor/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sensor_configs (
	mac TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	temp_max REAL,
	temp_min REAL,
	hum_max REAL,
	hum_min REAL,
	em_manutencao INTEGER NOT NULL DEFAULT 0,
	sensor_porta_vinculado TEXT
);

CREATE TABLE IF NOT EXISTS telemetry_logs (
	gw TEXT NOT NULL,
	mac TEXT NOT NULL,
	ts TEXT NOT NULL,
	temp REAL NOT NULL,
	hum REAL NOT NULL,
	batt INTEGER NOT NULL,
	rssi INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_mac_ts ON telemetry_logs(mac, ts);

CREATE TABLE IF NOT EXISTS door_logs (
	gateway_mac TEXT NOT NULL,
	sensor_mac TEXT NOT NULL,
	timestamp_read TEXT NOT NULL,
	is_open INTEGER NOT NULL,
	alarm_code INTEGER,
	battery_percent INTEGER NOT NULL,
	rssi INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_door_sensor_ts ON door_logs(sensor_mac, timestamp_read);
`

// SQLite is the sqlite3-backed Store implementation.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if missing) the sqlite database at path and
// ensures the schema exists.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SensorConfigs(ctx context.Context) (map[string]model.SensorConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mac, display_name, temp_max, temp_min, hum_max, hum_min, em_manutencao, sensor_porta_vinculado FROM sensor_configs`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor_configs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.SensorConfig)
	for rows.Next() {
		var c model.SensorConfig
		var tempMax, tempMin, humMax, humMin sql.NullFloat64
		var emManutencao int
		var sensorPorta sql.NullString

		if err := rows.Scan(&c.MAC, &c.DisplayName, &tempMax, &tempMin, &humMax, &humMin, &emManutencao, &sensorPorta); err != nil {
			return nil, fmt.Errorf("failed to scan sensor_config: %w", err)
		}

		if tempMax.Valid {
			c.TempMax = &tempMax.Float64
		}
		if tempMin.Valid {
			c.TempMin = &tempMin.Float64
		}
		if humMax.Valid {
			c.HumMax = &humMax.Float64
		}
		if humMin.Valid {
			c.HumMin = &humMin.Float64
		}
		c.MAC = macaddr.Canonical(c.MAC)
		c.EmManutencao = emManutencao != 0
		c.SensorPortaVinculado = sensorPorta.String

		out[c.MAC] = c
	}
	return out, rows.Err()
}

func (s *SQLite) InsertTelemetry(ctx context.Context, records []model.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO telemetry_logs (gw, mac, ts, temp, hum, batt, rssi) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare telemetry insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.GatewayMAC, r.SensorMAC, r.Timestamp.Format(time.RFC3339), r.Temp, r.Hum, r.BatteryPct, r.RSSI); err != nil {
			return fmt.Errorf("failed to insert telemetry row: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) InsertDoorEvents(ctx context.Context, records []model.DoorRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO door_logs (gateway_mac, sensor_mac, timestamp_read, is_open, alarm_code, battery_percent, rssi) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare door insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var alarmCode interface{}
		if r.AlarmCode != nil {
			alarmCode = *r.AlarmCode
		}
		if _, err := stmt.ExecContext(ctx, r.GatewayMAC, r.SensorMAC, r.Timestamp.Format(time.RFC3339), r.IsOpen, alarmCode, r.BatteryPct, r.RSSI); err != nil {
			return fmt.Errorf("failed to insert door row: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) LastDoorState(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.sensor_mac, d.is_open
		FROM door_logs d
		INNER JOIN (
			SELECT sensor_mac, MAX(timestamp_read) AS max_ts
			FROM door_logs
			GROUP BY sensor_mac
		) latest ON d.sensor_mac = latest.sensor_mac AND d.timestamp_read = latest.max_ts
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query last door state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var mac string
		var isOpen bool
		if err := rows.Scan(&mac, &isOpen); err != nil {
			return nil, fmt.Errorf("failed to scan door state: %w", err)
		}
		out[mac] = isOpen
	}
	return out, rows.Err()
}

func (s *SQLite) RecentGatewayActivity(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT gw, MAX(ts) FROM telemetry_logs WHERE ts >= ? GROUP BY gw`, since.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent gateway activity: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var gw, ts string
		if err := rows.Scan(&gw, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan gateway activity: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		out[gw] = parsed
	}
	return out, rows.Err()
}
