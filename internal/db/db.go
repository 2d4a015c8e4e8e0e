// Package db archives accepted readings in SQLite, grouped by acquisition
// session.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/anemometer/internal/wind"
)

type DB struct {
	*sql.DB

	// SessionID identifies one daemon run. Every reading recorded through
	// this handle carries it.
	SessionID string
}

// NewDB opens (or creates) the archive at path and starts a new session.
// Use ":memory:" for an ephemeral archive.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			started_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS readings (
			session_id        TEXT,
			sensor_id         TEXT,
			captured_at_ns    BIGINT,
			speed             DOUBLE,
			direction         DOUBLE,
			u                 DOUBLE,
			v                 DOUBLE,
			w                 DOUBLE,
			temperature       DOUBLE,
			pitch             DOUBLE,
			roll              DOUBLE,
			valid             BOOLEAN,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE INDEX IF NOT EXISTS idx_readings_sensor_time
			ON readings(sensor_id, captured_at_ns);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	sessionID := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO sessions (session_id) VALUES (?)`, sessionID); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start session: %v", err)
	}

	return &DB{DB: db, SessionID: sessionID}, nil
}

// RecordReading appends one reading to the archive under the current
// session.
func (db *DB) RecordReading(r wind.Reading) error {
	_, err := db.Exec(`
		INSERT INTO readings (
			session_id, sensor_id, captured_at_ns,
			speed, direction, u, v, w, temperature, pitch, roll, valid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		db.SessionID, r.SensorID, r.Timestamp.UnixNano(),
		r.Speed2D, r.Direction, r.U, r.V, r.W, r.Temperature, r.Pitch, r.Roll, r.Valid,
	)
	if err != nil {
		return fmt.Errorf("failed to record reading: %v", err)
	}
	return nil
}

// RecentReadings returns up to limit readings for one sensor in the current
// session, newest first.
func (db *DB) RecentReadings(sensorID string, limit int) ([]wind.Reading, error) {
	rows, err := db.Query(`
		SELECT sensor_id, captured_at_ns,
		       speed, direction, u, v, w, temperature, pitch, roll, valid
		FROM readings
		WHERE session_id = ? AND sensor_id = ?
		ORDER BY captured_at_ns DESC
		LIMIT ?`,
		db.SessionID, sensorID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %v", err)
	}
	defer rows.Close()

	var out []wind.Reading
	for rows.Next() {
		var r wind.Reading
		var ns int64
		if err := rows.Scan(&r.SensorID, &ns,
			&r.Speed2D, &r.Direction, &r.U, &r.V, &r.W,
			&r.Temperature, &r.Pitch, &r.Roll, &r.Valid); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %v", err)
		}
		r.Timestamp = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountReadings reports how many readings the current session holds.
func (db *DB) CountReadings() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM readings WHERE session_id = ?`, db.SessionID).Scan(&n)
	return n, err
}
