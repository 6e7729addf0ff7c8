// Package database persists per-frame cascade results and the track
// snapshots attached to them in SQLite.
package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vigil/internal/cascade"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// StreamRecord represents a stream stored in the database
type StreamRecord struct {
	ID        string
	Name      string
	Source    string
	FPS       int
	Status    string
	CreatedAt time.Time
}

// ResultRecord is a stored cascade result. Result holds the full record as
// it was produced; the other fields are the indexed columns.
type ResultRecord struct {
	ID        string
	StreamID  string
	FrameSeq  uint64
	Timestamp time.Time
	Result    cascade.Result
}

// TrackRecord is one track as it was when a result was stored.
type TrackRecord struct {
	ResultID   string    `json:"result_id"`
	StreamID   string    `json:"stream_id"`
	TrackID    uint64    `json:"track_id"`
	ClassName  string    `json:"class"`
	State      string    `json:"state"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	W          float64   `json:"w"`
	H          float64   `json:"h"`
	DX         float64   `json:"dx"`
	DY         float64   `json:"dy"`
	Confidence float64   `json:"confidence"`
	Hits       int       `json:"hits"`
	Age        int       `json:"age"`
	Timestamp  time.Time `json:"timestamp"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports whether the database is reachable.
func (d *Database) Ping() error {
	return d.db.Ping()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			fps INTEGER DEFAULT 0,
			status TEXT DEFAULT 'inactive',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			frame_seq INTEGER NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			has_target INTEGER DEFAULT 0,
			detection_level TEXT,
			motion_level TEXT,
			activity TEXT,
			skip_reason TEXT,
			summary TEXT,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS track_snapshots (
			result_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			track_id INTEGER NOT NULL,
			class TEXT,
			state TEXT NOT NULL,
			x REAL, y REAL, w REAL, h REAL,
			dx REAL, dy REAL,
			confidence REAL,
			hits INTEGER,
			age INTEGER,
			timestamp_ms INTEGER NOT NULL,
			PRIMARY KEY (result_id, track_id),
			FOREIGN KEY (result_id) REFERENCES results(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_stream_time ON results(stream_id, timestamp_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_results_time ON results(timestamp_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_stream_track ON track_snapshots(stream_id, track_id, timestamp_ms DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Printf("[Store] Database migrations completed")
	return nil
}

// SaveStream saves or updates a stream
func (d *Database) SaveStream(s *StreamRecord) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	query := `INSERT INTO streams (id, name, source, fps, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			fps = excluded.fps,
			status = excluded.status`

	_, err := d.db.Exec(query, s.ID, s.Name, s.Source, s.FPS, s.Status, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}
	return nil
}

// GetStream retrieves a stream by ID
func (d *Database) GetStream(id string) (*StreamRecord, error) {
	query := `SELECT id, name, source, fps, status, created_at FROM streams WHERE id = ?`

	var s StreamRecord
	err := d.db.QueryRow(query, id).Scan(&s.ID, &s.Name, &s.Source, &s.FPS, &s.Status, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return &s, nil
}

// ListStreams returns all streams
func (d *Database) ListStreams() ([]*StreamRecord, error) {
	rows, err := d.db.Query(`SELECT id, name, source, fps, status, created_at FROM streams ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	var streams []*StreamRecord
	for rows.Next() {
		var s StreamRecord
		if err := rows.Scan(&s.ID, &s.Name, &s.Source, &s.FPS, &s.Status, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		streams = append(streams, &s)
	}
	return streams, rows.Err()
}

// UpdateStreamStatus updates only the status of a stream
func (d *Database) UpdateStreamStatus(id, status string) error {
	res, err := d.db.Exec("UPDATE streams SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update stream status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveResult stores a result and a snapshot of its live tracks in one
// transaction and returns the new result id.
func (d *Database) SaveResult(r *cascade.Result) (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	id := uuid.NewString()
	ts := r.Timestamp.UnixMilli()

	tx, err := d.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO results
		(id, stream_id, frame_seq, timestamp_ms, has_target, detection_level, motion_level,
		 activity, skip_reason, summary, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.StreamID, int64(r.FrameSeq), ts, boolInt(r.HasTarget), r.DetectionLevel.String(),
		r.MotionLevel.String(), r.Activity.String(), r.SkipReason, r.Summary, string(payload))
	if err != nil {
		return "", fmt.Errorf("failed to save result: %w", err)
	}

	if len(r.LiveTracks) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO track_snapshots
			(result_id, stream_id, track_id, class, state, x, y, w, h, dx, dy, confidence, hits, age, timestamp_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return "", fmt.Errorf("failed to prepare track insert: %w", err)
		}
		defer stmt.Close()
		for _, t := range r.LiveTracks {
			if _, err := stmt.Exec(id, r.StreamID, int64(t.ID), t.ClassName, t.State.String(),
				t.Box.X, t.Box.Y, t.Box.W, t.Box.H, t.Velocity.DX, t.Velocity.DY,
				t.Confidence, t.Hits, t.Age, ts); err != nil {
				return "", fmt.Errorf("failed to save track %d: %w", t.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit result: %w", err)
	}
	return id, nil
}

// GetResult retrieves a result by ID
func (d *Database) GetResult(id string) (*ResultRecord, error) {
	row := d.db.QueryRow(`SELECT id, stream_id, frame_seq, timestamp_ms, payload FROM results WHERE id = ?`, id)
	rec, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return rec, nil
}

// ResultFilter narrows ListResults.
type ResultFilter struct {
	StreamID   string
	Since      *time.Time
	TargetOnly bool
	Limit      int
}

// ListResults returns results newest first.
func (d *Database) ListResults(f ResultFilter) ([]*ResultRecord, error) {
	var where []string
	var args []any

	if f.StreamID != "" {
		where = append(where, "stream_id = ?")
		args = append(args, f.StreamID)
	}
	if f.Since != nil {
		where = append(where, "timestamp_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if f.TargetOnly {
		where = append(where, "has_target = 1")
	}

	query := `SELECT id, stream_id, frame_seq, timestamp_ms, payload FROM results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp_ms DESC, frame_seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var out []*ResultRecord
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TrackHistory returns the stored snapshots of one track, newest first.
func (d *Database) TrackHistory(streamID string, trackID uint64, limit int) ([]TrackRecord, error) {
	query := `SELECT result_id, stream_id, track_id, class, state, x, y, w, h, dx, dy,
		confidence, hits, age, timestamp_ms
		FROM track_snapshots WHERE stream_id = ? AND track_id = ?
		ORDER BY timestamp_ms DESC`
	args := []any{streamID, int64(trackID)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list track history: %w", err)
	}
	defer rows.Close()

	var out []TrackRecord
	for rows.Next() {
		var t TrackRecord
		var id int64
		var ms int64
		if err := rows.Scan(&t.ResultID, &t.StreamID, &id, &t.ClassName, &t.State,
			&t.X, &t.Y, &t.W, &t.H, &t.DX, &t.DY, &t.Confidence, &t.Hits, &t.Age, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		t.TrackID = uint64(id)
		t.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteOldResults deletes results (and their track snapshots) older than
// before.
func (d *Database) DeleteOldResults(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM results WHERE timestamp_ms < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old results: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(s scanner) (*ResultRecord, error) {
	var rec ResultRecord
	var seq, ms int64
	var payload string
	if err := s.Scan(&rec.ID, &rec.StreamID, &seq, &ms, &payload); err != nil {
		return nil, err
	}
	rec.FrameSeq = uint64(seq)
	rec.Timestamp = time.UnixMilli(ms).UTC()
	if err := json.Unmarshal([]byte(payload), &rec.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
