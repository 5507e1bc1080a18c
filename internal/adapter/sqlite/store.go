// Package sqlite persists count, aggregate and duration records plus poller markers
// in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/metrics"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS count_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT NOT NULL,
    plant TEXT NOT NULL,
    line TEXT NOT NULL,
    machine TEXT NOT NULL,
    condition TEXT NOT NULL,
    incremental INTEGER NOT NULL,
    cumulative INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_count_key ON count_records (device_id, line, machine, condition, id);
CREATE INDEX IF NOT EXISTS idx_count_created ON count_records (device_id, created_at);

CREATE TABLE IF NOT EXISTS aggregate_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id TEXT NOT NULL UNIQUE,
    device_id TEXT NOT NULL,
    plant TEXT NOT NULL,
    line TEXT NOT NULL,
    machine_id TEXT NOT NULL,
    recipe_id INTEGER NOT NULL,
    is_auto INTEGER NOT NULL,
    sample_count INTEGER NOT NULL,
    left_count INTEGER NOT NULL,
    left_mean REAL NOT NULL,
    left_std_dev REAL NOT NULL,
    left_mae REAL NOT NULL,
    right_count INTEGER NOT NULL,
    right_mean REAL NOT NULL,
    right_std_dev REAL NOT NULL,
    right_mae REAL NOT NULL,
    combined_count INTEGER NOT NULL,
    combined_mean REAL NOT NULL,
    combined_std_dev REAL NOT NULL,
    combined_mae REAL NOT NULL,
    correction_uptime INTEGER NOT NULL,
    correction_left INTEGER NOT NULL,
    correction_right INTEGER NOT NULL,
    correction_rate INTEGER NOT NULL,
    raw_batch TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aggregate_machine ON aggregate_records (device_id, machine_id, created_at);

CREATE TABLE IF NOT EXISTS duration_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT NOT NULL,
    plant TEXT NOT NULL,
    line TEXT NOT NULL,
    incremental INTEGER NOT NULL,
    cumulative INTEGER NOT NULL,
    duration INTEGER NOT NULL,
    class TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_duration_line ON duration_records (device_id, line, id);

CREATE TABLE IF NOT EXISTS poller_markers (
    name TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);`

// Notifier is told about every record after it is committed.
type Notifier interface {
	RecordSaved(kind domain.RecordKind, deviceID string, record interface{})
}

// Store is the persistence boundary for the poller.
type Store struct {
	db       *sql.DB
	logger   zerolog.Logger
	metrics  *metrics.Registry
	notifier Notifier
	now      func() time.Time
}

// Options configures Open.
type Options struct {
	BusyTimeout time.Duration
	Metrics     *metrics.Registry
	Notifier    Notifier
}

// Open opens (creating if needed) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string, opts Options, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %v", domain.ErrPersistence, err)
		}
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrPersistence, path, err)
	}
	// SQLite allows one writer; a single connection keeps inserts ordered.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", domain.ErrPersistence, path, err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", domain.ErrPersistence, err)
	}

	s := &Store{
		db:       db,
		logger:   logger.With().Str("component", "sqlite-store").Logger(),
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		now:      time.Now,
	}
	s.logger.Info().Str("path", path).Msg("Opened record store")
	return s, nil
}

// SetNotifier installs the post-commit notifier.
func (s *Store) SetNotifier(n Notifier) {
	s.notifier = n
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (s *Store) finish(kind domain.RecordKind, deviceID string, record interface{}, err error) error {
	if s.metrics != nil {
		s.metrics.RecordPersist(string(kind), err)
	}
	if err != nil {
		return fmt.Errorf("%w: insert %s: %v", domain.ErrPersistence, kind, err)
	}
	if s.notifier != nil {
		s.notifier.RecordSaved(kind, deviceID, record)
	}
	return nil
}

func (s *Store) stamp(t *time.Time) {
	if t.IsZero() {
		*t = s.now()
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// SaveCount appends a count record and fills its ID.
func (s *Store) SaveCount(ctx context.Context, r *domain.CountRecord) error {
	s.stamp(&r.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO count_records (device_id, plant, line, machine, condition, incremental, cumulative, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, r.Plant, r.Line, r.Machine, r.Condition, r.Incremental, r.Cumulative, toMillis(r.CreatedAt))
	if err == nil {
		r.ID, err = res.LastInsertId()
	}
	return s.finish(domain.RecordCount, r.DeviceID, r, err)
}

// LatestCount returns the most recent count record for a key.
func (s *Store) LatestCount(ctx context.Context, key domain.Key) (*domain.CountRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, plant, line, machine, condition, incremental, cumulative, created_at
		 FROM count_records
		 WHERE device_id = ? AND line = ? AND machine = ? AND condition = ?
		 ORDER BY id DESC LIMIT 1`,
		key.DeviceID, key.Line, key.Machine, key.Condition)

	var r domain.CountRecord
	var created int64
	err := row.Scan(&r.ID, &r.DeviceID, &r.Plant, &r.Line, &r.Machine, &r.Condition, &r.Incremental, &r.Cumulative, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: latest count: %v", domain.ErrPersistence, err)
	}
	r.CreatedAt = fromMillis(created)
	return &r, true, nil
}

// SumIncremental totals incremental counts for a key created at or after since.
func (s *Store) SumIncremental(ctx context.Context, key domain.Key, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(incremental) FROM count_records
		 WHERE device_id = ? AND line = ? AND machine = ? AND condition = ? AND created_at >= ?`,
		key.DeviceID, key.Line, key.Machine, key.Condition, toMillis(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: sum counts: %v", domain.ErrPersistence, err)
	}
	return total.Int64, nil
}

// SaveAggregate appends an aggregate record and fills its ID.
func (s *Store) SaveAggregate(ctx context.Context, r *domain.AggregateRecord) error {
	s.stamp(&r.CreatedAt)
	raw := string(r.RawBatch)
	if raw == "" {
		raw = "[]"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO aggregate_records (
		    batch_id, device_id, plant, line, machine_id, recipe_id, is_auto, sample_count,
		    left_count, left_mean, left_std_dev, left_mae,
		    right_count, right_mean, right_std_dev, right_mae,
		    combined_count, combined_mean, combined_std_dev, combined_mae,
		    correction_uptime, correction_left, correction_right, correction_rate,
		    raw_batch, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BatchID, r.DeviceID, r.Plant, r.Line, r.MachineID, r.RecipeID, r.IsAuto, r.SampleCount,
		r.Left.Count, r.Left.Mean, r.Left.StdDev, r.Left.MAE,
		r.Right.Count, r.Right.Mean, r.Right.StdDev, r.Right.MAE,
		r.Combined.Count, r.Combined.Mean, r.Combined.StdDev, r.Combined.MAE,
		r.CorrectionUptime, r.CorrectionLeft, r.CorrectionRight, r.CorrectionRate,
		raw, toMillis(r.StartedAt), toMillis(r.CreatedAt))
	if err == nil {
		r.ID, err = res.LastInsertId()
	}
	return s.finish(domain.RecordAggregate, r.DeviceID, r, err)
}

// Aggregates returns the aggregate records of one machine, oldest first.
func (s *Store) Aggregates(ctx context.Context, deviceID, machineID string) ([]domain.AggregateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, device_id, plant, line, machine_id, recipe_id, is_auto, sample_count,
		    left_count, left_mean, left_std_dev, left_mae,
		    right_count, right_mean, right_std_dev, right_mae,
		    combined_count, combined_mean, combined_std_dev, combined_mae,
		    correction_uptime, correction_left, correction_right, correction_rate,
		    raw_batch, started_at, created_at
		 FROM aggregate_records WHERE device_id = ? AND machine_id = ? ORDER BY id`,
		deviceID, machineID)
	if err != nil {
		return nil, fmt.Errorf("%w: query aggregates: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.AggregateRecord
	for rows.Next() {
		var r domain.AggregateRecord
		var raw string
		var started, created int64
		if err := rows.Scan(&r.ID, &r.BatchID, &r.DeviceID, &r.Plant, &r.Line, &r.MachineID, &r.RecipeID, &r.IsAuto, &r.SampleCount,
			&r.Left.Count, &r.Left.Mean, &r.Left.StdDev, &r.Left.MAE,
			&r.Right.Count, &r.Right.Mean, &r.Right.StdDev, &r.Right.MAE,
			&r.Combined.Count, &r.Combined.Mean, &r.Combined.StdDev, &r.Combined.MAE,
			&r.CorrectionUptime, &r.CorrectionLeft, &r.CorrectionRight, &r.CorrectionRate,
			&raw, &started, &created); err != nil {
			return nil, fmt.Errorf("%w: scan aggregate: %v", domain.ErrPersistence, err)
		}
		r.RawBatch = []byte(raw)
		r.StartedAt = fromMillis(started)
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate aggregates: %v", domain.ErrPersistence, err)
	}
	return out, nil
}

// SaveDuration appends a duration record and fills its ID.
func (s *Store) SaveDuration(ctx context.Context, r *domain.DurationRecord) error {
	s.stamp(&r.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO duration_records (device_id, plant, line, incremental, cumulative, duration, class, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, r.Plant, r.Line, r.Incremental, r.Cumulative, r.Duration, string(r.Class), toMillis(r.CreatedAt))
	if err == nil {
		r.ID, err = res.LastInsertId()
	}
	return s.finish(domain.RecordDuration, r.DeviceID, r, err)
}

// LatestDuration returns the most recent duration record for a line.
func (s *Store) LatestDuration(ctx context.Context, deviceID, line string) (*domain.DurationRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, plant, line, incremental, cumulative, duration, class, created_at
		 FROM duration_records WHERE device_id = ? AND line = ?
		 ORDER BY id DESC LIMIT 1`, deviceID, line)

	var r domain.DurationRecord
	var class string
	var created int64
	err := row.Scan(&r.ID, &r.DeviceID, &r.Plant, &r.Line, &r.Incremental, &r.Cumulative, &r.Duration, &class, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: latest duration: %v", domain.ErrPersistence, err)
	}
	r.Class = domain.DurationClass(class)
	r.CreatedAt = fromMillis(created)
	return &r, true, nil
}

// MaxDurationSince returns the longest recorded duration for a line since the given time.
func (s *Store) MaxDurationSince(ctx context.Context, deviceID, line string, since time.Time) (int64, error) {
	var longest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(duration) FROM duration_records WHERE device_id = ? AND line = ? AND created_at >= ?`,
		deviceID, line, toMillis(since)).Scan(&longest)
	if err != nil {
		return 0, fmt.Errorf("%w: max duration: %v", domain.ErrPersistence, err)
	}
	return longest.Int64, nil
}

// Marker returns a named marker value.
func (s *Store) Marker(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM poller_markers WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read marker %s: %v", domain.ErrPersistence, name, err)
	}
	return v, true, nil
}

// SetMarker upserts a named marker value.
func (s *Store) SetMarker(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO poller_markers (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("%w: write marker %s: %v", domain.ErrPersistence, name, err)
	}
	return nil
}
