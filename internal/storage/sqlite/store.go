// Package sqlite stores telemetry in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/storage"
	"github.com/calsol/telemetry/internal/storage/sqlite/migrations"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store is a SQLite-backed storage.Store.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	dsn := MemoryPath
	if path != MemoryPath {
		dsn = filepath.Clean(path) +
			"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == MemoryPath {
		// Every new connection would see its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logging.Debug("Opened telemetry database", zap.String("path", path))
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ErrNotConfigured
	}
	return nil
}

// Insert stores one message. The time is kept in UTC microseconds.
func (s *Store) Insert(ctx context.Context, msg storage.Message) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if msg.Name == "" {
		return errors.New("message name is required")
	}
	if msg.Time.IsZero() {
		return errors.New("message time is required")
	}
	value := msg.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO data (id, name, time, value) VALUES (?, ?, ?, ?)`,
		int64(msg.ID), msg.Name, msg.Time.UTC().UnixMicro(), string(value),
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.Name, err)
	}
	return nil
}

// Query returns records with lower <= time <= upper.
func (s *Store) Query(ctx context.Context, id uint16, name string, lower, upper *time.Time) ([]storage.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if lower == nil && upper == nil {
		logging.Warn("Refusing unbounded query",
			zap.Uint16("id", id),
			zap.String("name", name),
		)
		return nil, nil
	}

	q := `SELECT seq, id, name, time, value FROM data WHERE id = ? AND name = ?`
	args := []any{int64(id), name}
	if lower != nil {
		q += ` AND time >= ?`
		args = append(args, lower.UTC().UnixMicro())
	}
	if upper != nil {
		q += ` AND time <= ?`
		args = append(args, upper.UTC().UnixMicro())
	}
	q += ` ORDER BY time, seq`

	return s.records(ctx, q, args...)
}

// Latest returns the newest record of id/name at or after notBefore.
func (s *Store) Latest(ctx context.Context, id uint16, name string, notBefore time.Time) (*storage.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	recs, err := s.records(ctx,
		`SELECT seq, id, name, time, value FROM data
		 WHERE id = ? AND name = ? AND time >= ?
		 ORDER BY time DESC, seq DESC LIMIT 1`,
		int64(id), name, notBefore.UTC().UnixMicro(),
	)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// Since returns records of id inserted after seq.
func (s *Store) Since(ctx context.Context, id uint16, name string, seq int64) ([]storage.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := `SELECT seq, id, name, time, value FROM data WHERE seq > ? AND id = ?`
	args := []any{seq, int64(id)}
	if name != "" {
		q += ` AND name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY seq`
	return s.records(ctx, q, args...)
}

// LastSeq returns the newest sequence number.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var seq sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT MAX(seq) FROM data`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return seq.Int64, nil
}

func (s *Store) records(ctx context.Context, q string, args ...any) ([]storage.Record, error) {
	rows, err := s.sqlDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query data: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.Record
	for rows.Next() {
		var (
			rec   storage.Record
			id    int64
			micro int64
			value sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &id, &rec.Name, &micro, &value); err != nil {
			return nil, fmt.Errorf("scan data: %w", err)
		}
		rec.ID = uint16(id)
		rec.Time = time.UnixMicro(micro).UTC()
		if value.Valid {
			rec.Value = json.RawMessage(value.String)
		} else {
			rec.Value = json.RawMessage("null")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data: %w", err)
	}
	return out, nil
}

// OpenInterval starts a named recording interval and returns its id.
func (s *Store) OpenInterval(ctx context.Context, name string, start time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO intervals (name, start_time) VALUES (?, ?)`,
		name, start.UTC().UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("open interval %s: %w", name, err)
	}
	return res.LastInsertId()
}

// CloseInterval sets the end of an open interval.
func (s *Store) CloseInterval(ctx context.Context, id int64, end time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE intervals SET end_time = ? WHERE id = ? AND end_time IS NULL`,
		end.UTC().UnixMicro(), id,
	)
	if err != nil {
		return fmt.Errorf("close interval %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("interval %d is not open", id)
	}
	return nil
}

// Intervals lists every interval, oldest first.
func (s *Store) Intervals(ctx context.Context) ([]storage.Interval, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, name, start_time, end_time FROM intervals ORDER BY start_time, id`)
	if err != nil {
		return nil, fmt.Errorf("list intervals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.Interval
	for rows.Next() {
		var (
			iv    storage.Interval
			start int64
			end   sql.NullInt64
		)
		if err := rows.Scan(&iv.ID, &iv.Name, &start, &end); err != nil {
			return nil, fmt.Errorf("scan interval: %w", err)
		}
		iv.Start = time.UnixMicro(start).UTC()
		if end.Valid {
			t := time.UnixMicro(end.Int64).UTC()
			iv.End = &t
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}
