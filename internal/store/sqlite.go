package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteMigrations = []struct {
	version string
	sql     string
}{
	{"001_runs", `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			duration REAL NOT NULL DEFAULT 0,
			fps REAL NOT NULL DEFAULT 0,
			frames INTEGER NOT NULL DEFAULT 0,
			indexed_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scrub_runs (
			id TEXT PRIMARY KEY,
			video_id TEXT REFERENCES video_metadata(id) ON DELETE CASCADE,
			input_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			pos_threshold REAL NOT NULL,
			neg_threshold REAL,
			padding REAL NOT NULL,
			matched_frames INTEGER NOT NULL DEFAULT 0,
			total_frames INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			finished_at TEXT
		);
		CREATE TABLE IF NOT EXISTS run_segments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES scrub_runs(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS run_segments_run_id_idx ON run_segments (run_id);
		CREATE INDEX IF NOT EXISTS scrub_runs_created_at_idx ON scrub_runs (created_at);
	`},
}

// SQLiteStore keeps run history in a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ History = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqlitePragmas run on every connection the pool opens, not just the first.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
}

func sqliteDSN(path string) string {
	q := url.Values{"_pragma": sqlitePragmas}
	return path + "?" + q.Encode()
}

func (s *SQLiteStore) applyMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, migration := range sqliteMigrations {
		var count int
		row := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", migration.version)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, migration.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", migration.version); err != nil {
			return fmt.Errorf("record migration %s: %w", migration.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the underlying database.
func (s *SQLiteStore) Close(context.Context) {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) EnsureVideoMetadata(ctx context.Context, v Video) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO video_metadata (id, path, duration, fps, frames, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			indexed_at = excluded.indexed_at, path = excluded.path, duration = excluded.duration,
			fps = excluded.fps, frames = excluded.frames
	`, v.ID, v.Path, v.Duration, v.FPS, v.Frames, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert video: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r Run) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var videoID any
	if r.VideoID != "" {
		videoID = r.VideoID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrub_runs (id, video_id, input_path, output_path, pos_threshold, neg_threshold, padding, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, videoID, r.InputPath, r.OutputPath, r.PositiveThreshold, nullableFloat(r.NegativeThreshold), r.Padding,
		StatusRunning, formatTime(created))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertSegments(ctx context.Context, runID string, segments []Segment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_segments (run_id, kind, start_time, end_time) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, seg := range segments {
		if _, err := stmt.ExecContext(ctx, runID, seg.Kind, seg.Start, seg.End); err != nil {
			return fmt.Errorf("insert segment: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, o Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrub_runs SET status = ?, matched_frames = ?, total_frames = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, o.Status, o.Matched, o.Frames, o.Error, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteRunColumns = `id, COALESCE(video_id, ''), input_path, output_path, pos_threshold, neg_threshold, padding,
	matched_frames, total_frames, status, error, created_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(scanner rowScanner) (Run, error) {
	var (
		r           Run
		neg         sql.NullFloat64
		createdRaw  string
		finishedRaw sql.NullString
	)
	if err := scanner.Scan(&r.ID, &r.VideoID, &r.InputPath, &r.OutputPath, &r.PositiveThreshold, &neg,
		&r.Padding, &r.Matched, &r.Frames, &r.Status, &r.Error, &createdRaw, &finishedRaw); err != nil {
		return Run{}, err
	}
	if neg.Valid {
		v := neg.Float64
		r.NegativeThreshold = &v
	}
	created, err := time.Parse(timeLayout, createdRaw)
	if err != nil {
		return Run{}, fmt.Errorf("parse created_at %q: %w", createdRaw, err)
	}
	r.CreatedAt = created
	if finishedRaw.Valid {
		if r.FinishedAt, err = time.Parse(timeLayout, finishedRaw.String); err != nil {
			return Run{}, fmt.Errorf("parse finished_at %q: %w", finishedRaw.String, err)
		}
	}
	return r, nil
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	runs, err := s.queryRuns(ctx, `SELECT `+sqliteRunColumns+` FROM scrub_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, error) {
	if !validRunID(id) {
		return Run{}, ErrNotFound
	}
	found, err := s.queryRuns(ctx, `SELECT `+sqliteRunColumns+` FROM scrub_runs WHERE id LIKE ? || '%' LIMIT 2`, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return pickRun(found)
}

func (s *SQLiteStore) GetSegments(ctx context.Context, runID, kind string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, start_time, end_time FROM run_segments
		WHERE run_id = ? AND (? = '' OR kind = ?)
		ORDER BY start_time, id
	`, runID, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("get segments: %w", err)
	}
	defer rows.Close()

	var segs []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.Kind, &seg.Start, &seg.End); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// Reset drops every table; the schema is recreated on the next open.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS run_segments;
		DROP TABLE IF EXISTS scrub_runs;
		DROP TABLE IF EXISTS video_metadata;
		DROP TABLE IF EXISTS schema_migrations;
	`)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
