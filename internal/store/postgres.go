package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection.
type Store struct {
	conn *pgx.Conn
}

var _ History = (*Store)(nil)

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			fps DOUBLE PRECISION NOT NULL DEFAULT 0,
			frames INT NOT NULL DEFAULT 0,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS scrub_runs (
			id TEXT PRIMARY KEY,
			video_id TEXT REFERENCES video_metadata(id) ON DELETE CASCADE,
			input_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			pos_threshold DOUBLE PRECISION NOT NULL,
			neg_threshold DOUBLE PRECISION,
			padding DOUBLE PRECISION NOT NULL,
			matched_frames INT NOT NULL DEFAULT 0,
			total_frames INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS run_segments (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES scrub_runs(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			start_time DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS run_segments_run_id_idx ON run_segments (run_id);
		CREATE INDEX IF NOT EXISTS scrub_runs_created_at_idx ON scrub_runs (created_at);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureVideoMetadata registers the video in the database. If it exists, it refreshes the probe data.
func (s *Store) EnsureVideoMetadata(ctx context.Context, v Video) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO video_metadata (id, path, duration, fps, frames, indexed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			indexed_at = NOW(), path = EXCLUDED.path, duration = EXCLUDED.duration,
			fps = EXCLUDED.fps, frames = EXCLUDED.frames
	`, v.ID, v.Path, v.Duration, v.FPS, v.Frames)
	return err
}

// CreateRun records a run in the running state.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO scrub_runs (id, video_id, input_path, output_path, pos_threshold, neg_threshold, padding, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.VideoID, r.InputPath, r.OutputPath, r.PositiveThreshold, r.NegativeThreshold, r.Padding, StatusRunning, created)
	return err
}

// InsertSegments saves the segments of a run in one transaction.
func (s *Store) InsertSegments(ctx context.Context, runID string, segments []Segment) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, seg := range segments {
		batch.Queue(`INSERT INTO run_segments (run_id, kind, start_time, end_time) VALUES ($1, $2, $3, $4)`,
			runID, seg.Kind, seg.Start, seg.End)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FinishRun stamps the final status of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, o Outcome) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE scrub_runs SET status = $1, matched_frames = $2, total_frames = $3, error = $4, finished_at = NOW()
		WHERE id = $5
	`, o.Status, o.Matched, o.Frames, o.Error, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgRunColumns = `id, COALESCE(video_id, ''), input_path, output_path, pos_threshold, neg_threshold, padding,
	matched_frames, total_frames, status, error, created_at, finished_at`

func scanPGRun(row pgx.Row) (Run, error) {
	var r Run
	var finished *time.Time
	err := row.Scan(&r.ID, &r.VideoID, &r.InputPath, &r.OutputPath, &r.PositiveThreshold, &r.NegativeThreshold,
		&r.Padding, &r.Matched, &r.Frames, &r.Status, &r.Error, &r.CreatedAt, &finished)
	if err != nil {
		return Run{}, err
	}
	if finished != nil {
		r.FinishedAt = *finished
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.conn.Query(ctx, `SELECT `+pgRunColumns+` FROM scrub_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun looks a run up by id or unique id prefix.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	if !validRunID(id) {
		return Run{}, ErrNotFound
	}
	rows, err := s.conn.Query(ctx, `SELECT `+pgRunColumns+` FROM scrub_runs WHERE id LIKE $1 || '%' LIMIT 2`, id)
	if err != nil {
		return Run{}, err
	}
	defer rows.Close()

	var found []Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return Run{}, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return Run{}, err
	}
	return pickRun(found)
}

// GetSegments returns the stored segments of a run.
func (s *Store) GetSegments(ctx context.Context, runID, kind string) ([]Segment, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT kind, start_time, end_time FROM run_segments
		WHERE run_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY start_time, id
	`, runID, kind)
	if err != nil {
		return nil, err
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
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return segs, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS run_segments CASCADE;
		DROP TABLE IF EXISTS scrub_runs CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}
