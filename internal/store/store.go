// Package store records scrub runs and the segments they produced, so a run
// can be listed, inspected, or spliced again later without rescanning.
package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no run matches an id.
	ErrNotFound = errors.New("store: run not found")
	// ErrAmbiguous is returned when an id prefix matches more than one run.
	ErrAmbiguous = errors.New("store: run id prefix is ambiguous")
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Segment kinds.
const (
	KindRemove = "remove"
	KindKeep   = "keep"
)

// Video describes a scanned input file.
type Video struct {
	ID       string
	Path     string
	Duration float64
	FPS      float64
	Frames   int
}

// Run is one invocation of the scrub pipeline.
type Run struct {
	ID                string
	VideoID           string
	InputPath         string
	OutputPath        string
	PositiveThreshold float64
	NegativeThreshold *float64
	Padding           float64
	Matched           int
	Frames            int
	Status            string
	Error             string
	CreatedAt         time.Time
	FinishedAt        time.Time // zero while running
}

// Outcome is what FinishRun records.
type Outcome struct {
	Status  string
	Matched int
	Frames  int
	Error   string
}

// Segment is one stored time range of a run.
type Segment struct {
	Kind  string
	Start float64
	End   float64
}

// History is the persistence contract shared by the PostgreSQL and SQLite backends.
type History interface {
	EnsureVideoMetadata(ctx context.Context, v Video) error
	CreateRun(ctx context.Context, r Run) error
	InsertSegments(ctx context.Context, runID string, segments []Segment) error
	FinishRun(ctx context.Context, runID string, o Outcome) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	// GetRun accepts a full id or a unique prefix of one.
	GetRun(ctx context.Context, id string) (Run, error)
	// GetSegments returns the segments of a run in ascending start order.
	// An empty kind returns every segment.
	GetSegments(ctx context.Context, runID, kind string) ([]Segment, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// IsPostgres reports whether url addresses a PostgreSQL server.
func IsPostgres(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// Open connects to the backend named by url. PostgreSQL URLs use pgx; any
// other value is a SQLite file path, optionally prefixed with "sqlite://".
// An empty url opens history.db inside dataDir.
func Open(ctx context.Context, url, dataDir string) (History, error) {
	if IsPostgres(url) {
		return New(ctx, url)
	}
	path := strings.TrimPrefix(url, "sqlite://")
	if path == "" {
		path = filepath.Join(dataDir, "history.db")
	}
	return OpenSQLite(ctx, path)
}

const defaultListLimit = 50

// validRunID rejects anything that could not be a uuid prefix, which also
// keeps LIKE wildcards out of lookups.
func validRunID(id string) bool {
	if id == "" || len(id) > 36 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F', c == '-':
		default:
			return false
		}
	}
	return true
}

func pickRun(found []Run) (Run, error) {
	switch len(found) {
	case 0:
		return Run{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return Run{}, ErrAmbiguous
	}
}
