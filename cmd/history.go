package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/andresmejia3/scrubber/internal/metrics"
	"github.com/andresmejia3/scrubber/internal/segments"
	"github.com/andresmejia3/scrubber/internal/store"
	"github.com/andresmejia3/scrubber/internal/types"
	"github.com/andresmejia3/scrubber/internal/upload"
	"github.com/andresmejia3/scrubber/internal/utils"
	"github.com/andresmejia3/scrubber/internal/worker"
	"github.com/google/uuid"
)

// runRecorder persists one scrub run. History is best effort: a write
// failure is reported once and disables further writes for the run.
type runRecorder struct {
	ctx    context.Context
	db     store.History
	runID  string
	logger *slog.Logger
}

func startRun(ctx context.Context, db store.History, opts Options, info utils.MediaInfo) *runRecorder {
	rec := &runRecorder{ctx: ctx, db: db, runID: uuid.NewString(), logger: Log.With("component", "history")}
	if db == nil {
		return rec
	}

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		rec.disable("generate video id", err)
		return rec
	}
	video := store.Video{ID: videoID, Path: opts.InputPath, Duration: info.Duration, FPS: info.FPS, Frames: info.Frames}
	if err := db.EnsureVideoMetadata(ctx, video); err != nil {
		rec.disable("register video metadata", err)
		return rec
	}

	run := store.Run{
		ID:                rec.runID,
		VideoID:           videoID,
		InputPath:         opts.InputPath,
		OutputPath:        opts.OutputPath,
		PositiveThreshold: opts.PositiveThreshold,
		Padding:           opts.Padding,
	}
	if len(opts.Negatives) > 0 {
		neg := opts.NegativeThreshold
		run.NegativeThreshold = &neg
	}
	if err := db.CreateRun(ctx, run); err != nil {
		rec.disable("create run", err)
	}
	return rec
}

func (r *runRecorder) disable(op string, err error) {
	fmt.Fprintf(os.Stderr, "⚠️  Run history: failed to %s, continuing without it: %v\n", op, err)
	r.db = nil
}

func (r *runRecorder) segments(res segments.Result) {
	if r.db == nil {
		return
	}
	segs := make([]store.Segment, 0, len(res.Remove)+len(res.Keep))
	segs = append(segs, toStoreSegments(store.KindRemove, res.Remove)...)
	segs = append(segs, toStoreSegments(store.KindKeep, res.Keep)...)
	if err := r.db.InsertSegments(r.ctx, r.runID, segs); err != nil {
		r.disable("store segments", err)
	}
}

func (r *runRecorder) finish(status string, res worker.Result) {
	metrics.RunsTotal.WithLabelValues(status).Inc()
	r.save(store.Outcome{Status: status, Matched: len(res.Matched), Frames: res.Processed})
}

func (r *runRecorder) fail(err error) {
	metrics.RunsTotal.WithLabelValues(store.StatusFailed).Inc()
	r.save(store.Outcome{Status: store.StatusFailed, Error: err.Error()})
}

func (r *runRecorder) save(o store.Outcome) {
	if r.db == nil {
		return
	}
	// The run context may already be cancelled; the final status must still land.
	if err := r.db.FinishRun(context.WithoutCancel(r.ctx), r.runID, o); err != nil {
		r.logger.Warn("failed to record run outcome", slog.String("run_id", r.runID), slog.Any("error", err))
	}
}

func toStoreSegments(kind string, ranges []types.TimeRange) []store.Segment {
	out := make([]store.Segment, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, store.Segment{Kind: kind, Start: r.Start, End: r.End})
	}
	return out
}

func fromStoreSegments(segs []store.Segment) []types.TimeRange {
	out := make([]types.TimeRange, 0, len(segs))
	for _, s := range segs {
		out = append(out, types.TimeRange{Start: s.Start, End: s.End})
	}
	return out
}

// uploadOutput copies the finished output to object storage when enabled.
func uploadOutput(ctx context.Context, runID, path string) error {
	if Cfg == nil || !Cfg.Upload.Enabled {
		return nil
	}
	u, err := upload.New(upload.Config{
		Endpoint:  Cfg.Upload.Endpoint,
		AccessKey: Cfg.Upload.AccessKey,
		SecretKey: Cfg.Upload.SecretKey,
		UseSSL:    Cfg.Upload.UseSSL,
		Bucket:    Cfg.Upload.Bucket,
		Prefix:    Cfg.Upload.Prefix,
	})
	if err != nil {
		return err
	}
	if err := u.EnsureBucket(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "☁️  Uploading %s...\n", path)
	uri, err := u.Upload(ctx, runID, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "☁️  Uploaded to %s\n", uri)
	return nil
}
