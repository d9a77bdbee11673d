package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/scrubber/internal/container/mpegts"
	"github.com/andresmejia3/scrubber/internal/metrics"
	"github.com/andresmejia3/scrubber/internal/splice"
	"github.com/andresmejia3/scrubber/internal/store"
	"github.com/andresmejia3/scrubber/internal/types"
	"github.com/andresmejia3/scrubber/internal/utils"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

// ErrOutputLocked is returned when another process is writing the same output.
var ErrOutputLocked = errors.New("output is locked by another scrubber process")

var spliceOpts Options

var spliceCmd = &cobra.Command{
	Use:   "splice",
	Short: "Write only the kept ranges of a video, from a stored run or explicit ranges",
	Example: `  scrubber splice -i in.mkv -o out.mkv --run 3f2a
  scrubber splice -i in.ts -o out.ts --keep 0-12.5,40-95`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSplice(cmd.Context(), spliceOpts)
	},
}

func init() {
	spliceCmd.Flags().StringVarP(&spliceOpts.InputPath, "input", "i", "", "Path to input video")
	spliceCmd.Flags().StringVarP(&spliceOpts.OutputPath, "output", "o", "", "Path to output video")
	spliceCmd.Flags().StringVar(&spliceOpts.RunID, "run", "", "Reuse the keep segments of a stored run (id or unique prefix)")
	spliceCmd.Flags().StringVar(&spliceOpts.Keep, "keep", "", "Comma-separated keep ranges in seconds, e.g. 0-12.5,40-95")

	spliceCmd.MarkFlagRequired("input")
	spliceCmd.MarkFlagRequired("output")
	spliceCmd.MarkFlagsMutuallyExclusive("run", "keep")
	spliceCmd.MarkFlagsOneRequired("run", "keep")
	rootCmd.AddCommand(spliceCmd)
}

func runSplice(ctx context.Context, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateInputFile(opts.InputPath); err != nil {
		return showError("Invalid input", err)
	}
	if err := validateOutputPath(opts.InputPath, opts.OutputPath); err != nil {
		return showError("Invalid output", err)
	}

	keep, err := resolveKeepRanges(ctx, opts)
	if err != nil {
		return showError("Failed to resolve keep ranges", err)
	}
	fmt.Fprintln(os.Stderr, renderTable(segmentHeaders, segmentRows(store.KindKeep, keep), segmentAligns))

	start := time.Now()
	stats, err := spliceToOutput(ctx, opts.InputPath, opts.OutputPath, keep)
	if err != nil {
		return showError("Failed to write output video", err)
	}
	metrics.ObserveStage("splice", start)

	fmt.Fprintf(os.Stderr, "✂️  Wrote %s: %d of %d packets kept, %.2fs removed between ranges\n",
		opts.OutputPath, stats.Written, stats.Read, stats.Removed)
	return nil
}

// resolveKeepRanges loads the keep ranges of a stored run or parses --keep.
func resolveKeepRanges(ctx context.Context, opts Options) ([]types.TimeRange, error) {
	if opts.Keep != "" {
		return parseKeepRanges(opts.Keep)
	}

	if err := openHistory(ctx, true); err != nil {
		return nil, err
	}
	run, err := DB.GetRun(ctx, opts.RunID)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", opts.RunID, err)
	}
	if run.Status != store.StatusDone {
		return nil, fmt.Errorf("run %s did not complete (status %s)", run.ID, run.Status)
	}
	segs, err := DB.GetSegments(ctx, run.ID, store.KindKeep)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "📼 Reusing run %s of %s\n", run.ID, filepath.Base(run.InputPath))
	return fromStoreSegments(segs), nil
}

// parseKeepRanges parses "a-b,c-d" in seconds. Ranges must be ascending and
// must not overlap.
func parseKeepRanges(value string) ([]types.TimeRange, error) {
	var out []types.TimeRange
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, b, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("keep range %q: expected start-end", part)
		}
		start, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		if err != nil {
			return nil, fmt.Errorf("keep range %q: bad start: %w", part, err)
		}
		end, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
		if err != nil {
			return nil, fmt.Errorf("keep range %q: bad end: %w", part, err)
		}
		if start < 0 || end <= start {
			return nil, fmt.Errorf("keep range %q: end must be after a non-negative start", part)
		}
		if n := len(out); n > 0 && start < out[n-1].End {
			return nil, fmt.Errorf("keep range %q overlaps or precedes %v", part, out[n-1])
		}
		out = append(out, types.TimeRange{Start: start, End: end})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no keep ranges given")
	}
	return out, nil
}

// partialPath keeps the extension so FFmpeg can still infer the output format.
func partialPath(output string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + ".partial" + ext
}

// spliceToOutput writes keep ranges of input to output. The output is built
// under a partial name and renamed only on success, and a lock file keeps
// two runs from writing the same output.
func spliceToOutput(ctx context.Context, input, output string, keep []types.TimeRange) (splice.Stats, error) {
	if dir := filepath.Dir(output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return splice.Stats{}, err
		}
	}

	lockPath := output + ".lock"
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return splice.Stats{}, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	if !locked {
		return splice.Stats{}, fmt.Errorf("%w: %s", ErrOutputLocked, output)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lockPath)
	}()

	partial := partialPath(output)
	stats, err := spliceFile(ctx, ffmpegBinary(), input, partial, keep)
	if err != nil {
		_ = os.Remove(partial)
		return stats, err
	}
	if err := os.Rename(partial, output); err != nil {
		_ = os.Remove(partial)
		return stats, fmt.Errorf("finalize output: %w", err)
	}
	return stats, nil
}

// spliceFile streams input through the MPEG-TS demuxer, the splicer, and the
// muxer. Non-TS containers are remuxed by FFmpeg on both ends.
func spliceFile(ctx context.Context, ffmpeg, input, output string, keep []types.TimeRange) (splice.Stats, error) {
	logger := Log.With("component", "splice")

	in, err := utils.OpenTSInput(ctx, ffmpeg, input)
	if err != nil {
		return splice.Stats{}, err
	}
	defer in.Close()

	demux, err := mpegts.OpenDemuxer(ctx, bufio.NewReaderSize(in, 1<<20), logger)
	if err != nil {
		return splice.Stats{}, fmt.Errorf("open %s: %w", input, err)
	}

	out, err := utils.CreateTSOutput(ctx, ffmpeg, output)
	if err != nil {
		return splice.Stats{}, err
	}

	stats, err := splice.Splice(ctx, demux, mpegts.NewMuxer(ctx, out), keep, splice.Options{
		Origin: demux.StartTime(),
		Logger: logger,
	})
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close output: %w", cerr)
	}
	return stats, err
}

func ffmpegBinary() string {
	if Cfg == nil || Cfg.Media.FFmpeg == "" {
		return "ffmpeg"
	}
	return Cfg.Media.FFmpeg
}

func ffprobeBinary() string {
	if Cfg == nil || Cfg.Media.FFprobe == "" {
		return "ffprobe"
	}
	return Cfg.Media.FFprobe
}
