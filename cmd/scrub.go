package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/scrubber/internal/imaging"
	"github.com/andresmejia3/scrubber/internal/match"
	"github.com/andresmejia3/scrubber/internal/metrics"
	"github.com/andresmejia3/scrubber/internal/progress"
	"github.com/andresmejia3/scrubber/internal/segments"
	"github.com/andresmejia3/scrubber/internal/store"
	"github.com/andresmejia3/scrubber/internal/types"
	"github.com/andresmejia3/scrubber/internal/utils"
	"github.com/andresmejia3/scrubber/internal/worker"
	"github.com/spf13/cobra"
)

// ErrNoTemplates is returned when none of the positive template paths yields an image.
var ErrNoTemplates = errors.New("no usable template images found")

var scrubOpts Options

var scrubCmd = &cobra.Command{
	Use:   "scrub",
	Short: "Find frames matching the templates and cut them out of the video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyScrubConfig(cmd, &scrubOpts)
		return runScrub(cmd.Context(), scrubOpts)
	},
}

func init() {
	scrubCmd.Flags().StringVarP(&scrubOpts.InputPath, "input", "i", "", "Path to input video")
	scrubCmd.Flags().StringArrayVarP(&scrubOpts.Positives, "positive", "p", nil, "Positive template image or directory (repeatable)")
	scrubCmd.Flags().StringArrayVarP(&scrubOpts.Negatives, "negative", "n", nil, "Negative template image or directory (repeatable)")
	scrubCmd.Flags().StringVarP(&scrubOpts.OutputPath, "output", "o", "output.mkv", "Path to output video")
	scrubCmd.Flags().Float64VarP(&scrubOpts.PositiveThreshold, "positive-threshold", "m", 0.7, "Score at which a positive template matches [0,1]")
	scrubCmd.Flags().Float64VarP(&scrubOpts.NegativeThreshold, "negative-threshold", "x", 0.7, "Score at which a negative template vetoes a match [0,1]")
	scrubCmd.Flags().Float64VarP(&scrubOpts.Padding, "padding", "f", 1.0, "Seconds removed before and after every matched run")
	scrubCmd.Flags().StringVarP(&scrubOpts.ROI, "roi", "b", "", "Only match inside this region: x,y,width,height")
	scrubCmd.Flags().IntVarP(&scrubOpts.Workers, "workers", "j", 0, "Number of matcher workers (default: one per available core)")
	scrubCmd.Flags().IntVar(&scrubOpts.QueueDepth, "queue-depth", 0, "Frames buffered between decoder and workers (default: 4 per worker)")
	scrubCmd.Flags().StringVar(&scrubOpts.FFmpegOpts, "ffmpeg-opts", "", "Extra FFmpeg input options for decoding, e.g. \"-hwaccel auto\"")
	scrubCmd.Flags().BoolVar(&scrubOpts.DryRun, "dry-run", false, "Print the segments without writing an output file")
	scrubCmd.Flags().BoolVar(&scrubOpts.NoPin, "no-pin", false, "Do not pin workers to CPU cores")

	scrubCmd.MarkFlagRequired("input")
	scrubCmd.MarkFlagRequired("positive")
	rootCmd.AddCommand(scrubCmd)
}

// applyScrubConfig fills every flag the user did not set from the configuration.
func applyScrubConfig(cmd *cobra.Command, opts *Options) {
	if Cfg == nil {
		return
	}
	flags := cmd.Flags()
	if !flags.Changed("output") {
		opts.OutputPath = Cfg.Scrub.Output
	}
	if !flags.Changed("positive-threshold") {
		opts.PositiveThreshold = Cfg.Scrub.PositiveThreshold
	}
	if !flags.Changed("negative-threshold") {
		opts.NegativeThreshold = Cfg.Scrub.NegativeThreshold
	}
	if !flags.Changed("padding") {
		opts.Padding = Cfg.Scrub.Padding
	}
	if !flags.Changed("workers") {
		opts.Workers = Cfg.Scrub.Workers
	}
	if !flags.Changed("queue-depth") {
		opts.QueueDepth = Cfg.Scrub.QueueDepth
	}
	if !flags.Changed("ffmpeg-opts") {
		opts.FFmpegOpts = Cfg.Media.InputOptions
	}
	if !flags.Changed("no-pin") {
		opts.NoPin = !Cfg.Scrub.PinWorkers
	}
}

// runScrub orchestrates a full run: template loading, probing, the frame
// pipeline, segment derivation, persistence, and the splice.
func runScrub(ctx context.Context, opts Options) error {
	// Ensure FFmpeg children are killed if we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	roi, err := validateScrubFlags(&opts)
	if err != nil {
		return showError("Invalid arguments", err)
	}

	positives, err := imaging.LoadTemplates(opts.Positives, imaging.DefaultFixup)
	if err != nil {
		return showError("Failed to load positive templates", err)
	}
	if len(positives) == 0 {
		err := fmt.Errorf("%w in %s", ErrNoTemplates, strings.Join(opts.Positives, ", "))
		return showError("Nothing to match against", err)
	}
	negatives, err := imaging.LoadTemplates(opts.Negatives, imaging.DefaultFixup)
	if err != nil {
		return showError("Failed to load negative templates", err)
	}
	fmt.Fprintf(os.Stderr, "🖼️  Loaded %d positive and %d negative templates (%s backend)\n", len(positives), len(negatives), imaging.Backend)

	probeStart := time.Now()
	info, err := utils.Probe(ctx, ffprobeBinary(), opts.InputPath)
	if err != nil {
		return showError("Failed to probe input video", err)
	}
	total := info.Frames
	if total <= 0 {
		total = utils.GetTotalFrames(ctx, ffprobeBinary(), opts.InputPath)
	}
	metrics.ObserveStage("probe", probeStart)

	if err := validateGeometry(roi, info, positives, negatives); err != nil {
		return showError("Invalid arguments", err)
	}

	if err := openHistory(ctx, false); err != nil {
		return err
	}
	rec := startRun(ctx, DB, opts, info)

	fmt.Fprintf(os.Stderr, "📼 Processing %s (%dx%d @ %.3f fps, %s)\n",
		filepath.Base(opts.InputPath), info.Width, info.Height, info.FPS, fmtTime(info.Duration))
	fmt.Fprintf(os.Stderr, "🆔 Run %s\n", rec.runID)

	result, err := scanFrames(ctx, opts, roi, positives, negatives, info, total)
	if err != nil {
		rec.fail(err)
		return showError("Frame scan failed", err)
	}

	duration := info.Duration
	if duration <= 0 {
		duration = float64(result.Processed) / info.FPS
	}
	derived, err := segments.Derive(result.Matched, segments.Params{FPS: info.FPS, Padding: opts.Padding, Total: duration})
	if err != nil {
		rec.fail(err)
		return showError("Failed to derive segments", err)
	}

	printScrubSummary(result, derived, duration)
	rec.segments(derived)

	if opts.DryRun {
		fmt.Fprintln(os.Stderr, "🧪 Dry run: no output written.")
		rec.finish(store.StatusDone, result)
		return nil
	}

	spliceStart := time.Now()
	stats, err := spliceToOutput(ctx, opts.InputPath, opts.OutputPath, derived.Keep)
	if err != nil {
		rec.fail(err)
		return showError("Failed to write output video", err)
	}
	metrics.ObserveStage("splice", spliceStart)
	fmt.Fprintf(os.Stderr, "✂️  Wrote %s (%d packets kept, %d dropped, %.2fs removed)\n",
		opts.OutputPath, stats.Written, stats.Dropped, segments.Duration(derived.Remove))

	if err := uploadOutput(ctx, rec.runID, opts.OutputPath); err != nil {
		// The local output is complete; a failed upload does not fail the run.
		utils.ShowError("Upload failed", err, nil)
	}

	rec.finish(store.StatusDone, result)
	fmt.Fprintf(os.Stderr, "🏁 Scrub complete.\n")
	return nil
}

// scanFrames decodes the input and runs every frame through the matcher pool.
func scanFrames(ctx context.Context, opts Options, roi *image.Rectangle, positives, negatives []types.Template, info utils.MediaInfo, total int) (worker.Result, error) {
	reader, err := utils.StartFrameReader(ctx, ffmpegBinary(), opts.InputPath, info.Width, info.Height, opts.FFmpegOpts)
	if err != nil {
		return worker.Result{}, err
	}
	defer reader.Close()

	th := match.Thresholds{Positive: match.Float(opts.PositiveThreshold)}
	if len(negatives) > 0 {
		th.Negative = match.Float(opts.NegativeThreshold)
	}
	evaluator := &match.Evaluator{
		ROI:        roi,
		Positives:  imaging.Pixels(positives),
		Negatives:  imaging.Pixels(negatives),
		Thresholds: th,
		Scorer:     imaging.NewScorer(),
	}

	counter := &progress.Counter{}
	done := make(chan struct{})
	reporterDone := make(chan struct{})
	reporter := progress.NewReporter("🔍 Scrubbing", Log.With("component", "progress"))
	go func() {
		reporter.Run(ctx, counter, int64(total), done)
		close(reporterDone)
	}()

	start := time.Now()
	result, err := worker.Run(ctx, reader, evaluator, worker.Config{
		Workers:    opts.Workers,
		QueueDepth: opts.QueueDepth,
		Pin:        !opts.NoPin,
		Prepare:    imaging.DefaultFixup,
		Counter:    counter,
		Logger:     Log.With("component", "worker"),
	})
	close(done)
	<-reporterDone
	metrics.ObserveStage("scan", start)
	return result, err
}

func printScrubSummary(result worker.Result, derived segments.Result, duration float64) {
	pct := 0.0
	if result.Processed > 0 {
		pct = 100 * float64(len(result.Matched)) / float64(result.Processed)
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 SCRUB SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎯 Found %d (out of %d) matched frames (%.2f%%) in %s\n",
		len(result.Matched), result.Processed, pct, result.Elapsed.Round(time.Millisecond))

	if len(derived.Remove) == 0 {
		fmt.Fprintf(os.Stderr, "✅ Nothing to remove.\n")
	} else {
		rows := segmentRows(store.KindRemove, derived.Remove)
		rows = append(rows, segmentRows(store.KindKeep, derived.Keep)...)
		fmt.Fprintln(os.Stderr, renderTable(segmentHeaders, rows, segmentAligns))
	}
	fmt.Fprintf(os.Stderr, "⏱️  Keeping %s of %s\n", fmtTime(segments.Duration(derived.Keep)), fmtTime(duration))
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// validateScrubFlags ensures all CLI arguments are valid before starting heavy processes.
// It returns the parsed region of interest, or nil when none was given.
func validateScrubFlags(opts *Options) (*image.Rectangle, error) {
	if err := validateInputFile(opts.InputPath); err != nil {
		return nil, err
	}
	if len(opts.Positives) == 0 {
		return nil, fmt.Errorf("at least one positive template is required")
	}
	if err := validateThreshold("positive-threshold", opts.PositiveThreshold); err != nil {
		return nil, err
	}
	if err := validateThreshold("negative-threshold", opts.NegativeThreshold); err != nil {
		return nil, err
	}
	if opts.Padding < 0 {
		return nil, fmt.Errorf("padding must be >= 0, got %v", opts.Padding)
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d", opts.Workers)
	}
	if opts.QueueDepth < 0 {
		return nil, fmt.Errorf("queue-depth must be >= 0, got %d", opts.QueueDepth)
	}
	if !opts.DryRun {
		if err := validateOutputPath(opts.InputPath, opts.OutputPath); err != nil {
			return nil, err
		}
	}
	if opts.ROI == "" {
		return nil, nil
	}
	roi, err := imaging.ParseRect(opts.ROI)
	if err != nil {
		return nil, err
	}
	return &roi, nil
}

// validateGeometry checks the region of interest and the template sizes
// against the probed frame size, so bad geometry is reported before any
// decoding starts. Unknown frame sizes are left to the matcher.
func validateGeometry(roi *image.Rectangle, info utils.MediaInfo, positives, negatives []types.Template) error {
	if info.Width <= 0 || info.Height <= 0 {
		return nil
	}
	area := image.Rect(0, 0, info.Width, info.Height)
	if roi != nil {
		if err := match.CheckROI(*roi, area); err != nil {
			return err
		}
		area = *roi
	}
	for _, set := range [][]types.Template{positives, negatives} {
		for _, t := range set {
			size := t.Pixels.Bounds().Size()
			if size.X > area.Dx() || size.Y > area.Dy() {
				return fmt.Errorf("%w: %s is %dx%d, search area is %dx%d",
					imaging.ErrTemplateTooLarge, t.Name, size.X, size.Y, area.Dx(), area.Dy())
			}
		}
	}
	return nil
}

func validateInputFile(path string) error {
	if path == "" {
		return fmt.Errorf("input path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", path)
	}
	return nil
}

// validateOutputPath refuses to overwrite the input, which would corrupt it mid-read.
func validateOutputPath(input, output string) error {
	if output == "" {
		return fmt.Errorf("output path is required")
	}
	inAbs, _ := filepath.Abs(input)
	outAbs, _ := filepath.Abs(output)
	if inAbs == outAbs {
		return fmt.Errorf("input and output paths must be different to prevent file corruption")
	}
	return nil
}

func validateThreshold(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be between 0.0 and 1.0, got %f", name, v)
	}
	return nil
}
