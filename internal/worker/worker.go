package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/scrubber/internal/affinity"
	"github.com/andresmejia3/scrubber/internal/metrics"
	"github.com/andresmejia3/scrubber/internal/progress"
	"github.com/andresmejia3/scrubber/internal/types"
)

// FrameSource yields frames in strictly increasing index order and returns
// io.EOF once the video is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (types.Frame, error)
}

// Matcher decides whether a single frame matches.
type Matcher interface {
	Evaluate(frame types.Frame) (types.Verdict, error)
}

// Config controls the worker pool.
type Config struct {
	// Workers caps the number of workers. Zero means one per available CPU.
	Workers int
	// QueueDepth is the capacity of the frame queue. Zero means 4 per worker.
	QueueDepth int
	// Pin locks each worker to its own OS thread bound to a distinct CPU.
	Pin bool
	// Prepare, when set, runs on every frame before it is evaluated.
	Prepare func(image.Image) *image.Gray
	// Counter, when set, is incremented once per evaluated frame.
	Counter *progress.Counter
	Logger  *slog.Logger
}

// StageError reports which part of the pipeline failed and on which frame.
type StageError struct {
	Stage string
	Frame int
	Err   error
}

func (e *StageError) Error() string {
	if e.Frame > 0 {
		return fmt.Sprintf("%s failed on frame %d: %v", e.Stage, e.Frame, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// MatchedFrameSet collects matched frame indices. Only the aggregator writes
// to it; readers take a sorted snapshot.
type MatchedFrameSet struct {
	mu     sync.Mutex
	frames []int
}

// Add records a matched frame.
func (s *MatchedFrameSet) Add(index int) {
	s.mu.Lock()
	s.frames = append(s.frames, index)
	s.mu.Unlock()
}

// Len returns how many frames have been recorded.
func (s *MatchedFrameSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Sorted returns an ascending copy of the recorded frames.
func (s *MatchedFrameSet) Sorted() []int {
	s.mu.Lock()
	out := make([]int, len(s.frames))
	copy(out, s.frames)
	s.mu.Unlock()
	sort.Ints(out)
	return out
}

// Result is the outcome of a completed run.
type Result struct {
	Matched   []int // ascending
	Processed int
	Elapsed   time.Duration
}

// Run reads every frame from src, evaluates them on a pool of workers and
// returns the matched frame indices in ascending order.
//
// One producer feeds a bounded queue, the workers drain it, and a single
// aggregator collects matches. The first error from the producer or any
// worker cancels the others and is returned; no partial result is produced.
func Run(ctx context.Context, src FrameSource, m Matcher, cfg Config) (Result, error) {
	start := time.Now()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cpus := affinity.Available()
	numWorkers := cfg.Workers
	if numWorkers <= 0 || (cfg.Pin && numWorkers > len(cpus)) {
		numWorkers = len(cpus)
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = numWorkers * 4
	}

	g, gctx := errgroup.WithContext(ctx)
	taskChan := make(chan types.Frame, depth)
	resultsChan := make(chan int, numWorkers*2)

	// Aggregator: the only writer of the matched set.
	matched := &MatchedFrameSet{}
	aggDone := make(chan struct{})
	go func() {
		for idx := range resultsChan {
			matched.Add(idx)
		}
		close(aggDone)
	}()

	var processed int
	var processedMu sync.Mutex

	// Producer
	g.Go(func() error {
		defer close(taskChan)
		for {
			frame, err := src.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return &StageError{Stage: "decode", Err: err}
			}
			select {
			case taskChan <- frame:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	for i := 0; i < numWorkers; i++ {
		id, cpu := i, cpus[i%len(cpus)]
		g.Go(func() error {
			if cfg.Pin {
				// The thread is never unlocked, so it exits with the
				// goroutine instead of returning to the scheduler pinned.
				runtime.LockOSThread()
				if err := affinity.Pin(cpu); err != nil {
					logger.Warn("worker not pinned", slog.Int("worker", id), slog.Any("error", err))
				}
			}
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()

			n, err := work(gctx, taskChan, resultsChan, m, cfg)
			processedMu.Lock()
			processed += n
			processedMu.Unlock()
			return err
		})
	}

	logger.Debug("pipeline started", slog.Int("workers", numWorkers), slog.Int("queue_depth", depth), slog.Bool("pinned", cfg.Pin))

	err := g.Wait()
	close(resultsChan)
	<-aggDone
	if err != nil {
		return Result{}, err
	}

	return Result{
		Matched:   matched.Sorted(),
		Processed: processed,
		Elapsed:   time.Since(start),
	}, nil
}

// work is a single worker loop. It returns once the queue is closed and
// drained, or on the first error.
func work(ctx context.Context, tasks <-chan types.Frame, results chan<- int, m Matcher, cfg Config) (int, error) {
	n := 0
	for {
		var frame types.Frame
		var ok bool
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case frame, ok = <-tasks:
			if !ok {
				return n, nil
			}
		}

		if cfg.Prepare != nil {
			frame.Pixels = cfg.Prepare(frame.Pixels)
		}
		verdict, err := m.Evaluate(frame)
		if err != nil {
			return n, &StageError{Stage: "match", Frame: frame.Index, Err: err}
		}

		n++
		metrics.FramesProcessedTotal.Inc()
		if cfg.Counter != nil {
			cfg.Counter.Add(1)
		}
		if !verdict.Matched {
			continue
		}
		metrics.FramesMatchedTotal.Inc()
		select {
		case results <- frame.Index:
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}
