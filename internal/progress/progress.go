// Package progress tracks how many frames have been evaluated and reports it
// to the user. The counter is advisory: nothing synchronizes on it.
package progress

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// Counter is a lock-free frame counter shared by all workers.
type Counter struct {
	n atomic.Int64
}

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) {
	c.n.Add(delta)
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	return c.n.Load()
}

// Reporter periodically renders a Counter. On a terminal it draws a progress
// bar; otherwise it emits a log line per interval.
type Reporter struct {
	Description string
	Interval    time.Duration
	Output      io.Writer
	Logger      *slog.Logger
	// Interactive forces bar rendering on or off. Nil means detect from Output.
	Interactive *bool
}

// NewReporter returns a Reporter writing to stderr.
func NewReporter(description string, logger *slog.Logger) *Reporter {
	return &Reporter{
		Description: description,
		Interval:    200 * time.Millisecond,
		Output:      os.Stderr,
		Logger:      logger,
	}
}

func (r *Reporter) interactive() bool {
	if r.Interactive != nil {
		return *r.Interactive
	}
	f, ok := r.Output.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Run polls counter until done is closed, ctx is cancelled, or the count
// reaches total. A total <= 0 means unknown and renders a spinner.
func (r *Reporter) Run(ctx context.Context, counter *Counter, total int64, done <-chan struct{}) {
	interval := r.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	render := r.logRenderer(total)
	if r.interactive() {
		render = r.barRenderer(total)
	}

	for {
		select {
		case <-ctx.Done():
			render(counter.Load(), false)
			return
		case <-done:
			render(counter.Load(), true)
			return
		case <-ticker.C:
			n := counter.Load()
			if total > 0 && n >= total {
				render(n, true)
				return
			}
			render(n, false)
		}
	}
}

type renderFunc func(n int64, final bool)

func (r *Reporter) barRenderer(total int64) renderFunc {
	barTotal := total
	if barTotal <= 0 {
		barTotal = -1 // Trigger spinner mode
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription(r.Description),
		progressbar.OptionSetWriter(r.Output),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	return func(n int64, final bool) {
		// The counter may run ahead of the estimated total.
		if total > 0 && n > total {
			n = total
		}
		_ = bar.Set64(n)
		if final {
			_ = bar.Finish()
			io.WriteString(r.Output, "\n")
		}
	}
}

func (r *Reporter) logRenderer(total int64) renderFunc {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	last := time.Time{}
	return func(n int64, final bool) {
		if !final && time.Since(last) < 5*time.Second {
			return
		}
		last = time.Now()
		attrs := []any{slog.Int64("frames", n)}
		if total > 0 {
			attrs = append(attrs, slog.Int64("total", total), slog.Float64("percent", 100*float64(n)/float64(total)))
		}
		if final {
			logger.Info(r.Description+" finished", attrs...)
			return
		}
		logger.Info(r.Description, attrs...)
	}
}
