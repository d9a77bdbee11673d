// Package segments turns a sorted list of matched frame indices into the
// time ranges to remove from a video and their complement, the ranges to keep.
package segments

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/scrubber/internal/types"
)

// ErrUnsorted is returned when frame indices are not in ascending order.
var ErrUnsorted = errors.New("segments: frame indices are not sorted")

// Params controls how frame runs are turned into time ranges.
type Params struct {
	FPS     float64 // frames per second of the source video, must be > 0
	Padding float64 // seconds added before and after every run, must be >= 0
	Total   float64 // total duration of the source video in seconds
}

func (p Params) validate() error {
	if p.FPS <= 0 {
		return fmt.Errorf("segments: fps must be positive, got %v", p.FPS)
	}
	if p.Padding < 0 {
		return fmt.Errorf("segments: padding must not be negative, got %v", p.Padding)
	}
	return nil
}

// Result holds both views of the same edit.
type Result struct {
	Remove []types.TimeRange
	Keep   []types.TimeRange
}

// Derive runs the full pipeline: group frames into runs, pad and merge them
// into removal ranges, then invert those into keep ranges.
func Derive(frames []int, p Params) (Result, error) {
	removals, err := Removals(frames, p)
	if err != nil {
		return Result{}, err
	}
	return Result{Remove: removals, Keep: Invert(removals, p.Total)}, nil
}

// Removals groups the frames and returns the padded, merged removal ranges.
func Removals(frames []int, p Params) ([]types.TimeRange, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	runs, err := Group(frames)
	if err != nil {
		return nil, err
	}

	ranges := make([]types.TimeRange, 0, len(runs))
	for _, run := range runs {
		ranges = append(ranges, types.TimeRange{
			Start: float64(run.First)/p.FPS - p.Padding,
			End:   float64(run.Last)/p.FPS + p.Padding,
		})
	}
	return Merge(ranges), nil
}

// Run is a maximal sequence of consecutive frame indices.
type Run struct {
	First int
	Last  int
}

// Group splits ascending frame indices into runs. A new run starts whenever
// the next index is more than one greater than the previous one. Repeated
// indices stay in the current run.
func Group(frames []int) ([]Run, error) {
	if len(frames) == 0 {
		return nil, nil
	}

	runs := []Run{{First: frames[0], Last: frames[0]}}
	for i := 1; i < len(frames); i++ {
		prev, cur := frames[i-1], frames[i]
		if cur < prev {
			return nil, fmt.Errorf("%w: %d follows %d", ErrUnsorted, cur, prev)
		}
		last := &runs[len(runs)-1]
		if cur-prev > 1 {
			runs = append(runs, Run{First: cur, Last: cur})
			continue
		}
		last.Last = cur
	}
	return runs, nil
}

// Merge folds ranges sorted by start into non-overlapping ranges. A range
// whose start is at or before the current end is absorbed into it.
func Merge(ranges []types.TimeRange) []types.TimeRange {
	if len(ranges) == 0 {
		return nil
	}

	merged := []types.TimeRange{ranges[0]}
	for _, r := range ranges[1:] {
		cur := &merged[len(merged)-1]
		if r.Start <= cur.End {
			if r.End > cur.End {
				cur.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Invert returns the complement of the removal ranges over [0, total).
// Zero-length gaps between removals are not emitted.
func Invert(removals []types.TimeRange, total float64) []types.TimeRange {
	var keep []types.TimeRange
	cursor := 0.0
	for _, r := range removals {
		if r.Start-cursor > 0 {
			keep = append(keep, types.TimeRange{Start: cursor, End: r.Start})
		}
		cursor = r.End
	}
	if total > cursor {
		keep = append(keep, types.TimeRange{Start: cursor, End: total})
	}
	return keep
}

// Duration sums the lengths of the given ranges.
func Duration(ranges []types.TimeRange) float64 {
	var total float64
	for _, r := range ranges {
		total += r.Duration()
	}
	return total
}
