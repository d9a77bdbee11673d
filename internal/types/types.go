package types

import (
	"fmt"
	"image"
)

// Frame is a single decoded grayscale frame handed to a worker.
// Index is 1-based and strictly increasing in production order.
type Frame struct {
	Index  int
	Pixels *image.Gray
}

// Template is a reference image that frames are compared against.
// Templates are loaded once and shared read-only by every worker.
type Template struct {
	Name   string
	Pixels *image.Gray
}

// Verdict is the outcome of evaluating one frame against the template sets.
type Verdict struct {
	FrameIndex int
	Matched    bool
	Positive   float64 // best positive score seen before the scan stopped
	Negative   float64 // best negative score seen before the scan stopped
}

// TimeRange is a half-open span [Start, End) in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// Duration returns the length of the range in seconds.
func (r TimeRange) Duration() float64 {
	return r.End - r.Start
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%.3f, %.3f)", r.Start, r.End)
}
