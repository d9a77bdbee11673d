// Package match decides whether a single frame matches the configured
// positive templates without being vetoed by a negative one.
package match

import (
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/scrubber/internal/imaging"
	"github.com/andresmejia3/scrubber/internal/types"
)

// ErrInvalidROI is returned when the region of interest is not fully inside the frame.
var ErrInvalidROI = errors.New("match: region of interest outside frame")

// Thresholds holds the optional decision thresholds. A nil Positive puts the
// evaluator in diagnostic mode: every template is scored and nothing matches.
type Thresholds struct {
	Positive *float64
	Negative *float64
}

// Evaluate scores frame against the templates and returns its verdict.
//
// Positive templates are scanned in order keeping the best score. Once it
// reaches the positive threshold the scan stops: without a negative threshold
// the frame matches immediately, otherwise negatives are scanned and the
// first one reaching the negative threshold rejects the frame. Negatives are
// also scanned when no positive threshold is set.
func Evaluate(frame types.Frame, roi *image.Rectangle, positives, negatives []*image.Gray, th Thresholds, scorer imaging.Scorer) (types.Verdict, error) {
	img := frame.Pixels
	if roi != nil {
		if err := CheckROI(*roi, img.Bounds()); err != nil {
			return types.Verdict{FrameIndex: frame.Index}, err
		}
		img = img.SubImage(*roi).(*image.Gray)
	}
	return decide(frame.Index, len(positives), len(negatives), th, func(positive bool, i int) (float64, error) {
		if positive {
			return scorer.Score(img, positives[i])
		}
		return scorer.Score(img, negatives[i])
	})
}

// EvaluatePlanes is Evaluate for multi-channel images.
func EvaluatePlanes(index int, img imaging.Planes, roi *image.Rectangle, positives, negatives []imaging.Planes, th Thresholds, scorer imaging.PlanesScorer) (types.Verdict, error) {
	if roi != nil {
		if err := CheckROI(*roi, img.Bounds()); err != nil {
			return types.Verdict{FrameIndex: index}, err
		}
		img = img.SubImage(*roi)
	}
	return decide(index, len(positives), len(negatives), th, func(positive bool, i int) (float64, error) {
		if positive {
			return scorer.ScorePlanes(img, positives[i])
		}
		return scorer.ScorePlanes(img, negatives[i])
	})
}

// CheckROI reports whether roi is a non-empty region inside bounds.
func CheckROI(roi, bounds image.Rectangle) error {
	if roi.Empty() || !roi.In(bounds) {
		return fmt.Errorf("%w: %v not within %v", ErrInvalidROI, roi, bounds)
	}
	return nil
}

func decide(index, positives, negatives int, th Thresholds, score func(positive bool, i int) (float64, error)) (types.Verdict, error) {
	v := types.Verdict{FrameIndex: index}

	matched := false
	for i := 0; i < positives; i++ {
		s, err := score(true, i)
		if err != nil {
			return v, fmt.Errorf("positive template: %w", err)
		}
		if s > v.Positive {
			v.Positive = s
		}
		if th.Positive != nil && v.Positive >= *th.Positive {
			if th.Negative == nil {
				v.Matched = true
				return v, nil
			}
			matched = true
			break
		}
	}

	if matched || th.Positive == nil {
		for i := 0; i < negatives; i++ {
			s, err := score(false, i)
			if err != nil {
				return v, fmt.Errorf("negative template: %w", err)
			}
			if s > v.Negative {
				v.Negative = s
			}
			if th.Negative != nil && v.Negative >= *th.Negative {
				return v, nil
			}
		}
	}

	v.Matched = matched
	return v, nil
}

// Evaluator bundles everything Evaluate needs so workers can share one value.
// It is safe for concurrent use as long as the templates are not mutated.
type Evaluator struct {
	ROI        *image.Rectangle
	Positives  []*image.Gray
	Negatives  []*image.Gray
	Thresholds Thresholds
	Scorer     imaging.Scorer
}

// Evaluate runs Evaluate with the evaluator's configuration.
func (e *Evaluator) Evaluate(frame types.Frame) (types.Verdict, error) {
	return Evaluate(frame, e.ROI, e.Positives, e.Negatives, e.Thresholds, e.Scorer)
}

// Float returns a pointer to v, for building Thresholds.
func Float(v float64) *float64 {
	return &v
}
