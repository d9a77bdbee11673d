//go:build !purego

// The default backend links OpenCV through gocv. Build with -tags purego for
// a cgo-free binary using CorrelationScorer.

package imaging

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Backend names the active matching implementation.
const Backend = "opencv"

// NewScorer returns the scorer for the active backend.
func NewScorer() Scorer {
	return OpenCVScorer{}
}

// DefaultFixup is the frame and template normalization for the active backend.
var DefaultFixup FixupFunc = OpenCVFixup

// OpenCVScorer runs TM_CCOEFF_NORMED through OpenCV.
type OpenCVScorer struct{}

// Score implements Scorer.
func (o OpenCVScorer) Score(img, tmpl *image.Gray) (float64, error) {
	return o.ScorePlanes(Planes{img}, Planes{tmpl})
}

// ScorePlanes implements PlanesScorer. Several planes are merged into one
// multi-channel Mat, which OpenCV scores as a whole.
func (OpenCVScorer) ScorePlanes(img, tmpl Planes) (float64, error) {
	if len(img) == 0 || len(img) != len(tmpl) {
		return 0, fmt.Errorf("imaging: %d image planes against %d template planes", len(img), len(tmpl))
	}
	iw, ih := img.Size()
	tw, th := tmpl.Size()
	if tw == 0 || th == 0 {
		return 0, fmt.Errorf("imaging: empty template")
	}
	if tw > iw || th > ih {
		return 0, fmt.Errorf("%w: template %dx%d, image %dx%d", ErrTemplateTooLarge, tw, th, iw, ih)
	}

	src, err := planesToMat(img)
	if err != nil {
		return 0, fmt.Errorf("imaging: frame to mat: %w", err)
	}
	defer src.Close()
	t, err := planesToMat(tmpl)
	if err != nil {
		return 0, fmt.Errorf("imaging: template to mat: %w", err)
	}
	defer t.Close()

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	gocv.MatchTemplate(src, t, &result, gocv.TmCcoeffNormed, mask)
	_, maxVal, _, _ := gocv.MinMaxLoc(result)
	return float64(maxVal), nil
}

func planesToMat(p Planes) (gocv.Mat, error) {
	if len(p) == 1 {
		return gocv.ImageGrayToMatGray(compact(p[0]))
	}
	channels := make([]gocv.Mat, 0, len(p))
	defer func() {
		for _, m := range channels {
			m.Close()
		}
	}()
	for _, g := range p {
		m, err := gocv.ImageGrayToMatGray(compact(g))
		if err != nil {
			return gocv.Mat{}, err
		}
		channels = append(channels, m)
	}
	merged := gocv.NewMat()
	gocv.Merge(channels, &merged)
	return merged, nil
}

// OpenCVFixup is Fixup implemented with OpenCV's blur and normalize.
func OpenCVFixup(img image.Image) *image.Gray {
	src, err := gocv.ImageGrayToMatGray(compact(ToGray(img)))
	if err != nil {
		return Fixup(img)
	}
	defer src.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	normalized := gocv.NewMat()
	defer normalized.Close()
	gocv.Normalize(blurred, &normalized, 0, 255, gocv.NormMinMax)

	out, err := normalized.ToImage()
	if err != nil {
		return Fixup(img)
	}
	return ToGray(out)
}
