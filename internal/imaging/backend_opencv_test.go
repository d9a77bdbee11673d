//go:build !purego

package imaging

import (
	"image"
	"math"
	"math/rand"
	"testing"
)

func TestOpenCVScorer_AgreesWithCorrelationScorer(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	frame := noise(rng, 64, 48)
	view := frame.SubImage(image.Rect(4, 6, 60, 40)).(*image.Gray)
	tmpl := noise(rng, 9, 7)

	got, err := OpenCVScorer{}.Score(view, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	want, err := NewCorrelationScorer().Score(view, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	// OpenCV accumulates in float32.
	if math.Abs(got-want) > 1e-3 {
		t.Errorf("OpenCV score %v, pure Go score %v", got, want)
	}
}

func TestOpenCVScorer_ColourSelfMatch(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	img := Planes{noise(rng, 30, 20), noise(rng, 30, 20), noise(rng, 30, 20)}
	crop := img.SubImage(image.Rect(11, 4, 19, 13))

	score, err := OpenCVScorer{}.ScorePlanes(img, crop)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(score-1) > 1e-3 {
		t.Errorf("Expected colour self-match ~1, got %v", score)
	}
}

func TestDefaultBackendIsOpenCV(t *testing.T) {
	if Backend != "opencv" {
		t.Errorf("Backend = %q", Backend)
	}
	if _, ok := NewScorer().(OpenCVScorer); !ok {
		t.Errorf("NewScorer returned %T", NewScorer())
	}
}
