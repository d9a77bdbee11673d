package match

import (
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/andresmejia3/scrubber/internal/imaging"
	"github.com/andresmejia3/scrubber/internal/types"
)

// stubScorer returns a fixed score per template, keyed by the template's
// first pixel, and counts how often it was called.
type stubScorer struct {
	mu     sync.Mutex
	scores map[uint8]float64
	calls  []uint8
}

func (s *stubScorer) Score(img, tmpl *image.Gray) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := tmpl.Pix[0]
	s.calls = append(s.calls, id)
	return s.scores[id], nil
}

func tmpl(id uint8) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, 2, 2))
	g.Pix[0] = id
	return g
}

func frame() types.Frame {
	return types.Frame{Index: 7, Pixels: image.NewGray(image.Rect(0, 0, 16, 16))}
}

func TestEvaluate_ShortCircuitWithoutNegatives(t *testing.T) {
	s := &stubScorer{scores: map[uint8]float64{1: 0.2, 2: 0.9, 3: 0.95}}
	pos := []*image.Gray{tmpl(1), tmpl(2), tmpl(3)}
	neg := []*image.Gray{tmpl(10)}

	v, err := Evaluate(frame(), nil, pos, neg, Thresholds{Positive: Float(0.7)}, s)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !v.Matched {
		t.Error("Expected match")
	}
	if len(s.calls) != 2 {
		t.Errorf("Expected 2 scorer calls, got %d (%v)", len(s.calls), s.calls)
	}
	if v.Negative != 0 {
		t.Errorf("Expected negative score 0, got %v", v.Negative)
	}
	if v.FrameIndex != 7 {
		t.Errorf("Expected frame index 7, got %d", v.FrameIndex)
	}
}

func TestEvaluate_NegativeOverride(t *testing.T) {
	s := &stubScorer{scores: map[uint8]float64{1: 0.9, 10: 0.3, 11: 0.8, 12: 0.99}}
	pos := []*image.Gray{tmpl(1)}
	neg := []*image.Gray{tmpl(10), tmpl(11), tmpl(12)}

	v, err := Evaluate(frame(), nil, pos, neg, Thresholds{Positive: Float(0.7), Negative: Float(0.7)}, s)
	if err != nil {
		t.Fatal(err)
	}
	if v.Matched {
		t.Error("Expected negative template to veto the match")
	}
	if v.Negative != 0.8 {
		t.Errorf("Expected negative score 0.8, got %v", v.Negative)
	}
	// Scanning stops at the first vetoing negative.
	if len(s.calls) != 3 {
		t.Errorf("Expected 3 scorer calls, got %d", len(s.calls))
	}
}

func TestEvaluate_NegativesBelowThreshold(t *testing.T) {
	s := &stubScorer{scores: map[uint8]float64{1: 0.75, 10: 0.5}}
	v, err := Evaluate(frame(), nil, []*image.Gray{tmpl(1)}, []*image.Gray{tmpl(10)},
		Thresholds{Positive: Float(0.7), Negative: Float(0.7)}, s)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Matched || v.Positive != 0.75 || v.Negative != 0.5 {
		t.Errorf("Unexpected verdict %+v", v)
	}
}

func TestEvaluate_NoPositiveHitSkipsNegatives(t *testing.T) {
	s := &stubScorer{scores: map[uint8]float64{1: 0.1, 2: 0.3, 10: 0.99}}
	v, err := Evaluate(frame(), nil, []*image.Gray{tmpl(1), tmpl(2)}, []*image.Gray{tmpl(10)},
		Thresholds{Positive: Float(0.7), Negative: Float(0.7)}, s)
	if err != nil {
		t.Fatal(err)
	}
	if v.Matched {
		t.Error("Expected no match")
	}
	if v.Positive != 0.3 {
		t.Errorf("Expected best positive 0.3, got %v", v.Positive)
	}
	if len(s.calls) != 2 {
		t.Errorf("Expected negatives to be skipped, got calls %v", s.calls)
	}
}

func TestEvaluate_DiagnosticModeScoresEverything(t *testing.T) {
	s := &stubScorer{scores: map[uint8]float64{1: 0.9, 2: 0.4, 10: 0.6}}
	v, err := Evaluate(frame(), nil, []*image.Gray{tmpl(1), tmpl(2)}, []*image.Gray{tmpl(10)}, Thresholds{}, s)
	if err != nil {
		t.Fatal(err)
	}
	if v.Matched {
		t.Error("Diagnostic mode must never match")
	}
	if v.Positive != 0.9 || v.Negative != 0.6 {
		t.Errorf("Unexpected scores %+v", v)
	}
	if len(s.calls) != 3 {
		t.Errorf("Expected every template scored, got %d calls", len(s.calls))
	}
}

func TestEvaluate_InvalidROI(t *testing.T) {
	s := &stubScorer{scores: map[uint8]float64{}}
	roi := image.Rect(10, 10, 20, 20)
	_, err := Evaluate(frame(), &roi, []*image.Gray{tmpl(1)}, nil, Thresholds{Positive: Float(0.5)}, s)
	if !errors.Is(err, ErrInvalidROI) {
		t.Fatalf("Expected ErrInvalidROI, got %v", err)
	}
	if len(s.calls) != 0 {
		t.Error("Scorer must not run for an invalid ROI")
	}
}

// sizeScorer records the size of the image it was asked to search.
type sizeScorer struct{ got image.Point }

func (s *sizeScorer) Score(img, tmpl *image.Gray) (float64, error) {
	s.got = img.Bounds().Size()
	return 1, nil
}

func TestEvaluator_CropsToROI(t *testing.T) {
	s := &sizeScorer{}
	roi := image.Rect(2, 3, 10, 8)
	ev := &Evaluator{
		ROI:        &roi,
		Positives:  []*image.Gray{tmpl(1)},
		Thresholds: Thresholds{Positive: Float(0.5)},
		Scorer:     s,
	}
	v, err := ev.Evaluate(frame())
	if err != nil {
		t.Fatal(err)
	}
	if !v.Matched {
		t.Error("Expected match")
	}
	if s.got != image.Pt(8, 5) {
		t.Errorf("Expected cropped size 8x5, got %v", s.got)
	}
}

// planesScorer returns a fixed score per template, keyed like stubScorer by
// the first pixel of the template's first plane, and records the plane count.
type planesScorer struct {
	scores map[uint8]float64
	planes []int
	size   image.Point
}

func (s *planesScorer) ScorePlanes(img, tmpl imaging.Planes) (float64, error) {
	s.planes = append(s.planes, len(img))
	w, h := img.Size()
	s.size = image.Pt(w, h)
	return s.scores[tmpl[0].Pix[0]], nil
}

func colour(id uint8) imaging.Planes {
	return imaging.Planes{tmpl(id), tmpl(0), tmpl(0)}
}

func TestEvaluatePlanes_SharesDecisionRules(t *testing.T) {
	img := imaging.Planes{
		image.NewGray(image.Rect(0, 0, 16, 16)),
		image.NewGray(image.Rect(0, 0, 16, 16)),
		image.NewGray(image.Rect(0, 0, 16, 16)),
	}
	s := &planesScorer{scores: map[uint8]float64{1: 0.9, 10: 0.95}}
	roi := image.Rect(4, 4, 12, 10)

	v, err := EvaluatePlanes(3, img, &roi, []imaging.Planes{colour(1)}, []imaging.Planes{colour(10)},
		Thresholds{Positive: Float(0.7), Negative: Float(0.7)}, s)
	if err != nil {
		t.Fatal(err)
	}
	if v.Matched || v.Positive != 0.9 || v.Negative != 0.95 || v.FrameIndex != 3 {
		t.Errorf("unexpected verdict %+v", v)
	}
	for _, n := range s.planes {
		if n != 3 {
			t.Errorf("scorer saw %d planes, want 3", n)
		}
	}
	if s.size != image.Pt(8, 6) {
		t.Errorf("Expected cropped size 8x6, got %v", s.size)
	}

	outside := image.Rect(10, 10, 20, 20)
	if _, err := EvaluatePlanes(3, img, &outside, []imaging.Planes{colour(1)}, nil, Thresholds{}, s); !errors.Is(err, ErrInvalidROI) {
		t.Errorf("Expected ErrInvalidROI, got %v", err)
	}
}

func TestCheckROI(t *testing.T) {
	frame := image.Rect(0, 0, 1280, 720)
	tests := []struct {
		roi     image.Rectangle
		wantErr bool
	}{
		{image.Rect(0, 0, 1280, 720), false},
		{image.Rect(100, 50, 300, 200), false},
		{image.Rect(100000, 100000, 100050, 100050), true},
		{image.Rect(1200, 700, 1300, 740), true},
		{image.Rect(5, 5, 5, 10), true},
	}
	for _, tt := range tests {
		if err := CheckROI(tt.roi, frame); (err != nil) != tt.wantErr {
			t.Errorf("CheckROI(%v) error = %v, wantErr %v", tt.roi, err, tt.wantErr)
		}
	}
}
