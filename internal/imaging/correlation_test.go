package imaging

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// directScore is TM_CCOEFF_NORMED summed over planes, window by window.
func directScore(img, tmpl Planes) float64 {
	iw, ih := img.Size()
	tw, th := tmpl.Size()
	n := float64(tw * th)

	var tNorm2 float64
	centered := make([][]float64, len(tmpl))
	for c, t := range tmpl {
		t = rebase(t)
		var sum float64
		for y := 0; y < th; y++ {
			for x := 0; x < tw; x++ {
				sum += float64(t.Pix[y*t.Stride+x])
			}
		}
		mean := sum / n
		centered[c] = make([]float64, tw*th)
		for y := 0; y < th; y++ {
			for x := 0; x < tw; x++ {
				d := float64(t.Pix[y*t.Stride+x]) - mean
				centered[c][y*tw+x] = d
				tNorm2 += d * d
			}
		}
	}

	best := math.Inf(-1)
	for y := 0; y+th <= ih; y++ {
		for x := 0; x+tw <= iw; x++ {
			var num, s2, mean2 float64
			for c, p := range img {
				p = rebase(p)
				var sum float64
				for ty := 0; ty < th; ty++ {
					for tx := 0; tx < tw; tx++ {
						v := float64(p.Pix[(y+ty)*p.Stride+x+tx])
						num += v * centered[c][ty*tw+tx]
						sum += v
						s2 += v * v
					}
				}
				mean2 += sum * sum / n
			}
			score := coefficient(num, math.Sqrt(math.Max(s2-mean2, 0)*tNorm2))
			if score > best {
				best = score
			}
		}
	}
	return best
}

func noise(rng *rand.Rand, w, h int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = uint8(rng.Intn(256))
	}
	return g
}

func TestCorrelationScorer_MatchesDirectSum(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		name   string
		iw, ih int
		tw, th int
	}{
		{"smooth sizes", 32, 24, 6, 5},
		{"odd sizes", 37, 29, 7, 11},
		{"template fills width", 19, 23, 19, 4},
		{"single window", 9, 7, 9, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := noise(rng, tt.iw, tt.ih)
			tmpl := noise(rng, tt.tw, tt.th)
			got, err := NewCorrelationScorer().Score(img, tmpl)
			if err != nil {
				t.Fatal(err)
			}
			want := directScore(Planes{img}, Planes{tmpl})
			if math.Abs(got-want) > 1e-6 {
				t.Errorf("Score = %v, direct sum = %v", got, want)
			}
		})
	}
}

func TestCorrelationScorer_SubImageView(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	frame := noise(rng, 50, 40)
	view := frame.SubImage(image.Rect(7, 9, 41, 33)).(*image.Gray)
	tmpl := frame.SubImage(image.Rect(20, 15, 30, 24)).(*image.Gray)

	got, err := NewCorrelationScorer().Score(view, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-1) > 1e-7 {
		t.Errorf("Expected the template to be found inside the view, got %v", got)
	}
	if want := directScore(Planes{view}, Planes{tmpl}); math.Abs(got-want) > 1e-6 {
		t.Errorf("Score = %v, direct sum = %v", got, want)
	}
}

func TestCorrelationScorer_CachesSpectraPerFrameSize(t *testing.T) {
	s := NewCorrelationScorer()
	tmpl := gradient(6, 6)
	for _, size := range []int{20, 20, 30} {
		if _, err := s.Score(gradient(size, size), tmpl); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.spectra) != 2 {
		t.Errorf("Expected 2 cached spectra, got %d", len(s.spectra))
	}
}

func TestCorrelationScorer_ConcurrentUse(t *testing.T) {
	s := NewCorrelationScorer()
	img := gradient(40, 30)
	tmpl := img.SubImage(image.Rect(8, 5, 24, 17)).(*image.Gray)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			score, err := s.Score(img, tmpl)
			if err == nil && math.Abs(score-1) > 1e-7 {
				err = errors.New("self-match did not score 1")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestCorrelationScorer_HDFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping HD frame timing in short mode")
	}
	rng := rand.New(rand.NewSource(3))
	frame := noise(rng, 1280, 720)
	tmpl := frame.SubImage(image.Rect(600, 300, 728, 372)).(*image.Gray)

	s := NewCorrelationScorer()
	start := time.Now()
	for i := 0; i < 3; i++ {
		score, err := s.Score(frame, tmpl)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(score-1) > 1e-6 {
			t.Fatalf("Expected self-match score 1, got %v", score)
		}
	}
	if elapsed := time.Since(start); elapsed > 6*time.Second {
		t.Errorf("3 HD frames took %v", elapsed)
	}
}

func TestFFTSize(t *testing.T) {
	tests := map[int]int{0: 1, 1: 1, 7: 8, 11: 12, 720: 720, 1280: 1280, 1081: 1125, 97: 100}
	for n, want := range tests {
		if got := fftSize(n); got != want {
			t.Errorf("fftSize(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestFixupColor_SharedRange(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 12, 12))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 100, 0, 255
	}
	planes := FixupColor(img)
	if len(planes) != 3 {
		t.Fatalf("Expected 3 planes, got %d", len(planes))
	}
	// Flat channels: red is the global max, blue the global min, green in between.
	want := []uint8{255, 100, 0}
	for c, p := range planes {
		for _, v := range p.Pix {
			if v != want[c] {
				t.Fatalf("plane %d: pixel %d, want %d", c, v, want[c])
			}
		}
	}
}

func TestFixupPlanes_Grayscale(t *testing.T) {
	planes := FixupPlanes(gradient(10, 8), true)
	if len(planes) != 1 {
		t.Fatalf("Expected a single plane, got %d", len(planes))
	}
	if w, h := planes.Size(); w != 10 || h != 8 {
		t.Errorf("Expected 10x8, got %dx%d", w, h)
	}
}

func TestScorePlanes_Colour(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	img := Planes{noise(rng, 30, 20), noise(rng, 30, 20), noise(rng, 30, 20)}
	crop := img.SubImage(image.Rect(11, 4, 19, 13))

	s := NewCorrelationScorer()
	got, err := s.ScorePlanes(img, crop)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-1) > 1e-7 {
		t.Errorf("Expected colour self-match 1, got %v", got)
	}

	other := Planes{noise(rng, 5, 5), noise(rng, 5, 5), noise(rng, 5, 5)}
	got, err = s.ScorePlanes(img, other)
	if err != nil {
		t.Fatal(err)
	}
	if want := directScore(img, other); math.Abs(got-want) > 1e-6 {
		t.Errorf("ScorePlanes = %v, direct sum = %v", got, want)
	}

	if _, err := s.ScorePlanes(img, Planes{crop[0]}); err == nil {
		t.Error("Expected an error for mismatched plane counts")
	}
}

// lumaScorer only understands single planes.
type lumaScorer struct{}

func (lumaScorer) Score(img, tmpl *image.Gray) (float64, error) { return 0.5, nil }

func TestAsPlanesScorer(t *testing.T) {
	if _, ok := AsPlanesScorer(NewCorrelationScorer()).(*CorrelationScorer); !ok {
		t.Error("A planes scorer must be returned as is")
	}
	ps := AsPlanesScorer(lumaScorer{})
	g := gradient(4, 4)
	if score, err := ps.ScorePlanes(Planes{g}, Planes{g}); err != nil || score != 0.5 {
		t.Errorf("single plane: score %v, err %v", score, err)
	}
	if _, err := ps.ScorePlanes(Planes{g, g, g}, Planes{g, g, g}); !errors.Is(err, ErrPlaneMismatch) {
		t.Errorf("Expected ErrPlaneMismatch, got %v", err)
	}
}

func TestLoadPlanes(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 40), B: 90, A: 255})
		}
	}
	writePNG(t, filepath.Join(dir, "still.png"), img)

	colourImages, err := LoadPlanes([]string{dir}, false)
	if err != nil {
		t.Fatal(err)
	}
	grayImages, err := LoadPlanes([]string{filepath.Join(dir, "still.png")}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(colourImages) != 1 || len(colourImages[0].Planes) != 3 {
		t.Fatalf("Expected one 3-plane image, got %v", colourImages)
	}
	if len(grayImages) != 1 || len(grayImages[0].Planes) != 1 {
		t.Fatalf("Expected one 1-plane image, got %v", grayImages)
	}
}
