package imaging

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// gradient builds a w x h image with a diagonal ramp plus a bright square,
// so that every window has some variance.
func gradient(w, h int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*13) % 200)})
		}
	}
	for y := h / 4; y < h/2; y++ {
		for x := w / 4; x < w/2; x++ {
			g.SetGray(x, y, color.Gray{Y: 250})
		}
	}
	return g
}

func TestReflect101(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{-1, 5, 1},
		{-2, 5, 2},
		{5, 5, 3},
		{6, 5, 2},
		{2, 5, 2},
		{-3, 1, 0},
	}
	for _, tt := range tests {
		if got := reflect101(tt.i, tt.n); got != tt.want {
			t.Errorf("reflect101(%d, %d) = %d, want %d", tt.i, tt.n, got, tt.want)
		}
	}
}

func TestFixup_StretchesRange(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 40, 30))
	for y := 10; y < 30; y++ {
		for x := 10; x < 40; x++ {
			v := uint8(50 + x)
			src.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	out := Fixup(src)
	if out.Bounds() != image.Rect(0, 0, 30, 20) {
		t.Fatalf("Expected origin-based bounds, got %v", out.Bounds())
	}
	lo, hi := uint8(255), uint8(0)
	for _, v := range out.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo != 0 || hi != 255 {
		t.Errorf("Expected range [0,255], got [%d,%d]", lo, hi)
	}
}

func TestFixup_FlatImage(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range src.Pix {
		src.Pix[i] = 77
	}
	out := Fixup(src)
	for i, v := range out.Pix {
		if v != 0 {
			t.Fatalf("Expected flat image to normalize to 0, pixel %d = %d", i, v)
		}
	}
}

func TestBlur5_PreservesConstant(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 6, 3))
	for i := range src.Pix {
		src.Pix[i] = 120
	}
	out := Blur5(src)
	for i, v := range out.Pix {
		if v != 120 {
			t.Fatalf("pixel %d = %d, want 120", i, v)
		}
	}
}

func TestCorrelationScorer_SelfMatch(t *testing.T) {
	img := gradient(40, 30)
	tmpl := img.SubImage(image.Rect(8, 5, 24, 17)).(*image.Gray)

	score, err := NewCorrelationScorer().Score(img, tmpl)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if math.Abs(score-1) > 1e-7 {
		t.Errorf("Expected self-match score 1, got %v", score)
	}
}

func TestCorrelationScorer_InvertedTemplate(t *testing.T) {
	img := gradient(20, 20)
	tmpl := image.NewGray(image.Rect(0, 0, 20, 20))
	for i, v := range img.Pix {
		tmpl.Pix[i] = 255 - v
	}
	score, err := NewCorrelationScorer().Score(img, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(score+1) > 1e-7 {
		t.Errorf("Expected inverted template to score -1, got %v", score)
	}
}

func TestCorrelationScorer_FlatWindowScoresZero(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	tmpl := gradient(4, 4)
	score, err := NewCorrelationScorer().Score(img, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	if score != 0 {
		t.Errorf("Expected 0 for a flat image, got %v", score)
	}
}

func TestCorrelationScorer_TemplateTooLarge(t *testing.T) {
	_, err := NewCorrelationScorer().Score(gradient(10, 10), gradient(11, 4))
	if !errors.Is(err, ErrTemplateTooLarge) {
		t.Errorf("Expected ErrTemplateTooLarge, got %v", err)
	}
}

func TestParseRect(t *testing.T) {
	tests := []struct {
		in      string
		want    image.Rectangle
		wantErr bool
	}{
		{"10,20,30,40", image.Rect(10, 20, 40, 60), false},
		{" 0, 0, 5, 5 ", image.Rect(0, 0, 5, 5), false},
		{"1,2,3", image.Rectangle{}, true},
		{"a,b,c,d", image.Rectangle{}, true},
		{"0,0,0,5", image.Rectangle{}, true},
		{"-1,0,5,5", image.Rectangle{}, true},
	}
	for _, tt := range tests {
		got, err := ParseRect(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRect(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRect(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestLoadTemplates_Directory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writePNG(t, filepath.Join(dir, "a.png"), gradient(8, 8))
	writePNG(t, filepath.Join(sub, "b.png"), gradient(6, 6))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	templates, err := LoadTemplates([]string{dir}, Fixup)
	if err != nil {
		t.Fatalf("LoadTemplates failed: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("Expected 2 templates, got %d", len(templates))
	}
	if templates[0].Name != filepath.Join(dir, "a.png") {
		t.Errorf("Expected lexical order, first is %s", templates[0].Name)
	}
	if got := templates[1].Pixels.Bounds().Dx(); got != 6 {
		t.Errorf("Expected nested template width 6, got %d", got)
	}
}

func TestLoadTemplates_ExplicitUnsupportedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.png")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadTemplates([]string{path}, Fixup)
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("Expected ErrUnsupportedImage, got %v", err)
	}
}

func TestLoadTemplates_Missing(t *testing.T) {
	if _, err := LoadTemplates([]string{"/nonexistent/template.png"}, Fixup); err == nil {
		t.Error("Expected error for missing template")
	}
}
