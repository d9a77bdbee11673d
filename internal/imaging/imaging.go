// Package imaging holds the image primitives used by the matcher: the
// normalization applied to every frame and template, template loading, and
// the normalized cross-correlation scorer.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
)

var (
	// ErrTemplateTooLarge is returned when a template does not fit inside the searched image.
	ErrTemplateTooLarge = errors.New("imaging: template is larger than the searched image")
	// ErrUnsupportedImage is returned for files no registered decoder understands.
	ErrUnsupportedImage = errors.New("imaging: unsupported image format")
)

// Scorer compares a template against every placement inside an image and
// returns the best normalized correlation coefficient found, in [-1, 1].
type Scorer interface {
	Score(img, tmpl *image.Gray) (float64, error)
}

// FixupFunc normalizes a decoded image before matching.
type FixupFunc func(image.Image) *image.Gray

// ParseRect parses "x,y,width,height" into a rectangle.
func ParseRect(s string) (image.Rectangle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("bounds %q: expected x,y,width,height", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("bounds %q: %w", s, err)
		}
		v[i] = n
	}
	if v[0] < 0 || v[1] < 0 || v[2] <= 0 || v[3] <= 0 {
		return image.Rectangle{}, fmt.Errorf("bounds %q: origin must be >= 0 and size > 0", s)
	}
	return image.Rect(v[0], v[1], v[0]+v[2], v[1]+v[3]), nil
}

// rebase returns a view of g whose bounds start at the origin. The pixel
// buffer is shared, not copied.
func rebase(g *image.Gray) *image.Gray {
	b := g.Bounds()
	if b.Min == (image.Point{}) {
		return g
	}
	return &image.Gray{
		Pix:    g.Pix[g.PixOffset(b.Min.X, b.Min.Y):],
		Stride: g.Stride,
		Rect:   image.Rect(0, 0, b.Dx(), b.Dy()),
	}
}

// compact returns g as an origin-based image whose rows are contiguous,
// copying only when g is a view with a wider stride.
func compact(g *image.Gray) *image.Gray {
	g = rebase(g)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if g.Stride == w && len(g.Pix) == w*h {
		return g
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		copy(out.Pix[y*w:(y+1)*w], g.Pix[y*g.Stride:y*g.Stride+w])
	}
	return out
}
