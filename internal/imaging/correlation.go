package imaging

import (
	"fmt"
	"image"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// CorrelationScorer computes the normalized correlation coefficient
// (TM_CCOEFF_NORMED) in pure Go. The cross term of every window comes from a
// single FFT cross-correlation and the window statistics from integral
// images, so a frame costs O(N log N) regardless of the template size.
//
// Template spectra are cached per padded frame size; reuse one scorer for a
// whole run. A CorrelationScorer is safe for concurrent use.
type CorrelationScorer struct {
	mu      sync.Mutex
	spectra map[spectrumKey]*spectrum
}

// NewCorrelationScorer returns an empty scorer.
func NewCorrelationScorer() *CorrelationScorer {
	return &CorrelationScorer{}
}

type spectrumKey struct {
	plane *image.Gray
	w, h  int
}

// spectrum is the conjugated transform of a zero-mean template plane,
// zero-padded to the frame's transform size.
type spectrum struct {
	coeffs []complex128
	norm2  float64
}

// Score implements Scorer.
func (s *CorrelationScorer) Score(img, tmpl *image.Gray) (float64, error) {
	return s.ScorePlanes(Planes{img}, Planes{tmpl})
}

// ScorePlanes implements PlanesScorer. Channels are summed the way OpenCV
// scores multi-channel images: one coefficient over all planes.
func (s *CorrelationScorer) ScorePlanes(img, tmpl Planes) (float64, error) {
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

	// No padding past the frame is needed: a window that fits never wraps.
	w, h := fftSize(iw), fftSize(ih)
	plan := newFFT2(w, h)

	acc := make([]complex128, w*h)
	buf := make([]complex128, w*h)
	var tNorm2 float64
	sums := make([][]float64, len(img))
	sqsums := make([][]float64, len(img))
	for c := range img {
		spec := s.spectrum(tmpl[c], w, h, plan)
		tNorm2 += spec.norm2

		plane := rebase(img[c])
		clear(buf)
		for y := 0; y < ih; y++ {
			row := plane.Pix[y*plane.Stride : y*plane.Stride+iw]
			for x, v := range row {
				buf[y*w+x] = complex(float64(v), 0)
			}
		}
		plan.forward(buf)
		for i, v := range buf {
			acc[i] += v * spec.coeffs[i]
		}
		sums[c], sqsums[c] = integrals(plane)
	}
	plan.inverse(acc)
	tNorm := math.Sqrt(tNorm2)

	// The inverse transform is unnormalized.
	scale := 1 / float64(w*h)
	n := float64(tw * th)
	stride := iw + 1
	best := math.Inf(-1)
	for y := 0; y+th <= ih; y++ {
		for x := 0; x+tw <= iw; x++ {
			a, b := y*stride+x, y*stride+x+tw
			cc, d := (y+th)*stride+x, (y+th)*stride+x+tw
			var s2, mean2 float64
			for c := range sums {
				sum := sums[c][d] - sums[c][b] - sums[c][cc] + sums[c][a]
				s2 += sqsums[c][d] - sqsums[c][b] - sqsums[c][cc] + sqsums[c][a]
				mean2 += sum * sum / n
			}
			variance := s2 - mean2
			// Rounding leaves flat windows with a tiny positive variance.
			if variance <= math.Min(0.5, 10*epsilon32*s2) {
				variance = 0
			}
			num := real(acc[y*w+x]) * scale
			score := coefficient(num, math.Sqrt(variance)*tNorm)
			if score > best {
				best = score
			}
		}
	}
	return best, nil
}

// epsilon32 is FLT_EPSILON, the rounding bound OpenCV uses for the same check.
const epsilon32 = 1.1920929e-07

func (s *CorrelationScorer) spectrum(plane *image.Gray, w, h int, plan *fft2) *spectrum {
	key := spectrumKey{plane: plane, w: w, h: h}
	s.mu.Lock()
	spec, ok := s.spectra[key]
	s.mu.Unlock()
	if ok {
		return spec
	}

	t := rebase(plane)
	tw, th := t.Rect.Dx(), t.Rect.Dy()
	var sum float64
	for y := 0; y < th; y++ {
		for _, v := range t.Pix[y*t.Stride : y*t.Stride+tw] {
			sum += float64(v)
		}
	}
	mean := sum / float64(tw*th)

	spec = &spectrum{coeffs: make([]complex128, w*h)}
	for y := 0; y < th; y++ {
		for x, v := range t.Pix[y*t.Stride : y*t.Stride+tw] {
			d := float64(v) - mean
			spec.coeffs[y*w+x] = complex(d, 0)
			spec.norm2 += d * d
		}
	}
	plan.forward(spec.coeffs)
	for i, v := range spec.coeffs {
		spec.coeffs[i] = complex(real(v), -imag(v))
	}

	s.mu.Lock()
	if s.spectra == nil {
		s.spectra = make(map[spectrumKey]*spectrum)
	}
	s.spectra[key] = spec
	s.mu.Unlock()
	return spec
}

// fft2 is a row-column 2D transform over a w x h row-major buffer. It is not
// safe for concurrent use.
type fft2 struct {
	w, h int
	rows *fourier.CmplxFFT
	cols *fourier.CmplxFFT
	col  []complex128
}

func newFFT2(w, h int) *fft2 {
	return &fft2{w: w, h: h, rows: fourier.NewCmplxFFT(w), cols: fourier.NewCmplxFFT(h), col: make([]complex128, h)}
}

func (p *fft2) forward(data []complex128) { p.transform(data, false) }
func (p *fft2) inverse(data []complex128) { p.transform(data, true) }

func (p *fft2) transform(data []complex128, inverse bool) {
	for y := 0; y < p.h; y++ {
		row := data[y*p.w : (y+1)*p.w]
		if inverse {
			p.rows.Sequence(row, row)
		} else {
			p.rows.Coefficients(row, row)
		}
	}
	for x := 0; x < p.w; x++ {
		for y := 0; y < p.h; y++ {
			p.col[y] = data[y*p.w+x]
		}
		if inverse {
			p.cols.Sequence(p.col, p.col)
		} else {
			p.cols.Coefficients(p.col, p.col)
		}
		for y := 0; y < p.h; y++ {
			data[y*p.w+x] = p.col[y]
		}
	}
}

// fftSize returns the smallest n' >= n whose only prime factors are 2, 3
// and 5, the lengths the FFT handles fastest.
func fftSize(n int) int {
	for m := max(n, 1); ; m++ {
		r := m
		for _, f := range []int{2, 3, 5} {
			for r%f == 0 {
				r /= f
			}
		}
		if r == 1 {
			return m
		}
	}
}

// coefficient divides num by denom, saturating small overshoots caused by
// rounding to +-1 and mapping degenerate windows to 0.
func coefficient(num, denom float64) float64 {
	switch abs := math.Abs(num); {
	case abs < denom:
		return num / denom
	case abs < denom*1.125:
		if num > 0 {
			return 1
		}
		return -1
	default:
		return 0
	}
}

// integrals returns the (w+1)x(h+1) summed-area tables of g and of g squared.
func integrals(g *image.Gray) ([]float64, []float64) {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	stride := w + 1
	sum := make([]float64, stride*(h+1))
	sqsum := make([]float64, stride*(h+1))
	for y := 0; y < h; y++ {
		var rowSum, rowSq float64
		for x := 0; x < w; x++ {
			v := float64(g.Pix[y*g.Stride+x])
			rowSum += v
			rowSq += v * v
			sum[(y+1)*stride+x+1] = sum[y*stride+x+1] + rowSum
			sqsum[(y+1)*stride+x+1] = sqsum[y*stride+x+1] + rowSq
		}
	}
	return sum, sqsum
}
