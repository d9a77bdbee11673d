package imaging

import (
	"image"
	"image/draw"
	"sync"
)

// rowBufferPool recycles the intermediate buffer of the separable blur.
var rowBufferPool = sync.Pool{
	New: func() interface{} { return make([]uint16, 0, 1024*1024) },
}

// gaussKernel5 is the 5-tap binomial kernel, the Gaussian used for a 5x5
// window when no sigma is given. Taps sum to 16.
var gaussKernel5 = [5]uint16{1, 4, 6, 4, 1}

// Fixup converts img to grayscale, applies a 5x5 Gaussian blur and stretches
// the result so its darkest pixel is 0 and its brightest is 255. A flat image
// becomes all zeros. The returned image always starts at the origin.
func Fixup(img image.Image) *image.Gray {
	gray := ToGray(img)
	blurred := Blur5(gray)
	Normalize(blurred)
	return blurred
}

// ToGray returns img as an origin-based *image.Gray, converting if needed.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return rebase(g)
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// reflect101 maps an out-of-range index onto [0, n) by mirroring around the
// edge pixel without repeating it (gfedcb|abcdefgh|gfedcba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// Blur5 applies the separable 5x5 Gaussian to src and returns a new image.
func Blur5(src *image.Gray) *image.Gray {
	src = rebase(src)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst
	}

	tmp := rowBufferPool.Get().([]uint16)
	if cap(tmp) < w*h {
		tmp = make([]uint16, w*h)
	}
	tmp = tmp[:w*h]
	defer rowBufferPool.Put(tmp[:0])

	// Horizontal pass, scaled by 16.
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w]
		for x := 0; x < w; x++ {
			var sum uint16
			for k := -2; k <= 2; k++ {
				sum += gaussKernel5[k+2] * uint16(row[reflect101(x+k, w)])
			}
			tmp[y*w+x] = sum
		}
	}

	// Vertical pass, total scale 256.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum uint32
			for k := -2; k <= 2; k++ {
				sum += uint32(gaussKernel5[k+2]) * uint32(tmp[reflect101(y+k, h)*w+x])
			}
			dst.Pix[y*dst.Stride+x] = uint8((sum + 128) >> 8)
		}
	}
	return dst
}

// Normalize stretches the given images in place to the full [0, 255] range.
// Several images share one range, as the channels of a colour image do.
func Normalize(images ...*image.Gray) {
	lo, hi := uint8(255), uint8(0)
	seen := false
	for _, g := range images {
		b := g.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := g.Pix[g.PixOffset(b.Min.X, y) : g.PixOffset(b.Min.X, y)+b.Dx()]
			for _, v := range row {
				seen = true
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
		}
	}
	if !seen {
		return
	}

	var scale float64
	if hi > lo {
		scale = 255.0 / float64(hi-lo)
	}
	for _, g := range images {
		b := g.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := g.Pix[g.PixOffset(b.Min.X, y) : g.PixOffset(b.Min.X, y)+b.Dx()]
			for i, v := range row {
				row[i] = uint8(float64(v-lo)*scale + 0.5)
			}
		}
	}
}
