package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

// ErrPlaneMismatch is returned when a scorer cannot handle the number of
// channels it was given.
var ErrPlaneMismatch = errors.New("imaging: scorer does not support colour planes")

// Planes holds the channels of one image, all of the same size: a single
// plane for grayscale matching, R, G and B for colour matching.
type Planes []*image.Gray

// Size returns the width and height of the first plane.
func (p Planes) Size() (int, int) {
	if len(p) == 0 {
		return 0, 0
	}
	b := p[0].Bounds()
	return b.Dx(), b.Dy()
}

// Bounds returns the bounds of the first plane.
func (p Planes) Bounds() image.Rectangle {
	if len(p) == 0 {
		return image.Rectangle{}
	}
	return p[0].Bounds()
}

// SubImage crops every plane to r.
func (p Planes) SubImage(r image.Rectangle) Planes {
	out := make(Planes, len(p))
	for i, g := range p {
		out[i] = g.SubImage(r).(*image.Gray)
	}
	return out
}

// PlanesScorer scores images with any number of channels.
type PlanesScorer interface {
	ScorePlanes(img, tmpl Planes) (float64, error)
}

// AsPlanesScorer returns s itself when it scores planes, otherwise an adapter
// that accepts single-plane input only.
func AsPlanesScorer(s Scorer) PlanesScorer {
	if ps, ok := s.(PlanesScorer); ok {
		return ps
	}
	return grayOnly{s}
}

type grayOnly struct{ Scorer }

func (g grayOnly) ScorePlanes(img, tmpl Planes) (float64, error) {
	if len(img) != 1 || len(tmpl) != 1 {
		return 0, ErrPlaneMismatch
	}
	return g.Score(img[0], tmpl[0])
}

// FixupPlanes prepares img for matching. In grayscale mode it is DefaultFixup
// as a single plane; otherwise each colour channel is blurred and the three
// are stretched together to [0, 255].
func FixupPlanes(img image.Image, grayscale bool) Planes {
	if grayscale {
		return Planes{DefaultFixup(img)}
	}
	return FixupColor(img)
}

// FixupColor splits img into R, G and B planes, blurs each, and normalizes
// them with one shared range so relative channel levels survive.
func FixupColor(img image.Image) Planes {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	planes := make(Planes, 3)
	for c := range planes {
		g := image.NewGray(rgba.Bounds())
		for i := range g.Pix {
			g.Pix[i] = rgba.Pix[i*4+c]
		}
		planes[c] = Blur5(g)
	}
	Normalize(planes...)
	return planes
}

// LoadPlanes loads images like LoadTemplates and prepares each with
// FixupPlanes.
func LoadPlanes(paths []string, grayscale bool) ([]PlanesImage, error) {
	var out []PlanesImage
	for _, p := range paths {
		files, err := imageFiles(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			img, err := LoadImage(f.path)
			if err != nil {
				if f.optional && errors.Is(err, ErrUnsupportedImage) {
					continue
				}
				return nil, err
			}
			out = append(out, PlanesImage{Name: f.path, Planes: FixupPlanes(img, grayscale)})
		}
	}
	return out, nil
}

// PlanesImage is a named, prepared image.
type PlanesImage struct {
	Name   string
	Planes Planes
}

func (p PlanesImage) String() string {
	w, h := p.Planes.Size()
	return fmt.Sprintf("%s (%dx%d, %d planes)", p.Name, w, h, len(p.Planes))
}
