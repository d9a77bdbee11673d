package imaging

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/scrubber/internal/types"
)

// LoadImage decodes a single image file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, path)
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// LoadTemplates loads every image referenced by paths and runs fix on each.
// A path may be a file or a directory. Directories are walked recursively in
// lexical order and files that are not images are skipped; a file named
// explicitly must decode.
func LoadTemplates(paths []string, fix FixupFunc) ([]types.Template, error) {
	var out []types.Template
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
			out = append(out, types.Template{Name: f.path, Pixels: fix(img)})
		}
	}
	return out, nil
}

// imageFile is a candidate image. Files found by walking a directory are
// optional: they are skipped when no decoder understands them.
type imageFile struct {
	path     string
	optional bool
}

func imageFiles(path string) ([]imageFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	if !info.IsDir() {
		return []imageFile{{path: path}}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", path, err)
	}
	sort.Strings(files)

	out := make([]imageFile, len(files))
	for i, f := range files {
		out[i] = imageFile{path: f, optional: true}
	}
	return out, nil
}

// Pixels extracts the image of every template.
func Pixels(templates []types.Template) []*image.Gray {
	out := make([]*image.Gray, len(templates))
	for i, t := range templates {
		out[i] = t.Pixels
	}
	return out
}
