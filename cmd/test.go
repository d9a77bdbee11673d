package cmd

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/scrubber/internal/imaging"
	"github.com/andresmejia3/scrubber/internal/match"
	"github.com/spf13/cobra"
)

var testOpts Options

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Score still images against the templates to tune thresholds",
	Example: `  scrubber test -i shot.png -t logo.png
  scrubber test -i stills/ -t logos/ -n false-positives/ -m 0.8 -b 0,0,320,180
  scrubber test -i shot.png -t logo.png --color`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		th := match.Thresholds{}
		if cmd.Flags().Changed("positive-threshold") {
			th.Positive = match.Float(testOpts.PositiveThreshold)
		}
		if cmd.Flags().Changed("negative-threshold") {
			th.Negative = match.Float(testOpts.NegativeThreshold)
		}
		return runTest(cmd.Context(), testOpts, th)
	},
}

func init() {
	testCmd.Flags().StringArrayVarP(&testOpts.Inputs, "input", "i", nil, "Still image or directory of images to score (repeatable)")
	testCmd.Flags().StringArrayVarP(&testOpts.Positives, "template", "t", nil, "Positive template image or directory (repeatable)")
	testCmd.Flags().StringArrayVarP(&testOpts.Negatives, "negative", "n", nil, "Negative template image or directory (repeatable)")
	testCmd.Flags().Float64VarP(&testOpts.PositiveThreshold, "positive-threshold", "m", 0.7, "Also report a verdict at this positive threshold")
	testCmd.Flags().Float64VarP(&testOpts.NegativeThreshold, "negative-threshold", "x", 0.7, "Negative threshold used for the verdict")
	testCmd.Flags().StringVarP(&testOpts.ROI, "roi", "b", "", "Only match inside this region: x,y,width,height")
	testCmd.Flags().BoolVar(&testOpts.Color, "color", false, "Match on the R, G and B channels instead of grayscale")

	testCmd.MarkFlagRequired("input")
	testCmd.MarkFlagRequired("template")
	rootCmd.AddCommand(testCmd)
}

// imageScore is the score of one template against one image.
type imageScore struct {
	Image    string
	Template string
	Kind     string
	Score    float64
	Err      error
}

func runTest(ctx context.Context, opts Options, th match.Thresholds) error {
	if th.Positive != nil {
		if err := validateThreshold("positive-threshold", *th.Positive); err != nil {
			return showError("Invalid arguments", err)
		}
	}
	if th.Negative != nil {
		if err := validateThreshold("negative-threshold", *th.Negative); err != nil {
			return showError("Invalid arguments", err)
		}
	}

	var roi *image.Rectangle
	if opts.ROI != "" {
		r, err := imaging.ParseRect(opts.ROI)
		if err != nil {
			return showError("Invalid region of interest", err)
		}
		roi = &r
	}

	grayscale := !opts.Color
	images, err := imaging.LoadPlanes(opts.Inputs, grayscale)
	if err != nil {
		return showError("Failed to load images", err)
	}
	if len(images) == 0 {
		return showError("Nothing to score", fmt.Errorf("no usable images found in %s", strings.Join(opts.Inputs, ", ")))
	}
	positives, err := imaging.LoadPlanes(opts.Positives, grayscale)
	if err != nil {
		return showError("Failed to load positive templates", err)
	}
	if len(positives) == 0 {
		return showError("Nothing to match against", fmt.Errorf("%w in %s", ErrNoTemplates, strings.Join(opts.Positives, ", ")))
	}
	negatives, err := imaging.LoadPlanes(opts.Negatives, grayscale)
	if err != nil {
		return showError("Failed to load negative templates", err)
	}

	mode := "grayscale"
	if opts.Color {
		mode = "colour"
	}
	fmt.Fprintf(os.Stderr, "🔍 Scoring %d images against %d positive and %d negative templates (%s backend, %s)\n",
		len(images), len(positives), len(negatives), imaging.Backend, mode)

	scorer := imaging.AsPlanesScorer(imaging.NewScorer())
	scores := scoreTemplates(ctx, images, positives, negatives, roi, scorer)
	rows := make([][]string, 0, len(scores))
	for _, s := range scores {
		score := fmt.Sprintf("%.4f", s.Score)
		if s.Err != nil {
			score = "error: " + s.Err.Error()
		}
		rows = append(rows, []string{filepath.Base(s.Image), filepath.Base(s.Template), s.Kind, score})
	}
	fmt.Println(renderTable(
		[]string{"IMAGE", "TEMPLATE", "KIND", "SCORE"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	))

	if th.Positive == nil {
		return ctx.Err()
	}

	verdicts := make([][]string, 0, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := match.EvaluatePlanes(i+1, img.Planes, roi, planesOf(positives), planesOf(negatives), th, scorer)
		if err != nil {
			return showError("Failed to evaluate "+img.Name, err)
		}
		verdicts = append(verdicts, []string{
			filepath.Base(img.Name),
			fmt.Sprintf("%t", v.Matched),
			fmt.Sprintf("%.4f", v.Positive),
			fmt.Sprintf("%.4f", v.Negative),
		})
	}
	fmt.Println(renderTable(
		[]string{"IMAGE", "MATCHED", "POSITIVE", "NEGATIVE"},
		verdicts,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
	))
	return nil
}

func planesOf(images []imaging.PlanesImage) []imaging.Planes {
	out := make([]imaging.Planes, len(images))
	for i, img := range images {
		out[i] = img.Planes
	}
	return out
}

// scoreTemplates scores every template against every image. A failing pair
// is reported in its row and does not stop the others.
func scoreTemplates(ctx context.Context, images, positives, negatives []imaging.PlanesImage, roi *image.Rectangle, scorer imaging.PlanesScorer) []imageScore {
	var out []imageScore
	for _, img := range images {
		if ctx.Err() != nil {
			return out
		}
		search := img.Planes
		if roi != nil {
			if err := match.CheckROI(*roi, search.Bounds()); err != nil {
				out = append(out, imageScore{Image: img.Name, Template: "-", Kind: "-", Err: err})
				continue
			}
			search = search.SubImage(*roi)
		}
		for _, set := range []struct {
			kind      string
			templates []imaging.PlanesImage
		}{{"positive", positives}, {"negative", negatives}} {
			for _, t := range set.templates {
				score, err := scorer.ScorePlanes(search, t.Planes)
				out = append(out, imageScore{Image: img.Name, Template: t.Name, Kind: set.kind, Score: score, Err: err})
			}
		}
	}
	return out
}
