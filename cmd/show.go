package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/scrubber/internal/store"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the settings and segments of a stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runShow(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(ctx context.Context, id string) error {
	if err := openHistory(ctx, true); err != nil {
		return showError("Run history unavailable", err)
	}

	run, err := DB.GetRun(ctx, id)
	if err != nil {
		return showError(fmt.Sprintf("Failed to load run %q", id), err)
	}
	segs, err := DB.GetSegments(ctx, run.ID, "")
	if err != nil {
		return showError("Failed to load segments", err)
	}

	fmt.Print(describeRun(run))

	var remove, keep []store.Segment
	for _, s := range segs {
		if s.Kind == store.KindRemove {
			remove = append(remove, s)
		} else {
			keep = append(keep, s)
		}
	}
	if len(segs) == 0 {
		fmt.Println("No segments recorded.")
		return nil
	}
	rows := segmentRows(store.KindRemove, fromStoreSegments(remove))
	rows = append(rows, segmentRows(store.KindKeep, fromStoreSegments(keep))...)
	fmt.Println(renderTable(segmentHeaders, rows, segmentAligns))
	return nil
}

func describeRun(r store.Run) string {
	negative := "off"
	if r.NegativeThreshold != nil {
		negative = fmt.Sprintf("%.2f", *r.NegativeThreshold)
	}
	finished := "-"
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.Local().Format("2006-01-02 15:04:05")
	}

	s := fmt.Sprintf("Run:        %s\n", r.ID)
	s += fmt.Sprintf("Status:     %s\n", r.Status)
	s += fmt.Sprintf("Input:      %s\n", r.InputPath)
	s += fmt.Sprintf("Output:     %s\n", r.OutputPath)
	s += fmt.Sprintf("Thresholds: positive %.2f, negative %s\n", r.PositiveThreshold, negative)
	s += fmt.Sprintf("Padding:    %.2fs\n", r.Padding)
	s += fmt.Sprintf("Matched:    %d of %d frames\n", r.Matched, r.Frames)
	s += fmt.Sprintf("Created:    %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	s += fmt.Sprintf("Finished:   %s\n", finished)
	if r.Error != "" {
		s += fmt.Sprintf("Error:      %s\n", r.Error)
	}
	return s
}
