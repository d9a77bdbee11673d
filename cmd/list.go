package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/andresmejia3/scrubber/internal/store"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent scrub runs from the history database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context(), listLimit)
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 20, "Maximum number of runs to show (0 for the default)")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, limit int) error {
	if err := openHistory(ctx, true); err != nil {
		return showError("Run history unavailable", err)
	}
	runs, err := DB.ListRuns(ctx, limit)
	if err != nil {
		return showError("Failed to list runs", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs found in database.")
		return nil
	}

	fmt.Println(renderTable(
		[]string{"ID", "CREATED", "STATUS", "INPUT", "MATCHED", "OUTPUT"},
		runRows(runs),
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func runRows(runs []store.Run) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			shortID(r.ID),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Status,
			filepath.Base(r.InputPath),
			fmt.Sprintf("%d/%d", r.Matched, r.Frames),
			r.OutputPath,
		})
	}
	return rows
}

// shortID is the id prefix shown in listings; show and splice accept it.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
