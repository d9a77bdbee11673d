package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB   bool
	resetData bool
	resetYes  bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset local state (run history, data directory)",
	Long:  "Clears stored state. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetData {
			resetDB = true
			resetData = true
		}
		return runReset(cmd.Context(), bufio.NewReader(os.Stdin))
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the run history tables")
	resetCmd.Flags().BoolVar(&resetData, "data", false, "Delete the data directory")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func runReset(ctx context.Context, reader *bufio.Reader) error {
	if resetDB {
		if confirm(reader, "⚠️  Are you sure you want to DROP all run history tables?") {
			if err := openHistory(ctx, true); err != nil {
				return showError("Run history unavailable", err)
			}
			fmt.Println("🗑️  Clearing Database...")
			if err := DB.Reset(ctx); err != nil {
				return showError("Failed to reset database", err)
			}
		}
	}

	if resetData {
		dir := Cfg.Paths.DataDir
		if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", dir)) {
			// A SQLite history lives in the data directory; release it first.
			if DB != nil {
				DB.Close(context.Background())
				DB = nil
			}
			fmt.Printf("🗑️  Clearing %s...\n", dir)
			removeDir(dir)
		}
	}

	fmt.Println("✨ Reset Complete.")
	return nil
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" || path == "/" {
		fmt.Fprintf(os.Stderr, "⚠️  Refusing to remove %q\n", path)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
