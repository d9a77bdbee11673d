package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/scrubber/internal/config"
	"github.com/andresmejia3/scrubber/internal/logging"
	"github.com/andresmejia3/scrubber/internal/metrics"
	"github.com/andresmejia3/scrubber/internal/store"
	"github.com/andresmejia3/scrubber/internal/utils"
	"github.com/spf13/cobra"
)

// Options holds the shared settings of the scrub, test, and splice commands.
type Options struct {
	InputPath         string
	Inputs            []string
	OutputPath        string
	Positives         []string
	Negatives         []string
	PositiveThreshold float64
	NegativeThreshold float64
	Padding           float64
	ROI               string
	Color             bool
	Workers           int
	QueueDepth        int
	NoPin             bool
	FFmpegOpts        string
	DryRun            bool
	RunID             string
	Keep              string
}

var (
	// DB is the run history shared by subcommands. It is nil when history is
	// disabled or unavailable.
	DB store.History
	// Cfg is the resolved configuration.
	Cfg *config.Config
	// Log is the structured logger for diagnostics; user-facing status goes to stderr directly.
	Log = logging.NewNop()

	cfgPath     string
	dbURL       string
	logLevel    string
	logFormat   string
	metricsAddr string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "scrubber",
	Short:   "Cut unwanted scenes out of a video by template matching",
	Version: Version, // This enables the --version flag
	// Commands report their own failures; Execute prints the rest once.
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, used, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyGlobalFlags(cmd, cfg)
		Cfg = cfg

		logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		if err != nil {
			return err
		}
		Log = logger
		if used != "" {
			Log.Debug("configuration loaded", slog.String("path", used))
		}

		if cfg.Metrics.Listen != "" {
			metrics.StartServer(cmd.Context(), cfg.Metrics.Listen, Log.With("component", "metrics"))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// applyGlobalFlags lets explicitly set flags win over file and environment values.
func applyGlobalFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.History.DatabaseURL = dbURL
		cfg.History.Enabled = true
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Listen = metricsAddr
	}
}

// openHistory connects the run history. Commands that cannot work without it
// pass required; the others continue without persistence on failure.
func openHistory(ctx context.Context, required bool) error {
	if DB != nil {
		return nil
	}
	if !Cfg.History.Enabled {
		if required {
			return fmt.Errorf("run history is disabled (history.enabled = false)")
		}
		return nil
	}
	h, err := store.Open(ctx, Cfg.History.DatabaseURL, Cfg.Paths.DataDir)
	if err != nil {
		if required {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		fmt.Fprintf(os.Stderr, "⚠️  Run history unavailable, continuing without it: %v\n", err)
		return nil
	}
	DB = h
	return nil
}

// reportedError marks an error that was already printed with utils.ShowError.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// showError prints err in the error box and returns it marked as reported.
func showError(context string, err error) error {
	utils.ShowError(context, err, nil)
	return &reportedError{err: err}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var shown *reportedError
		if !errors.As(err, &shown) {
			utils.ShowError("Command failed", err, nil)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a TOML config file (default: ~/.config/scrubber/config.toml or ./scrubber.toml)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "History database: a postgres:// URL or a SQLite file path (default: <data_dir>/history.db)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console, json")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
}
