package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"s3versions2csv/internal/app"
	"s3versions2csv/internal/config"
	"s3versions2csv/internal/logger"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "s3versions2csv",
	Short: "Export every object version in an S3 bucket to CSV",
	Long: `A resumable streaming exporter that lists all object versions
(including delete markers) from an S3 bucket and writes them to a CSV file,
with checkpointing so an interrupted export can continue where it left off.`,
	SilenceUsage: true,
	RunE:         runExport,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Job flags
	rootCmd.Flags().String("bucket", "", "S3 bucket name (required)")
	rootCmd.Flags().String("prefix", "", "Object key prefix filter")
	rootCmd.Flags().StringP("output", "o", "s3_object_versions.csv", "Output CSV file path")
	rootCmd.Flags().Bool("compact-manifest", false, "Write a 3-column manifest instead of the full inventory")
	rootCmd.Flags().Bool("no-url-encoding", false, "Write object keys verbatim instead of URL-encoded")
	rootCmd.Flags().Bool("no-csv-headers", false, "Omit the CSV header row")
	rootCmd.Flags().Bool("no-resume", false, "Disable checkpointing and always start fresh")
	rootCmd.Flags().Bool("skip-versioning-check", false, "Skip the bucket versioning preflight check")
	rootCmd.Flags().String("on-conflict", config.ConflictPrompt, "What to do when the output file exists but cannot be resumed (prompt/overwrite/abort)")

	// AWS flags
	rootCmd.Flags().String("profile", "", "AWS shared config profile")
	rootCmd.Flags().String("region", "", "AWS region")

	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
	rootCmd.Flags().String("metrics-addr", "", "Prometheus metrics listen address (disabled when empty)")

	rootCmd.MarkFlagRequired("bucket")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	exporter, err := app.New(ctx, cfg, log, conflictResolver(cfg.Job.OnConflict))
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	if err := exporter.Run(ctx); err != nil {
		if errors.Is(err, app.ErrAborted) {
			log.Info("Export cancelled")
			return err
		}
		return err
	}
	return nil
}

// conflictResolver maps the on-conflict setting to a decision policy.
// Only "prompt" touches the terminal.
func conflictResolver(policy string) app.ConflictResolver {
	switch policy {
	case config.ConflictOverwrite:
		return func(string) (app.Decision, error) { return app.DecisionOverwrite, nil }
	case config.ConflictAbort:
		return func(string) (app.Decision, error) { return app.DecisionAbort, nil }
	default:
		return promptOverwrite
	}
}

func promptOverwrite(reason string) (app.Decision, error) {
	fmt.Fprintf(os.Stderr, "Output file exists but cannot be resumed: %s\n", reason)
	fmt.Fprint(os.Stderr, "Overwrite it and start a fresh export? [y/N]: ")

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return app.DecisionAbort, fmt.Errorf("failed to read answer: %w", err)
	}
	if strings.EqualFold(strings.TrimSpace(answer), "y") {
		return app.DecisionOverwrite, nil
	}
	return app.DecisionAbort, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
