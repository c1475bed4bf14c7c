package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Conflict policies for rejected resume state over an existing output file.
const (
	ConflictPrompt    = "prompt"
	ConflictOverwrite = "overwrite"
	ConflictAbort     = "abort"
)

// Config represents the application configuration
type Config struct {
	Job         Job    `yaml:"job"`
	AWS         AWS    `yaml:"aws"`
	Export      Export `yaml:"export"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Job represents one export job, immutable for the run's lifetime.
type Job struct {
	Bucket              string `yaml:"bucket"`
	Prefix              string `yaml:"prefix"`
	Output              string `yaml:"output"`
	Compact             bool   `yaml:"compact_manifest"`
	EncodeKeys          bool   `yaml:"encode_keys"`
	Headers             bool   `yaml:"csv_headers"`
	Resume              bool   `yaml:"resume"`
	SkipVersioningCheck bool   `yaml:"skip_versioning_check"`
	OnConflict          string `yaml:"on_conflict"`
}

// AWS represents credential chain selection.
type AWS struct {
	Profile string `yaml:"profile"`
	Region  string `yaml:"region"`
}

// Export represents pipeline and retry tuning.
type Export struct {
	QueueSize          int `yaml:"queue_size"`
	FlushThreshold     int `yaml:"flush_threshold"`
	MicroBatchMs       int `yaml:"micro_batch_ms"`
	PollMs             int `yaml:"poll_ms"`
	CheckpointInterval int `yaml:"checkpoint_interval"` // batches between checkpoint saves
	TrimInterval       int `yaml:"trim_interval"`       // batches between dedup trim passes
	RefreshAttempts    int `yaml:"refresh_attempts"`
	RefreshBackoffMs   int `yaml:"refresh_backoff_ms"`
	ProgressIntervalS  int `yaml:"progress_interval_s"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Job: Job{
			Output:     "s3_object_versions.csv",
			EncodeKeys: true,
			Headers:    true,
			Resume:     true,
			OnConflict: ConflictPrompt,
		},
		Export: Export{
			QueueSize:          10000,
			FlushThreshold:     4000,
			MicroBatchMs:       2000,
			PollMs:             500,
			CheckpointInterval: 20,
			TrimInterval:       100,
			RefreshAttempts:    3,
			RefreshBackoffMs:   2000,
			ProgressIntervalS:  10,
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("bucket") {
		cfg.Job.Bucket, _ = flags.GetString("bucket")
	}
	if flags.Changed("prefix") {
		cfg.Job.Prefix, _ = flags.GetString("prefix")
	}
	if flags.Changed("output") {
		cfg.Job.Output, _ = flags.GetString("output")
	}
	if flags.Changed("compact-manifest") {
		cfg.Job.Compact, _ = flags.GetBool("compact-manifest")
	}
	if flags.Changed("no-url-encoding") {
		noEncode, _ := flags.GetBool("no-url-encoding")
		cfg.Job.EncodeKeys = !noEncode
	}
	if flags.Changed("no-csv-headers") {
		noHeaders, _ := flags.GetBool("no-csv-headers")
		cfg.Job.Headers = !noHeaders
	}
	if flags.Changed("no-resume") {
		noResume, _ := flags.GetBool("no-resume")
		cfg.Job.Resume = !noResume
	}
	if flags.Changed("skip-versioning-check") {
		cfg.Job.SkipVersioningCheck, _ = flags.GetBool("skip-versioning-check")
	}
	if flags.Changed("on-conflict") {
		cfg.Job.OnConflict, _ = flags.GetString("on-conflict")
	}

	if flags.Changed("profile") {
		cfg.AWS.Profile, _ = flags.GetString("profile")
	}
	if flags.Changed("region") {
		cfg.AWS.Region, _ = flags.GetString("region")
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	return nil
}

var bucketNameRe = regexp.MustCompile(`^[a-z0-9.-]{3,63}$`)

func (c *Config) validate() error {
	if c.Job.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if !validBucketName(c.Job.Bucket) {
		return fmt.Errorf("invalid bucket name format: %q", c.Job.Bucket)
	}

	if c.Job.Output == "" {
		return fmt.Errorf("output path is required")
	}
	if info, err := os.Stat(c.Job.Output); err == nil && info.IsDir() {
		return fmt.Errorf("output path %q is a directory", c.Job.Output)
	}

	switch c.Job.OnConflict {
	case ConflictPrompt, ConflictOverwrite, ConflictAbort:
	default:
		return fmt.Errorf("on_conflict must be %s, %s or %s",
			ConflictPrompt, ConflictOverwrite, ConflictAbort)
	}

	if c.Export.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Export.FlushThreshold <= 0 {
		return fmt.Errorf("flush threshold must be positive")
	}
	if c.Export.MicroBatchMs <= 0 {
		return fmt.Errorf("micro batch interval must be positive")
	}
	if c.Export.PollMs <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Export.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.Export.TrimInterval <= 0 {
		return fmt.Errorf("trim interval must be positive")
	}
	if c.Export.RefreshAttempts <= 0 {
		return fmt.Errorf("refresh attempts must be positive")
	}
	if c.Export.ProgressIntervalS <= 0 {
		return fmt.Errorf("progress interval must be positive")
	}

	return nil
}

func validBucketName(name string) bool {
	if !bucketNameRe.MatchString(name) {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return !strings.Contains(name, "..")
}
