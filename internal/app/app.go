package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"s3versions2csv/internal/checkpoint"
	"s3versions2csv/internal/config"
	"s3versions2csv/internal/creds"
	"s3versions2csv/internal/dedup"
	"s3versions2csv/internal/metrics"
	"s3versions2csv/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Phase names the orchestrator state, carried in logs.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseListing       Phase = "listing"
	PhaseRetrying      Phase = "retrying"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseDraining      Phase = "draining"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

// Decision is the outcome of the resume-conflict policy.
type Decision int

const (
	DecisionAbort Decision = iota
	DecisionOverwrite
)

// ConflictResolver decides what to do when resume state is rejected but an
// output file already exists. There is no silent default: interactive
// callers prompt, automated callers pre-set a policy.
type ConflictResolver func(reason string) (Decision, error)

// ErrAborted reports that the conflict policy chose not to overwrite.
var ErrAborted = errors.New("operation cancelled")

// Exporter drives the fetch, dedupe, enqueue and checkpoint loop.
type Exporter struct {
	cfg     *config.Config
	logger  *zap.Logger
	lister  storage.Lister
	creds   creds.Refresher
	store   checkpoint.Store
	metrics *metrics.Collector
	resolve ConflictResolver
	dedup   *dedup.Set

	// Run state below is owned exclusively by the orchestrator goroutine.
	cursor        storage.Cursor
	batchNum      int
	totalItems    int64
	appendMode    bool
	checkpointing bool
	sessionStart  time.Time
	originalStart time.Time
	priorRuntime  time.Duration
}

// New wires the production collaborators: STS-verified credentials, the S3
// lister and the file checkpoint store.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, resolve ConflictResolver) (*Exporter, error) {
	manager, err := creds.NewManager(ctx, cfg.AWS.Profile, cfg.AWS.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credentials: %w", err)
	}
	logger.Info("Credentials verified")

	lister := storage.NewS3Lister(manager.Config(), storage.Config{
		Bucket: cfg.Job.Bucket,
		Prefix: cfg.Job.Prefix,
	})

	store, err := checkpoint.NewFileStore(cfg.Job.Bucket, cfg.Job.Prefix, cfg.Job.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	return NewWithDeps(cfg, logger, lister, manager, store, resolve), nil
}

// NewWithDeps wires an exporter from explicit collaborators.
func NewWithDeps(
	cfg *config.Config,
	logger *zap.Logger,
	lister storage.Lister,
	refresher creds.Refresher,
	store checkpoint.Store,
	resolve ConflictResolver,
) *Exporter {
	return &Exporter{
		cfg:     cfg,
		logger:  logger.With(zap.String("run_id", uuid.NewString())),
		lister:  lister,
		creds:   refresher,
		store:   store,
		metrics: metrics.New(),
		resolve: resolve,
		dedup:   dedup.NewSet(),
	}
}

// Metrics returns the run's collector.
func (e *Exporter) Metrics() *metrics.Collector {
	return e.metrics
}
