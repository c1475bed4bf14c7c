package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"s3versions2csv/internal/checkpoint"
	"s3versions2csv/internal/dedup"
	"s3versions2csv/internal/export"
	"s3versions2csv/internal/progress"
	"s3versions2csv/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run executes the export until the listing reaches truncated=false, the
// context is cancelled, or a fatal error occurs. Every exit path closes the
// pipeline and joins the writer so buffered rows are never lost.
func (e *Exporter) Run(ctx context.Context) error {
	e.logger.Info("Starting export",
		zap.String("phase", string(PhaseInit)),
		zap.String("bucket", e.cfg.Job.Bucket),
		zap.String("prefix", e.cfg.Job.Prefix),
		zap.String("output", e.cfg.Job.Output),
		zap.Bool("resume", e.cfg.Job.Resume),
		zap.Bool("compact", e.cfg.Job.Compact),
	)

	if e.cfg.MetricsAddr != "" {
		go func() {
			if err := e.metrics.StartServer(e.cfg.MetricsAddr); err != nil {
				e.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	if err := e.resolveResume(); err != nil {
		// Nothing has run yet; no checkpoint or drain required.
		return err
	}

	if !e.appendMode && !e.cfg.Job.SkipVersioningCheck {
		e.checkVersioning(ctx)
	}

	rows := make(chan export.Row, e.cfg.Export.QueueSize)
	writer := export.NewWriter(export.WriterConfig{
		Path:               e.cfg.Job.Output,
		Append:             e.appendMode,
		Compact:            e.cfg.Job.Compact,
		WriteHeader:        e.cfg.Job.Headers,
		FlushThreshold:     e.cfg.Export.FlushThreshold,
		MicroBatchInterval: time.Duration(e.cfg.Export.MicroBatchMs) * time.Millisecond,
		PollInterval:       time.Duration(e.cfg.Export.PollMs) * time.Millisecond,
	}, e.logger, e.metrics.AddRowsWritten)

	reporter := progress.NewReporter(e.metrics.Tracker(), e.logger,
		time.Duration(e.cfg.Export.ProgressIntervalS)*time.Second)
	reporter.Start()
	defer reporter.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return writer.Run(rows)
	})

	listErr := e.runListing(gctx, rows)

	e.logger.Info("Draining writer", zap.String("phase", string(PhaseDraining)))
	close(rows)
	writerErr := g.Wait()

	switch {
	case listErr == nil && writerErr == nil:
		if e.checkpointing {
			if err := e.store.Cleanup(); err != nil {
				e.logger.Warn("Could not clean up checkpoint", zap.Error(err))
			}
		}
		e.summary(PhaseDone)
		return nil

	case writerErr != nil:
		// A writer failure cancels the group context and makes the listing
		// report context.Canceled too; the writer's error is the cause.
		e.saveCheckpoint()
		e.summary(PhaseFailed)
		return fmt.Errorf("output writer failed: %w", writerErr)

	case errors.Is(listErr, context.Canceled) && ctx.Err() != nil:
		// Interruption from outside: the one path that invites a resume.
		e.saveCheckpoint()
		e.summary(PhaseFailed)
		e.logger.Info("Interrupted, run again with the same parameters to resume")
		return fmt.Errorf("export interrupted: %w", listErr)

	default:
		e.saveCheckpoint()
		e.summary(PhaseFailed)
		return listErr
	}
}

// resolveResume decides fresh vs. append mode and restores cursor, counters
// and the dedup set from a prior checkpoint.
func (e *Exporter) resolveResume() error {
	e.sessionStart = time.Now()
	e.originalStart = e.sessionStart
	e.checkpointing = e.cfg.Job.Resume

	if !e.cfg.Job.Resume {
		return nil
	}

	if _, err := os.Stat(e.cfg.Job.Output); os.IsNotExist(err) {
		// Fresh output; a leftover state file belongs to a deleted run.
		if e.store.Exists() {
			if err := e.store.Cleanup(); err != nil {
				e.logger.Warn("Could not remove stale checkpoint", zap.Error(err))
			} else {
				e.logger.Info("Cleaned up stale checkpoint")
			}
		}
		return nil
	}

	state, err := e.store.Load(e.cfg.Job.Bucket, e.cfg.Job.Prefix)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			reason = "no checkpoint exists for this output file"
		}
		return e.resolveConflict(reason)
	}

	e.appendMode = true
	e.cursor = storage.Cursor{
		KeyMarker:       state.NextKeyMarker,
		VersionIDMarker: state.NextVersionIDMarker,
	}
	e.batchNum = state.BatchNum
	e.totalItems = state.TotalItems
	if !state.OriginalStartTime.IsZero() {
		e.originalStart = state.OriginalStartTime
	}
	e.priorRuntime = time.Duration(state.CumulativeRuntime * float64(time.Second))
	e.metrics.Tracker().SetPriorRuntime(e.priorRuntime)

	for _, id := range state.ProcessedKeys {
		e.dedup.Mark(id)
	}
	seeded, err := e.dedup.SeedFromCSV(e.cfg.Job.Output)
	if err != nil {
		return fmt.Errorf("failed to scan existing output for resume: %w", err)
	}

	e.logger.Info("Resuming from checkpoint",
		zap.Time("saved_at", state.Timestamp),
		zap.Int("batch", state.BatchNum),
		zap.Int64("previous_items", state.TotalItems),
		zap.Int("existing_rows", seeded),
		zap.String("next_key", state.NextKeyMarker),
	)
	return nil
}

// resolveConflict surfaces a rejected resume over an existing output file to
// the injected policy.
func (e *Exporter) resolveConflict(reason string) error {
	e.logger.Warn("Cannot resume", zap.String("reason", reason))

	decision, err := e.resolve(reason)
	if err != nil {
		return fmt.Errorf("resume conflict: %w", err)
	}
	if decision == DecisionAbort {
		return ErrAborted
	}

	e.logger.Info("Overwriting existing output file")
	e.appendMode = false
	return nil
}

// checkVersioning logs a warning when the bucket does not version objects;
// the export still runs, every object then carries a null version id.
func (e *Exporter) checkVersioning(ctx context.Context) {
	status, err := e.lister.BucketVersioning(ctx)
	if err != nil {
		e.logger.Warn("Could not check bucket versioning status", zap.Error(err))
		return
	}
	switch status {
	case "Enabled":
		e.logger.Info("Bucket versioning is enabled")
	case "Suspended":
		e.logger.Warn("Bucket versioning is suspended, new objects will have a null version id")
	default:
		e.logger.Warn("Bucket versioning is disabled, all objects will have a null version id")
	}
}

// runListing is the Listing/Retrying/Checkpointing loop. It owns the cursor
// and the dedup set; only immutable rows leave it through the pipeline.
func (e *Exporter) runListing(ctx context.Context, rows chan<- export.Row) error {
	refreshAttempts := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		page, err := e.lister.FetchPage(ctx, e.cursor)
		if err != nil {
			if ctx.Err() != nil {
				// Interrupted mid-fetch; discard the in-flight result.
				return ctx.Err()
			}

			e.metrics.IncError()
			class := storage.Classify(err)
			msg := storage.Sanitize(err, e.cfg.Job.Bucket)
			e.logger.Error("Fetch failed",
				zap.String("phase", string(PhaseRetrying)),
				zap.Int("batch", e.batchNum+1),
				zap.String("class", class.String()),
				zap.String("error", msg),
			)
			e.saveCheckpoint()

			if class != storage.ClassTransient {
				return fmt.Errorf("batch %d: %s", e.batchNum+1, msg)
			}
			if refreshAttempts >= e.cfg.Export.RefreshAttempts {
				return fmt.Errorf("batch %d: credentials still expired after %d refresh attempts: %s",
					e.batchNum+1, refreshAttempts, msg)
			}

			refreshAttempts++
			backoff := time.Duration(e.cfg.Export.RefreshBackoffMs) * time.Millisecond << (refreshAttempts - 1)
			e.logger.Warn("Attempting credential refresh",
				zap.Int("attempt", refreshAttempts),
				zap.Int("max_attempts", e.cfg.Export.RefreshAttempts),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if rerr := e.creds.Refresh(ctx); rerr != nil {
				e.logger.Warn("Credential refresh failed", zap.Error(rerr))
			} else {
				e.logger.Info("Credentials refreshed, retrying batch", zap.Int("batch", e.batchNum+1))
			}
			// Retry the same page with the same cursor and batch number.
			continue
		}

		e.metrics.ObservePageDuration(time.Since(start))
		refreshAttempts = 0
		e.batchNum++

		accepted := 0
		duplicates := 0
		var bytes int64
		for _, rec := range page.Records {
			row := export.NewRow(e.cfg.Job.Bucket, rec, e.cfg.Job.EncodeKeys)
			id := dedup.Identity(row.KeyName, row.VersionID)
			if e.dedup.Seen(id) {
				duplicates++
				continue
			}
			e.dedup.Mark(id)

			select {
			case rows <- row: // blocking push is the backpressure mechanism
			case <-ctx.Done():
				return ctx.Err()
			}
			accepted++
			bytes += rec.Size
		}

		e.totalItems += int64(accepted)
		e.metrics.AddPage(accepted, bytes)
		e.metrics.AddDuplicates(duplicates)

		if !page.Truncated {
			e.logger.Info("Listing complete",
				zap.String("phase", string(PhaseListing)),
				zap.Int("batches", e.batchNum),
				zap.Int64("total_items", e.totalItems),
			)
			return nil
		}
		e.cursor = page.NextCursor

		if e.batchNum%e.cfg.Export.CheckpointInterval == 0 {
			e.saveCheckpoint()
		}
		if e.batchNum%e.cfg.Export.TrimInterval == 0 {
			if evicted := e.dedup.Trim(); evicted > 0 {
				e.logger.Info("Trimmed dedup set",
					zap.Int("evicted", evicted),
					zap.Int("remaining", e.dedup.Len()),
				)
			}
		}
	}
}

// saveCheckpoint persists the last committed cursor. Checkpoint IO failures
// are logged and swallowed; losing a checkpoint only costs re-listing.
func (e *Exporter) saveCheckpoint() {
	if !e.checkpointing {
		return
	}

	state := &checkpoint.State{
		Bucket:              e.cfg.Job.Bucket,
		Prefix:              e.cfg.Job.Prefix,
		NextKeyMarker:       e.cursor.KeyMarker,
		NextVersionIDMarker: e.cursor.VersionIDMarker,
		BatchNum:            e.batchNum,
		TotalItems:          e.totalItems,
		OriginalStartTime:   e.originalStart,
		CumulativeRuntime:   (e.priorRuntime + time.Since(e.sessionStart)).Seconds(),
		ProcessedKeys:       e.dedup.Snapshot(),
	}

	if err := e.store.Save(state); err != nil {
		e.logger.Warn("Could not save checkpoint",
			zap.String("phase", string(PhaseCheckpointing)),
			zap.Error(err),
		)
		return
	}
	e.logger.Debug("Checkpoint saved",
		zap.String("phase", string(PhaseCheckpointing)),
		zap.String("path", e.store.Path()),
		zap.Int("batch", e.batchNum),
	)
}

// summary logs the human-readable end-of-run report.
func (e *Exporter) summary(phase Phase) {
	status := e.metrics.Tracker().Status()
	fields := []zap.Field{
		zap.String("phase", string(phase)),
		zap.String("bucket", e.cfg.Job.Bucket),
		zap.Int64("total_items", e.totalItems),
		zap.Int64("rows_written", status.RowsWritten),
		zap.Int64("duplicates_skipped", status.Duplicates),
		zap.String("listed", progress.FormatBytes(status.BytesListed)),
		zap.String("output", e.cfg.Job.Output),
		zap.String("elapsed", progress.FormatDuration(e.metrics.Tracker().Elapsed())),
	}
	if e.cfg.Job.Prefix != "" {
		fields = append(fields, zap.String("prefix", e.cfg.Job.Prefix))
	}
	if phase == PhaseFailed && e.checkpointing && e.store.Exists() {
		fields = append(fields, zap.String("checkpoint", e.store.Path()))
	}
	e.logger.Info("Export summary", fields...)
}
