package progress

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Reporter periodically logs progress counters while the job runs.
type Reporter struct {
	tracker  *Tracker
	logger   *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReporter creates a reporter logging every interval.
func NewReporter(tracker *Tracker, logger *zap.Logger, interval time.Duration) *Reporter {
	return &Reporter{
		tracker:  tracker,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the reporting loop.
func (r *Reporter) Start() {
	go r.loop()
}

// Stop ends the loop and waits for it to exit.
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reporter) report() {
	status := r.tracker.Status()
	r.logger.Info("Progress",
		zap.Int64("items", status.ItemsListed),
		zap.Int64("rows_written", status.RowsWritten),
		zap.Int64("duplicates", status.Duplicates),
		zap.Int64("batches", status.Batches),
		zap.String("listed", FormatBytes(status.BytesListed)),
		zap.String("rate", FormatRate(status.CurrentRate)),
		zap.String("elapsed", FormatDuration(r.tracker.Elapsed())),
	)
}

// FormatRate formats an items-per-second rate.
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.0f items/s", rate)
}
