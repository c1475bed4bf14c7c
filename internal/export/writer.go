package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Writer defaults; the flush threshold and cadence bound both memory and the
// window of unflushed rows lost on a crash.
const (
	DefaultFlushThreshold     = 4000
	DefaultMicroBatchInterval = 2 * time.Second
	DefaultPollInterval       = 500 * time.Millisecond
)

// WriterConfig contains batch writer configuration.
type WriterConfig struct {
	Path        string
	Append      bool // resume: open for append, never rewrite the header
	Compact     bool // three-column manifest layout, header always suppressed
	WriteHeader bool // fresh mode only

	FlushThreshold     int
	MicroBatchInterval time.Duration
	PollInterval       time.Duration
}

// Writer drains the row pipeline into locally sorted, flushed appends.
// Each flushed buffer is sorted by key_name on its own; the file as a whole
// is not globally ordered.
type Writer struct {
	cfg     WriterConfig
	logger  *zap.Logger
	onFlush func(rows int)
}

// NewWriter creates a batch writer. onFlush, if non-nil, is called with the
// row count of every durable flush.
func NewWriter(cfg WriterConfig, logger *zap.Logger, onFlush func(rows int)) *Writer {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.MicroBatchInterval <= 0 {
		cfg.MicroBatchInterval = DefaultMicroBatchInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Writer{cfg: cfg, logger: logger, onFlush: onFlush}
}

// Run consumes rows until the channel is closed, then drains the remaining
// buffer and returns. A write or flush failure is returned immediately and
// is fatal for the job; the writer never retries a failed flush.
func (w *Writer) Run(rows <-chan Row) error {
	if dir := filepath.Dir(w.cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if w.cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(w.cfg.Path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)

	if !w.cfg.Append && !w.cfg.Compact && w.cfg.WriteHeader {
		if err := cw.Write(Header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	buf := make([]Row, 0, w.cfg.FlushThreshold)
	var bufStart time.Time

	for {
		select {
		case row, ok := <-rows:
			if !ok {
				// End of stream: flush the partial buffer and finish.
				if len(buf) > 0 {
					if err := w.flush(cw, f, buf); err != nil {
						return err
					}
				}
				if err := f.Close(); err != nil {
					return fmt.Errorf("close output file: %w", err)
				}
				return nil
			}
			if len(buf) == 0 {
				bufStart = time.Now()
			}
			buf = append(buf, row)

		case <-time.After(w.cfg.PollInterval):
			// Bounded wait so slow input still gets flushed on cadence.
		}

		if len(buf) >= w.cfg.FlushThreshold ||
			(len(buf) > 0 && time.Since(bufStart) >= w.cfg.MicroBatchInterval) {
			if err := w.flush(cw, f, buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
}

// flush sorts this buffer only, appends it and pushes it to durable storage.
func (w *Writer) flush(cw *csv.Writer, f *os.File, buf []Row) error {
	sort.SliceStable(buf, func(i, j int) bool {
		return buf[i].KeyName < buf[j].KeyName
	})

	for _, row := range buf {
		if err := cw.Write(row.Fields(w.cfg.Compact)); err != nil {
			return fmt.Errorf("write output row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}

	if w.onFlush != nil {
		w.onFlush(len(buf))
	}
	w.logger.Debug("Flushed batch", zap.Int("rows", len(buf)))
	return nil
}
