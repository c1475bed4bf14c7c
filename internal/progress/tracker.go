package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status is a snapshot of job progress. Totals are running counts; a
// version listing has no cheap way to know the final count up front.
type Status struct {
	ItemsListed int64 // records accepted from listing pages
	Duplicates  int64 // records suppressed by the dedup set
	RowsWritten int64 // rows durably flushed to the output file
	Pages       int64
	Batches     int64
	BytesListed int64 // sum of listed version sizes

	SessionStart time.Time
	PriorRuntime time.Duration // accumulated runtime of resumed sessions
	LastUpdate   time.Time

	CurrentRate float64 // items/second over the recent window
	AverageRate float64 // items/second over this session
}

// Tracker accumulates progress counters. It is the only state shared between
// the listing and writing goroutines and every method takes the lock.
type Tracker struct {
	mu         sync.RWMutex
	status     Status
	samples    []rateSample
	maxSamples int
}

type rateSample struct {
	timestamp time.Time
	items     int64
}

// NewTracker creates a tracker starting now.
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			SessionStart: now,
			LastUpdate:   now,
		},
		samples:    make([]rateSample, 0, 60),
		maxSamples: 60,
	}
}

// SetPriorRuntime records runtime carried over from resumed sessions.
func (t *Tracker) SetPriorRuntime(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.PriorRuntime = d
}

// AddPage records a fetched page and its accepted item and byte counts.
func (t *Tracker) AddPage(items int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Pages++
	t.status.Batches++
	t.status.ItemsListed += int64(items)
	t.status.BytesListed += bytes
	t.updateRate(int64(items))
}

// AddDuplicates records records suppressed by the dedup set.
func (t *Tracker) AddDuplicates(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Duplicates += int64(n)
}

// AddWritten records rows durably flushed by the batch writer.
func (t *Tracker) AddWritten(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.RowsWritten += int64(n)
}

// updateRate must be called with the lock held.
func (t *Tracker) updateRate(items int64) {
	now := time.Now()

	t.samples = append(t.samples, rateSample{timestamp: now, items: items})
	if len(t.samples) > t.maxSamples {
		t.samples = t.samples[1:]
	}

	// Current rate over the last 5 seconds of samples.
	cutoff := now.Add(-5 * time.Second)
	var recentItems int64
	var oldest time.Time
	for i := len(t.samples) - 1; i >= 0; i-- {
		if t.samples[i].timestamp.Before(cutoff) {
			break
		}
		recentItems += t.samples[i].items
		oldest = t.samples[i].timestamp
	}
	if !oldest.IsZero() {
		if window := now.Sub(oldest); window > 0 {
			t.status.CurrentRate = float64(recentItems) / window.Seconds()
		}
	}

	if elapsed := now.Sub(t.status.SessionStart); elapsed > 0 {
		t.status.AverageRate = float64(t.status.ItemsListed) / elapsed.Seconds()
	}
	t.status.LastUpdate = now
}

// Status returns the current snapshot.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Elapsed returns total runtime including resumed sessions.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status.PriorRuntime + time.Since(t.status.SessionStart)
}

// FormatBytes formats bytes in human readable form.
func FormatBytes(bytes int64) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	case bytes < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
	}
}

// FormatDuration formats a duration as h/m/s.
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
