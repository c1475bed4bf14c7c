package checkpoint

import (
	"errors"
	"fmt"
	"time"
)

// Load rejection bounds.
const (
	// MaxAge is how old a checkpoint may be before resume is refused.
	MaxAge = 24 * time.Hour
	// MtimeTolerance is the allowed drift between the recorded output file
	// mtime and the current one; anything larger means the output was
	// touched outside this tool.
	MtimeTolerance = 10 * time.Second
)

// State is the persisted progress snapshot. JSON field names match the
// original checkpoint layout so state files survive tool upgrades.
type State struct {
	Bucket              string    `json:"bucket_name"`
	Prefix              string    `json:"prefix"`
	NextKeyMarker       string    `json:"next_key_marker"`
	NextVersionIDMarker string    `json:"next_version_marker"`
	BatchNum            int       `json:"batch_num"`
	TotalItems          int64     `json:"total_items"`
	Timestamp           time.Time `json:"timestamp"`
	OriginalStartTime   time.Time `json:"original_start_time"`
	CumulativeRuntime   float64   `json:"cumulative_runtime"` // seconds
	OutputMtime         float64   `json:"csv_mtime"`          // unix seconds, 0 when unknown
	ProcessedKeys       []string  `json:"processed_keys"`
}

// ErrNoCheckpoint reports that no state file exists for the job parameters.
var ErrNoCheckpoint = errors.New("checkpoint: no state file")

// RejectReason identifies why a checkpoint was refused for resume.
type RejectReason string

const (
	RejectBucketMismatch RejectReason = "bucket mismatch"
	RejectPrefixMismatch RejectReason = "prefix mismatch"
	RejectStale          RejectReason = "checkpoint is more than 24 hours old"
	RejectOutputModified RejectReason = "output file was modified externally since last checkpoint"
	RejectCorrupt        RejectReason = "corrupted checkpoint file"
)

// RejectionError is returned by Load when a state file exists but cannot be
// resumed from. Each reason is reported distinctly so the conflict policy
// can surface it.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("cannot resume: %s (%s)", e.Reason, e.Detail)
	}
	return fmt.Sprintf("cannot resume: %s", e.Reason)
}

// Store defines the interface for checkpoint persistence.
type Store interface {
	// Save persists a complete snapshot; failures are non-fatal for the job.
	Save(state *State) error

	// Load returns the saved state, ErrNoCheckpoint when absent, or a
	// *RejectionError when present but unusable.
	Load(bucket, prefix string) (*State, error)

	// Cleanup removes the state file. Missing files are not an error.
	Cleanup() error

	// Path returns the state file location.
	Path() string

	// Exists reports whether a state file is present.
	Exists() bool
}
