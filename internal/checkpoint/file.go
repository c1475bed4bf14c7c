package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore implements Store as a single JSON file beside the output file,
// restricted to owner-only access.
type FileStore struct {
	path   string
	output string
}

// NewFileStore derives the state file location from the job parameters so
// repeated invocations with identical parameters find the same state.
func NewFileStore(bucket, prefix, outputPath string) (*FileStore, error) {
	path, err := StatePath(bucket, prefix, outputPath)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: path, output: outputPath}, nil
}

// StatePath computes <outputDir>/<outputBase>_<bucket>_<hash>.json, where the
// hash is a short stable digest of (bucket, prefix, output).
func StatePath(bucket, prefix, outputPath string) (string, error) {
	abs, err := filepath.Abs(outputPath)
	if err != nil {
		return "", fmt.Errorf("resolve output path: %w", err)
	}

	sum := sha256.Sum256([]byte(bucket + ":" + prefix + ":" + outputPath))
	hash := fmt.Sprintf("%x", sum[:4])

	base := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	name := fmt.Sprintf("%s_%s_%s.json", base, bucket, hash)
	return filepath.Join(filepath.Dir(abs), name), nil
}

// Path returns the state file location.
func (s *FileStore) Path() string { return s.path }

// Exists reports whether a state file is present.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save writes a complete snapshot with owner-only permissions. The current
// output file mtime is recorded as the tamper fingerprint.
func (s *FileStore) Save(state *State) error {
	state.Timestamp = time.Now()
	state.OutputMtime = 0
	if info, err := os.Stat(s.output); err == nil {
		state.OutputMtime = unixSeconds(info.ModTime())
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	// WriteFile leaves pre-existing permissions alone; force them down.
	if err := os.Chmod(s.path, 0o600); err != nil {
		return fmt.Errorf("restrict checkpoint permissions: %w", err)
	}
	return nil
}

// Load validates the saved state against the current job parameters and the
// output file on disk.
func (s *FileStore) Load(bucket, prefix string) (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, &RejectionError{Reason: RejectCorrupt, Detail: err.Error()}
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &RejectionError{Reason: RejectCorrupt, Detail: err.Error()}
	}

	if state.Bucket != bucket {
		return nil, &RejectionError{
			Reason: RejectBucketMismatch,
			Detail: fmt.Sprintf("checkpoint: %s, current: %s", state.Bucket, bucket),
		}
	}
	if state.Prefix != prefix {
		return nil, &RejectionError{
			Reason: RejectPrefixMismatch,
			Detail: fmt.Sprintf("checkpoint: %q, current: %q", state.Prefix, prefix),
		}
	}
	if state.Timestamp.IsZero() {
		return nil, &RejectionError{Reason: RejectCorrupt, Detail: "missing timestamp"}
	}
	if time.Since(state.Timestamp) > MaxAge {
		return nil, &RejectionError{Reason: RejectStale}
	}

	if state.OutputMtime != 0 {
		if info, err := os.Stat(s.output); err == nil {
			drift := math.Abs(unixSeconds(info.ModTime()) - state.OutputMtime)
			if drift > MtimeTolerance.Seconds() {
				return nil, &RejectionError{
					Reason: RejectOutputModified,
					Detail: fmt.Sprintf("mtime drift %.1fs", drift),
				}
			}
		}
	}

	return &state, nil
}

// Cleanup removes the state file after successful completion.
func (s *FileStore) Cleanup() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
