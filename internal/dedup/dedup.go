// Package dedup bounds the memory of already-emitted record identities.
package dedup

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// Watermarks for the trim tradeoff: once the set crosses HighWatermark it is
// cut down to the LowWatermark most-recently-marked identities. Markers that
// replay far enough back after a restart may then re-emit very old keys; that
// imprecision is accepted in exchange for bounded memory.
const (
	HighWatermark = 200000
	LowWatermark  = 10000
)

// Set tracks (key, version) identities in insertion order. It has a single
// owner and is not safe for concurrent use.
type Set struct {
	members map[string]struct{}
	order   []string
	high    int
	low     int
}

// NewSet creates a set with the default watermarks.
func NewSet() *Set {
	return NewSetWithWatermarks(HighWatermark, LowWatermark)
}

// NewSetWithWatermarks creates a set with explicit trim bounds.
func NewSetWithWatermarks(high, low int) *Set {
	return &Set{
		members: make(map[string]struct{}),
		high:    high,
		low:     low,
	}
}

// Identity builds the composite identity for a key as written to the output
// and its version id.
func Identity(keyName, versionID string) string {
	return keyName + "-" + versionID
}

// Seen reports whether the identity was marked and not yet evicted.
func (s *Set) Seen(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Mark records the identity. Marking an already-present identity does not
// refresh its position.
func (s *Set) Mark(id string) {
	if _, ok := s.members[id]; ok {
		return
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
}

// Len returns the current membership count.
func (s *Set) Len() int {
	return len(s.members)
}

// Snapshot returns the identities in insertion order, for checkpoint
// persistence.
func (s *Set) Snapshot() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Trim cuts the set down to the low watermark of most-recently-marked
// identities. It is a no-op below the high watermark. Returns the number of
// evicted identities.
func (s *Set) Trim() int {
	if len(s.order) < s.high {
		return 0
	}
	evicted := len(s.order) - s.low
	keep := s.order[evicted:]

	s.members = make(map[string]struct{}, len(keep))
	s.order = make([]string, len(keep))
	copy(s.order, keep)
	for _, id := range s.order {
		s.members[id] = struct{}{}
	}
	return evicted
}

// SeedFromCSV marks every identity found in an existing output file so a
// resumed run does not re-emit rows. It understands both the headered full
// layout and the headerless compact layout, where key_name and version_id
// are the second and third columns either way. Returns the number of data
// rows scanned.
func (s *Set) SeedFromCSV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open existing output: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	count := 0
	first := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("scan existing output: %w", err)
		}
		if len(record) < 3 {
			continue
		}
		if first {
			first = false
			if record[1] == "key_name" && record[2] == "version_id" {
				continue // header row
			}
		}
		s.Mark(Identity(record[1], record[2]))
		count++
	}
}
