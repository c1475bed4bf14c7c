package storage

import (
	"context"
	"time"
)

// Lister defines the interface for paginated version listing against a
// single bucket
type Lister interface {
	// FetchPage issues one listing request starting at cursor and returns
	// the normalized page. No retries happen at this level.
	FetchPage(ctx context.Context, cursor Cursor) (*Page, error)

	// BucketVersioning returns the bucket versioning status
	// ("Enabled", "Suspended" or "" when never configured).
	BucketVersioning(ctx context.Context) (string, error)
}

// VersionRecord is one object version or delete marker. Identity within a
// job is (Key, VersionID).
type VersionRecord struct {
	Key            string
	VersionID      string
	IsLatest       bool
	IsDeleteMarker bool
	Size           int64
	LastModified   time.Time
	StorageClass   string
	ETag           string
}

// Cursor is the opaque pagination position. Only presence matters; the
// marker ordering is provider defined.
type Cursor struct {
	KeyMarker       string
	VersionIDMarker string
}

// IsZero reports whether the cursor is the start-of-listing position.
func (c Cursor) IsZero() bool {
	return c.KeyMarker == "" && c.VersionIDMarker == ""
}

// Page is one normalized listing response. Records merges version entries
// and delete-marker entries, at most the provider page size (1000).
type Page struct {
	Records    []VersionRecord
	NextCursor Cursor
	Truncated  bool
}

// Config contains lister configuration.
type Config struct {
	Bucket   string
	Prefix   string
	PageSize int32
}
