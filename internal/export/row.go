// Package export carries rows from the listing loop to the output file
// through a bounded pipeline drained by the batch writer.
package export

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"s3versions2csv/internal/storage"
)

// DefaultQueueSize is the row pipeline capacity. Sized for throughput: one
// pipeline holds a few provider pages so the fetch side keeps working while
// the writer is on disk.
const DefaultQueueSize = 10000

// Header is the full-mode column set. Compact mode writes the first three
// columns and never a header.
var Header = []string{
	"bucket_name", "key_name", "version_id", "is_latest",
	"delete_marker", "size", "last_modified", "storage_class", "e_tag",
}

// Row is one output record. Only immutable Row values cross the pipeline;
// ownership passes to the writer on send.
type Row struct {
	Bucket       string
	KeyName      string
	VersionID    string
	IsLatest     bool
	DeleteMarker bool
	Size         int64
	LastModified time.Time
	StorageClass string
	ETag         string
}

// NewRow projects a version record to its output shape. When encode is set
// the key is percent-encoded with the path separator preserved.
func NewRow(bucket string, rec storage.VersionRecord, encode bool) Row {
	key := rec.Key
	if encode {
		key = EncodeKey(key)
	}
	return Row{
		Bucket:       bucket,
		KeyName:      key,
		VersionID:    rec.VersionID,
		IsLatest:     rec.IsLatest,
		DeleteMarker: rec.IsDeleteMarker,
		Size:         rec.Size,
		LastModified: rec.LastModified,
		StorageClass: rec.StorageClass,
		ETag:         rec.ETag,
	}
}

// Fields renders the row for the CSV writer.
func (r Row) Fields(compact bool) []string {
	if compact {
		return []string{r.Bucket, r.KeyName, r.VersionID}
	}
	return []string{
		r.Bucket,
		r.KeyName,
		r.VersionID,
		strconv.FormatBool(r.IsLatest),
		strconv.FormatBool(r.DeleteMarker),
		strconv.FormatInt(r.Size, 10),
		r.LastModified.UTC().Format(time.RFC3339),
		r.StorageClass,
		r.ETag,
	}
}

// EncodeKey percent-encodes an object key, keeping the path separator and
// encoding spaces as '+'.
func EncodeKey(key string) string {
	return strings.ReplaceAll(url.QueryEscape(key), "%2F", "/")
}
