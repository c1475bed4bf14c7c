package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"s3versions2csv/internal/checkpoint"
	"s3versions2csv/internal/config"
	"s3versions2csv/internal/storage"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePager serves precomputed pages. The cursor key marker carries the next
// page index so a resumed run lands on the right page.
type fakePager struct {
	pages        []*storage.Page
	calls        int
	errAtCall    map[int]error
	alwaysErr    error
	cancelAtCall int
	cancel       context.CancelFunc
	versioning   string
	endless      bool // always another truncated page, records unique per call
}

func (f *fakePager) FetchPage(ctx context.Context, cursor storage.Cursor) (*storage.Page, error) {
	f.calls++
	if f.endless {
		return &storage.Page{
			Records: []storage.VersionRecord{{
				Key:          fmt.Sprintf("endless/object-%05d", f.calls),
				VersionID:    "v1",
				StorageClass: "STANDARD",
			}},
			Truncated:  true,
			NextCursor: storage.Cursor{KeyMarker: "0"},
		}, nil
	}
	if f.cancelAtCall != 0 && f.calls == f.cancelAtCall {
		f.cancel()
		return nil, ctx.Err()
	}
	if f.alwaysErr != nil {
		return nil, f.alwaysErr
	}
	if err, ok := f.errAtCall[f.calls]; ok {
		return nil, err
	}

	idx := 0
	if !cursor.IsZero() {
		var err error
		idx, err = strconv.Atoi(cursor.KeyMarker)
		if err != nil {
			return nil, fmt.Errorf("unexpected cursor %q", cursor.KeyMarker)
		}
	}
	return f.pages[idx], nil
}

func (f *fakePager) BucketVersioning(ctx context.Context) (string, error) {
	if f.versioning == "" {
		return "Enabled", nil
	}
	return f.versioning, nil
}

type fakeRefresher struct {
	refreshes  int
	refreshErr error
}

func (f *fakeRefresher) Verify(ctx context.Context) error { return nil }

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.refreshes++
	return f.refreshErr
}

// makePages splits `total` synthetic version records into provider pages.
func makePages(total, perPage int) []*storage.Page {
	var pages []*storage.Page
	for start := 0; start < total; start += perPage {
		end := start + perPage
		if end > total {
			end = total
		}
		page := &storage.Page{}
		for i := start; i < end; i++ {
			page.Records = append(page.Records, storage.VersionRecord{
				Key:          fmt.Sprintf("data/object-%05d", i),
				VersionID:    "v1",
				IsLatest:     true,
				Size:         64,
				LastModified: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
				StorageClass: "STANDARD",
				ETag:         "etag",
			})
		}
		if end < total {
			page.Truncated = true
			page.NextCursor = storage.Cursor{KeyMarker: strconv.Itoa(len(pages) + 1)}
		}
		pages = append(pages, page)
	}
	if len(pages) == 0 {
		pages = []*storage.Page{{}}
	}
	return pages
}

func testConfig(output string) *config.Config {
	return &config.Config{
		Job: config.Job{
			Bucket:              "my-bucket",
			Output:              output,
			EncodeKeys:          true,
			Headers:             true,
			Resume:              true,
			SkipVersioningCheck: true,
			OnConflict:          config.ConflictAbort,
		},
		Export: config.Export{
			QueueSize:          1000,
			FlushThreshold:     200,
			MicroBatchMs:       50,
			PollMs:             5,
			CheckpointInterval: 2,
			TrimInterval:       100,
			RefreshAttempts:    3,
			RefreshBackoffMs:   1,
			ProgressIntervalS:  3600,
		},
		LogLevel: "info",
	}
}

func newTestExporter(t *testing.T, cfg *config.Config, pager *fakePager, refresher *fakeRefresher, resolve ConflictResolver) *Exporter {
	t.Helper()
	store, err := checkpoint.NewFileStore(cfg.Job.Bucket, cfg.Job.Prefix, cfg.Job.Output)
	require.NoError(t, err)
	if resolve == nil {
		resolve = func(reason string) (Decision, error) {
			t.Fatalf("unexpected conflict: %s", reason)
			return DecisionAbort, nil
		}
	}
	return NewWithDeps(cfg, zap.NewNop(), pager, refresher, store, resolve)
}

// readCSV returns the data rows of the output file, failing on a missing or
// duplicated header.
func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	require.NoError(t, err)

	require.NotEmpty(t, records)
	require.Equal(t, "bucket_name", records[0][0], "first line must be the header")
	for _, rec := range records[1:] {
		require.NotEqual(t, "bucket_name", rec[0], "header must appear exactly once")
	}
	return records[1:]
}

func identities(rows [][]string) map[string]struct{} {
	ids := make(map[string]struct{}, len(rows))
	for _, rec := range rows {
		ids[rec[1]+"-"+rec[2]] = struct{}{}
	}
	return ids
}

func TestRunCompleteExport(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	cfg := testConfig(output)
	pager := &fakePager{pages: makePages(2500, 1000)}

	e := newTestExporter(t, cfg, pager, &fakeRefresher{}, nil)
	require.NoError(t, e.Run(context.Background()))

	rows := readCSV(t, output)
	assert.Len(t, rows, 2500)
	assert.Len(t, identities(rows), 2500, "every row distinct")

	// Checkpoints from mid-run are removed on success.
	assert.NoFileExists(t, checkpointPath(t, cfg))
	assert.Equal(t, 3, pager.calls)
}

func TestRunEmptyBucket(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	cfg := testConfig(output)
	pager := &fakePager{pages: makePages(0, 1000)}

	e := newTestExporter(t, cfg, pager, &fakeRefresher{}, nil)
	require.NoError(t, e.Run(context.Background()))

	rows := readCSV(t, output)
	assert.Empty(t, rows)
}

func TestRunSkipsDuplicateRecords(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	cfg := testConfig(output)

	rec := storage.VersionRecord{Key: "dup.txt", VersionID: "v1", StorageClass: "STANDARD"}
	other := storage.VersionRecord{Key: "other.txt", VersionID: "v1", StorageClass: "STANDARD"}
	pager := &fakePager{pages: []*storage.Page{
		{Records: []storage.VersionRecord{rec, rec, other}},
	}}

	e := newTestExporter(t, cfg, pager, &fakeRefresher{}, nil)
	require.NoError(t, e.Run(context.Background()))

	rows := readCSV(t, output)
	assert.Len(t, rows, 2)
	assert.Equal(t, int64(1), e.Metrics().Tracker().Status().Duplicates)
}

func TestRunTransientErrorRefreshesAndRetries(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	cfg := testConfig(output)

	pager := &fakePager{
		pages: makePages(250, 100),
		errAtCall: map[int]error{
			2: &smithy.GenericAPIError{Code: "ExpiredToken", Message: "expired"},
		},
	}
	refresher := &fakeRefresher{}

	e := newTestExporter(t, cfg, pager, refresher, nil)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, 1, refresher.refreshes)

	// The retried page is not double-emitted.
	rows := readCSV(t, output)
	assert.Len(t, rows, 250)
	assert.Len(t, identities(rows), 250)
}

func TestRunPermanentErrorFailsWithoutRefresh(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	cfg := testConfig(output)

	pager := &fakePager{
		pages:     makePages(100, 100),
		alwaysErr: &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "nope"},
	}
	refresher := &fakeRefresher{}

	e := newTestExporter(t, cfg, pager, refresher, nil)
	err := e.Run(context.Background())
	require.Error(t, err)

	assert.Contains(t, err.Error(), "does not exist")
	assert.NotContains(t, err.Error(), "nope", "provider detail stays out of the operator message")
	assert.Equal(t, 0, refresher.refreshes)
}

func TestRunRefreshExhaustion(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	cfg := testConfig(output)

	pager := &fakePager{
		pages:     makePages(100, 100),
		alwaysErr: &smithy.GenericAPIError{Code: "ExpiredToken", Message: "expired"},
	}
	refresher := &fakeRefresher{}

	e := newTestExporter(t, cfg, pager, refresher, nil)
	err := e.Run(context.Background())
	require.Error(t, err)

	assert.Contains(t, err.Error(), "refresh attempts")
	assert.Equal(t, 3, refresher.refreshes)
}

func TestRunInterruptAndResume(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	cfg := testConfig(output)

	// First run: cancelled while fetching the fourth page.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pager := &fakePager{
		pages:        makePages(500, 100),
		cancelAtCall: 4,
		cancel:       cancel,
	}

	first := newTestExporter(t, cfg, pager, &fakeRefresher{}, nil)
	err := first.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Interruption leaves a resumable checkpoint behind.
	require.FileExists(t, checkpointPath(t, cfg))
	partial := readCSV(t, output)
	require.Len(t, partial, 300)

	// Second run with identical parameters picks up where it left off.
	resume := &fakePager{pages: makePages(500, 100)}
	second := newTestExporter(t, cfg, resume, &fakeRefresher{}, nil)
	require.NoError(t, second.Run(context.Background()))

	rows := readCSV(t, output)
	assert.Len(t, rows, 500, "no row lost, no row duplicated")
	assert.Len(t, identities(rows), 500)

	// Only the remaining pages are fetched.
	assert.Equal(t, 2, resume.calls)
	assert.NoFileExists(t, checkpointPath(t, cfg))
}

func TestRunWriterFailureIsFatal(t *testing.T) {
	// An output path that is a directory makes the writer fail at open
	// while the listing is still producing pages.
	output := t.TempDir()
	cfg := testConfig(output)
	cfg.Job.Resume = false
	pager := &fakePager{endless: true}

	e := newTestExporter(t, cfg, pager, &fakeRefresher{}, nil)
	err := e.Run(context.Background())
	require.Error(t, err)

	// The writer's failure is the reported cause, not an interruption.
	assert.Contains(t, err.Error(), "output writer failed")
	assert.Contains(t, err.Error(), "open output file")
	assert.NotContains(t, err.Error(), "interrupted")
}

func TestRunConflictAbort(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(output, []byte("leftover,data,v0\n"), 0o644))

	cfg := testConfig(output)
	pager := &fakePager{pages: makePages(100, 100)}

	var gotReason string
	resolve := func(reason string) (Decision, error) {
		gotReason = reason
		return DecisionAbort, nil
	}

	e := newTestExporter(t, cfg, pager, &fakeRefresher{}, resolve)
	err := e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAborted)
	assert.Contains(t, gotReason, "no checkpoint")

	// Aborting leaves the existing file untouched.
	data, rerr := os.ReadFile(output)
	require.NoError(t, rerr)
	assert.Equal(t, "leftover,data,v0\n", string(data))
}

func TestRunConflictOverwrite(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(output, []byte("leftover,data,v0\n"), 0o644))

	cfg := testConfig(output)
	pager := &fakePager{pages: makePages(50, 100)}

	resolve := func(string) (Decision, error) { return DecisionOverwrite, nil }
	e := newTestExporter(t, cfg, pager, &fakeRefresher{}, resolve)
	require.NoError(t, e.Run(context.Background()))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "leftover")
	assert.Len(t, readCSV(t, output), 50)
}

func TestRunNoResumeNeverCheckpoints(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	cfg := testConfig(output)
	cfg.Job.Resume = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pager := &fakePager{
		pages:        makePages(500, 100),
		cancelAtCall: 4,
		cancel:       cancel,
	}

	e := newTestExporter(t, cfg, pager, &fakeRefresher{}, nil)
	err := e.Run(ctx)
	require.Error(t, err)

	assert.NoFileExists(t, checkpointPath(t, cfg))
}

func TestRunStaleCheckpointRemovedWhenOutputMissing(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.csv")
	cfg := testConfig(output)

	// A state file with no output file left behind by a deleted run.
	store, err := checkpoint.NewFileStore(cfg.Job.Bucket, cfg.Job.Prefix, output)
	require.NoError(t, err)
	require.NoError(t, store.Save(&checkpoint.State{Bucket: cfg.Job.Bucket}))

	pager := &fakePager{pages: makePages(10, 100)}
	e := newTestExporter(t, cfg, pager, &fakeRefresher{}, nil)
	require.NoError(t, e.Run(context.Background()))

	assert.Len(t, readCSV(t, output), 10)
}

func checkpointPath(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path, err := checkpoint.StatePath(cfg.Job.Bucket, cfg.Job.Prefix, cfg.Job.Output)
	require.NoError(t, err)
	return path
}
