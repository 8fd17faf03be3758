package orchestrator

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // matches the protocol-mandated checksum under test
	"encoding/csv"
	"encoding/hex"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/s3invsync/internal/config"
	"github.com/tonimelisma/s3invsync/internal/errs"
	"github.com/tonimelisma/s3invsync/internal/inventory"
	"github.com/tonimelisma/s3invsync/internal/objectstore"
	"github.com/tonimelisma/s3invsync/internal/pathpolicy"
	"github.com/tonimelisma/s3invsync/internal/placer"
)

var testSchema = []string{"Bucket", "Key", "VersionId", "IsLatest", "IsDeleteMarker", "Size", "ETag", "LastModifiedDate"}

func gzipCSV(t *testing.T, rows [][]string) ([]byte, string) {
	t.Helper()

	var plain bytes.Buffer

	w := csv.NewWriter(&plain)
	require.NoError(t, w.WriteAll(rows))
	w.Flush()
	require.NoError(t, w.Error())

	var gz bytes.Buffer

	gzw := gzip.NewWriter(&gz)
	_, err := gzw.Write(plain.Bytes())
	require.NoError(t, err)
	require.NoError(t, gzw.Close())

	sum := md5.Sum(gz.Bytes()) //nolint:gosec // test fixture only

	return gz.Bytes(), hex.EncodeToString(sum[:])
}

type fakeStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *fakeStore) GetObject(_ context.Context, _, key, _ string) (*objectstore.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.files[key]
	if !ok {
		return nil, errs.New(errs.KindManifestNotFound, key, io.ErrUnexpectedEOF)
	}

	return &objectstore.Object{Body: io.NopCloser(bytes.NewReader(b)), ContentLength: int64(len(b))}, nil
}

type fakePlacer struct {
	mu     sync.Mutex
	placed []string
	fail   map[string]error
}

func (p *fakePlacer) Place(_ context.Context, e inventory.Entry, _ pathpolicy.Resolution) (placer.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.fail[e.Key]; ok {
		return placer.Outcome{}, err
	}

	p.placed = append(p.placed, e.Key)

	return placer.Outcome{Downloaded: true}, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOrchestrator_PlacesEveryEntryAcrossFiles(t *testing.T) {
	body1, md51 := gzipCSV(t, [][]string{
		{"bkt", "a/one.txt", "", "true", "", "3", "E1", "2026-01-01T00:00:00.000Z"},
		{"bkt", "dirs/", "", "true", "", "0", "E2", "2026-01-01T00:00:00.000Z"},
	})
	body2, md52 := gzipCSV(t, [][]string{
		{"bkt", "b/two.txt", "", "true", "", "4", "E3", "2026-01-01T00:00:00.000Z"},
	})

	store := &fakeStore{files: map[string][]byte{"list1.csv.gz": body1, "list2.csv.gz": body2}}
	pl := &fakePlacer{fail: map[string]error{}}
	policy := pathpolicy.New(nil, 0, discardLogger())

	o := New(store, policy, pl, "bkt", 2, config.OkErrorSet{}, false, discardLogger())

	m := &inventory.Manifest{
		SourceBucket: "bkt",
		FileSchema:   testSchema,
		Files: []inventory.ManifestFile{
			{Key: "list1.csv.gz", MD5: md51},
			{Key: "list2.csv.gz", MD5: md52},
		},
	}

	summary, err := o.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Downloaded)
	assert.ElementsMatch(t, []string{"a/one.txt", "b/two.txt"}, pl.placed)
}

func TestOrchestrator_FatalErrorStopsRun(t *testing.T) {
	body, md5sum := gzipCSV(t, [][]string{
		{"bkt", "a/one.txt", "", "true", "", "3", "E1", "2026-01-01T00:00:00.000Z"},
		{"bkt", "a/two.txt", "", "true", "", "3", "E2", "2026-01-01T00:00:00.000Z"},
	})

	store := &fakeStore{files: map[string][]byte{"list.csv.gz": body}}
	pl := &fakePlacer{fail: map[string]error{"a/one.txt": errs.New(errs.KindTransport, "a/one.txt", io.ErrClosedPipe)}}
	policy := pathpolicy.New(nil, 0, discardLogger())

	o := New(store, policy, pl, "bkt", 1, config.OkErrorSet{}, false, discardLogger())

	m := &inventory.Manifest{
		SourceBucket: "bkt",
		FileSchema:   testSchema,
		Files:        []inventory.ManifestFile{{Key: "list.csv.gz", MD5: md5sum}},
	}

	_, err := o.Run(context.Background(), m)
	require.Error(t, err)
	assert.Equal(t, errs.KindTransport, errs.Classify(err))
}

func TestOrchestrator_DowngradesOkErrors(t *testing.T) {
	body, md5sum := gzipCSV(t, [][]string{
		{"bkt", "a/one.txt", "", "true", "", "3", "E1", "2026-01-01T00:00:00.000Z"},
		{"bkt", "a/two.txt", "", "true", "", "3", "E2", "2026-01-01T00:00:00.000Z"},
	})

	store := &fakeStore{files: map[string][]byte{"list.csv.gz": body}}
	pl := &fakePlacer{fail: map[string]error{"a/one.txt": errs.New(errs.KindAccessDenied, "a/one.txt", io.ErrClosedPipe)}}
	policy := pathpolicy.New(nil, 0, discardLogger())

	okErrors := config.OkErrorSet{errs.KindAccessDenied: true}
	o := New(store, policy, pl, "bkt", 2, okErrors, false, discardLogger())

	m := &inventory.Manifest{
		SourceBucket: "bkt",
		FileSchema:   testSchema,
		Files:        []inventory.ManifestFile{{Key: "list.csv.gz", MD5: md5sum}},
	}

	summary, err := o.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.NonFatalErrors)
	assert.Equal(t, int64(1), summary.Downloaded)
	assert.ElementsMatch(t, []string{"a/two.txt"}, pl.placed)
}

func TestOrchestrator_PathFilterExcludesEntries(t *testing.T) {
	body, md5sum := gzipCSV(t, [][]string{
		{"bkt", "keep/one.txt", "", "true", "", "3", "E1", "2026-01-01T00:00:00.000Z"},
		{"bkt", "skip/two.txt", "", "true", "", "3", "E2", "2026-01-01T00:00:00.000Z"},
	})

	store := &fakeStore{files: map[string][]byte{"list.csv.gz": body}}
	pl := &fakePlacer{fail: map[string]error{}}
	policy := pathpolicy.New(regexp.MustCompile(`^keep/`), 0, discardLogger())

	o := New(store, policy, pl, "bkt", 2, config.OkErrorSet{}, false, discardLogger())

	m := &inventory.Manifest{
		SourceBucket: "bkt",
		FileSchema:   testSchema,
		Files:        []inventory.ManifestFile{{Key: "list.csv.gz", MD5: md5sum}},
	}

	summary, err := o.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Filtered)
	assert.ElementsMatch(t, []string{"keep/one.txt"}, pl.placed)
}

func TestOrchestrator_TraceProgressLogsPerEntry(t *testing.T) {
	body, md5sum := gzipCSV(t, [][]string{
		{"bkt", "a/one.txt", "", "true", "", "3", "E1", "2026-01-01T00:00:00.000Z"},
	})

	store := &fakeStore{files: map[string][]byte{"list.csv.gz": body}}
	pl := &fakePlacer{fail: map[string]error{}}
	policy := pathpolicy.New(nil, 0, discardLogger())

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: traceLevel}))

	o := New(store, policy, pl, "bkt", 1, config.OkErrorSet{}, true, logger)

	m := &inventory.Manifest{
		SourceBucket: "bkt",
		FileSchema:   testSchema,
		Files:        []inventory.ManifestFile{{Key: "list.csv.gz", MD5: md5sum}},
	}

	_, err := o.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "placed entry")
	assert.Contains(t, buf.String(), "a/one.txt")
}
