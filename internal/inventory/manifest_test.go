package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/s3invsync/internal/errs"
	"github.com/tonimelisma/s3invsync/internal/objectstore"
)

type fakeLister struct {
	keys []string
}

func (f *fakeLister) ListKeys(_ context.Context, _, _ string, yield func(key string, lastModified time.Time) error) error {
	for _, k := range f.keys {
		if err := yield(k, time.Time{}); err != nil {
			return err
		}
	}

	return nil
}

type fakeManifestGetter struct {
	bodies map[string][]byte
}

func (f *fakeManifestGetter) GetObject(_ context.Context, _, key, _ string) (*objectstore.Object, error) {
	b, ok := f.bodies[key]
	if !ok {
		return nil, errs.New(errs.KindManifestNotFound, key, assertErr("no such key"))
	}

	return &objectstore.Object{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestSnapshotTimestampOf(t *testing.T) {
	ts, ok := snapshotTimestampOf("inv/2024-01-01T00-00Z/manifest.json", "inv/")
	require.True(t, ok)
	assert.Equal(t, "2024-01-01T00-00Z", ts)

	_, ok = snapshotTimestampOf("inv/2024-01-01T00-00Z/data/file.csv.gz", "inv/")
	assert.False(t, ok)

	_, ok = snapshotTimestampOf("other/2024-01-01T00-00Z/manifest.json", "inv/")
	assert.False(t, ok)
}

func TestPickTimestamp(t *testing.T) {
	dates := []string{"2024-01-01T00-00Z", "2024-01-01T12-00Z", "2024-01-02T00-00Z"}

	got, err := pickTimestamp(dates, "")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T00-00Z", got)

	got, err = pickTimestamp(dates, "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T12-00Z", got)

	got, err = pickTimestamp(dates, "2024-01-01T00-00Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00-00Z", got)

	_, err = pickTimestamp(dates, "2024-03-01")
	require.Error(t, err)
	assert.Equal(t, errs.KindManifestNotFound, errs.Classify(err))

	_, err = pickTimestamp(nil, "")
	require.Error(t, err)
}

func TestLocator_ListDatesAndLoad(t *testing.T) {
	mj := manifestJSON{
		SourceBucket:      "src",
		DestinationBucket: "dst",
		FileFormat:        "CSV",
		FileSchema:        "Bucket, Key, ETag",
	}
	mj.Files = append(mj.Files, struct {
		Key         string `json:"key"`
		Size        int64  `json:"size"`
		MD5Checksum string `json:"MD5checksum"`
	}{Key: "inv/2024-01-01T00-00Z/data/0.csv.gz", Size: 10, MD5Checksum: "abc"})

	raw, err := json.Marshal(mj)
	require.NoError(t, err)

	lister := &fakeLister{keys: []string{
		"inv/2024-01-01T00-00Z/manifest.json",
		"inv/2024-01-01T00-00Z/manifest.checksum",
		"inv/2024-01-02T00-00Z/manifest.json",
	}}
	getter := &fakeManifestGetter{bodies: map[string][]byte{
		"inv/2024-01-01T00-00Z/manifest.json": raw,
	}}

	loc := NewLocator(lister, getter, "bkt", "inv/", slog.New(slog.NewTextHandler(io.Discard, nil)))

	dates, err := loc.ListDates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01T00-00Z", "2024-01-02T00-00Z"}, dates)

	m, err := loc.Load(context.Background(), "2024-01-01T00-00Z")
	require.NoError(t, err)
	assert.Equal(t, "src", m.SourceBucket)
	assert.Equal(t, []string{"Bucket", "Key", "ETag"}, m.FileSchema)
	require.Len(t, m.Files, 1)
	assert.Equal(t, "inv/2024-01-01T00-00Z/data/0.csv.gz", m.Files[0].Key)
}

func TestValidateManifest_Rejects(t *testing.T) {
	_, err := validateManifest(&manifestJSON{FileFormat: "Parquet"}, "ts")
	require.Error(t, err)
	assert.Equal(t, errs.KindManifestInvalid, errs.Classify(err))

	_, err = validateManifest(&manifestJSON{FileFormat: "CSV", FileSchema: "Bucket,Key"}, "ts")
	require.Error(t, err)

	_, err = validateManifest(&manifestJSON{FileFormat: "CSV", FileSchema: "Bucket,Key,ETag"}, "ts")
	require.Error(t, err) // no files
}
