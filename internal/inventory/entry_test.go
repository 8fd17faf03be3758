package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

func TestResolveColumns(t *testing.T) {
	c, err := resolveColumns([]string{"Bucket", "Key", "ETag", "VersionId", "IsLatest"})
	require.NoError(t, err)
	assert.Equal(t, 0, c.bucket)
	assert.Equal(t, 3, c.versionID)
	assert.Equal(t, colAbsent, c.size)

	_, err = resolveColumns([]string{"Bucket", "Key"})
	assert.Error(t, err)
}

func TestParseRow(t *testing.T) {
	c, err := resolveColumns([]string{"Bucket", "Key", "VersionId", "IsLatest", "IsDeleteMarker", "Size", "ETag", "LastModifiedDate"})
	require.NoError(t, err)

	e, err := parseRow([]string{"b", "k/obj", "v1", "true", "false", "10", "etag", "2024-01-01T00:00:00.000Z"}, c)
	require.NoError(t, err)
	assert.Equal(t, "b", e.Bucket)
	assert.True(t, e.IsLatest)
	assert.True(t, e.HasSize)
	assert.Equal(t, int64(10), e.Size)

	_, err = parseRow([]string{"b", "k/obj", "v1", "maybe", "false", "10", "etag", ""}, c)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidEntry, errs.Classify(err))
}

func TestEntry_IsDirPlaceholder(t *testing.T) {
	e := Entry{Key: "dir/", HasSize: true, Size: 0}
	assert.True(t, e.IsDirPlaceholder())

	e.Size = 1
	assert.False(t, e.IsDirPlaceholder())

	e2 := Entry{Key: "dir/file.txt", HasSize: true, Size: 0}
	assert.False(t, e2.IsDirPlaceholder())
}

func TestEntry_MultipartETag(t *testing.T) {
	assert.True(t, Entry{ETag: "abc-2"}.MultipartETag())
	assert.False(t, Entry{ETag: "abc"}.MultipartETag())
}
