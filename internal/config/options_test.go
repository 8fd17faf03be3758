package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

func TestParseInventoryBase(t *testing.T) {
	bucket, prefix, err := ParseInventoryBase("s3://my-bucket/path/to/inventory")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "path/to/inventory/", prefix)

	_, _, err = ParseInventoryBase("my-bucket/path")
	require.Error(t, err)

	_, _, err = ParseInventoryBase("s3:///path")
	require.Error(t, err)
}

func TestParseOkErrors(t *testing.T) {
	set, err := ParseOkErrors("access-denied,invalid-entry")
	require.NoError(t, err)
	assert.True(t, set.Downgrades(errs.KindAccessDenied))
	assert.True(t, set.Downgrades(errs.KindInvalidEntry))
	assert.False(t, set.Downgrades(errs.KindMissingOldVersion))

	set, err = ParseOkErrors("all")
	require.NoError(t, err)
	assert.True(t, set.Downgrades(errs.KindAccessDenied))
	assert.True(t, set.Downgrades(errs.KindMissingOldVersion))
	assert.True(t, set.Downgrades(errs.KindInvalidEntry))

	_, err = ParseOkErrors("bogus-kind")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	o := &Options{OutDir: "/tmp/x", Jobs: 4, LogLevel: "DEBUG"}
	require.NoError(t, o.Validate())

	o.OutDir = ""
	require.Error(t, o.Validate())

	o.ListDates = true
	require.NoError(t, o.Validate())

	o.Jobs = 0
	require.Error(t, o.Validate())
}
