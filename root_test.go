package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

func resetFlags() {
	flagDate = ""
	flagJobs = 4
	flagPathFilter = ""
	flagCompressFilterMsgs = 1
	flagLogLevel = "DEBUG"
	flagTraceProgress = false
	flagListDates = false
	flagOkErrors = ""
	flagAllowNewNonempty = false
	flagRequireLastSuccess = false
}

func TestOptionsFromFlags_ParsesInventoryBaseAndOutdir(t *testing.T) {
	resetFlags()

	opts, err := optionsFromFlags([]string{"s3://mybucket/inv/", "/tmp/out"})
	require.NoError(t, err)
	assert.Equal(t, "mybucket", opts.Bucket)
	assert.Equal(t, "inv/", opts.Prefix)
	assert.Equal(t, "/tmp/out", opts.OutDir)
	assert.Equal(t, 4, opts.Jobs)
}

func TestOptionsFromFlags_ListDatesAllowsMissingOutdir(t *testing.T) {
	resetFlags()
	flagListDates = true

	opts, err := optionsFromFlags([]string{"s3://mybucket/inv/"})
	require.NoError(t, err)
	assert.Empty(t, opts.OutDir)
	assert.True(t, opts.ListDates)
}

func TestOptionsFromFlags_MissingOutdirWithoutListDatesFails(t *testing.T) {
	resetFlags()

	_, err := optionsFromFlags([]string{"s3://mybucket/inv/"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.Classify(err))
}

func TestOptionsFromFlags_InvalidInventoryBaseFails(t *testing.T) {
	resetFlags()

	_, err := optionsFromFlags([]string{"not-an-s3-url", "/tmp/out"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.Classify(err))
}

func TestOptionsFromFlags_InvalidPathFilterFails(t *testing.T) {
	resetFlags()
	flagPathFilter = "("

	_, err := optionsFromFlags([]string{"s3://mybucket/inv/", "/tmp/out"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.Classify(err))
}

func TestOptionsFromFlags_UnknownOkErrorsTokenFails(t *testing.T) {
	resetFlags()
	flagOkErrors = "not-a-real-kind"

	_, err := optionsFromFlags([]string{"s3://mybucket/inv/", "/tmp/out"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.Classify(err))
}

func TestOptionsFromFlags_OkErrorsAllExpands(t *testing.T) {
	resetFlags()
	flagOkErrors = "all"

	opts, err := optionsFromFlags([]string{"s3://mybucket/inv/", "/tmp/out"})
	require.NoError(t, err)
	assert.True(t, opts.OkErrors.Downgrades(errs.KindAccessDenied))
	assert.True(t, opts.OkErrors.Downgrades(errs.KindInvalidEntry))
	assert.True(t, opts.OkErrors.Downgrades(errs.KindMissingOldVersion))
}

func TestParseLogLevel_AllFiveLevels(t *testing.T) {
	for _, name := range []string{"ERROR", "WARN", "INFO", "DEBUG", "TRACE"} {
		_, err := parseLogLevel(name)
		require.NoError(t, err, name)
	}
}

func TestParseLogLevel_UnknownFails(t *testing.T) {
	_, err := parseLogLevel("VERBOSE")
	require.Error(t, err)
}
