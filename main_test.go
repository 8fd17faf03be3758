package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

func TestExitCodeFor_PreflightKinds(t *testing.T) {
	for _, kind := range []errs.Kind{errs.KindConfiguration, errs.KindUnfamiliarOutputDir, errs.KindStalePriorRun} {
		err := errs.New(kind, "", fmt.Errorf("boom"))
		assert.Equal(t, exitPreflight, exitCodeFor(err))
	}
}

func TestExitCodeFor_FatalKinds(t *testing.T) {
	err := errs.New(errs.KindTransport, "", fmt.Errorf("boom"))
	assert.Equal(t, exitFatal, exitCodeFor(err))
}

func TestExitCodeFor_UntaxonomizedError(t *testing.T) {
	assert.Equal(t, exitFatal, exitCodeFor(errors.New("plain error")))
}
