package objectstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string     { return "fake: " + e.code }
func (e *fakeAPIError) ErrorCode() string { return e.code }
func (e *fakeAPIError) ErrorMessage() string { return e.code }
func (e *fakeAPIError) ErrorFault() int    { return 0 }

func TestTrimQuotes(t *testing.T) {
	assert.Equal(t, "abc123", trimQuotes(`"abc123"`))
	assert.Equal(t, "abc123", trimQuotes("abc123"))
	assert.Equal(t, "", trimQuotes(""))
}

func TestClassifyAndMaybeRetry(t *testing.T) {
	c := &Client{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx := context.Background()

	accessDenied := c.classifyAndMaybeRetry(ctx, "GetObject", "k", &fakeAPIError{code: "AccessDenied"})
	assert.Equal(t, errs.KindAccessDenied, errs.Classify(accessDenied))

	notFound := c.classifyAndMaybeRetry(ctx, "GetObject", "k", &fakeAPIError{code: "NoSuchKey"})
	assert.Equal(t, errs.KindMissingLatestVersion, errs.Classify(notFound))

	slowDown := c.classifyAndMaybeRetry(ctx, "GetObject", "k", &fakeAPIError{code: "SlowDown"})
	require.Error(t, slowDown)
	assert.Equal(t, errs.KindTransport, errs.Classify(slowDown))

	generic := c.classifyAndMaybeRetry(ctx, "GetObject", "k", errors.New("boom"))
	require.Error(t, generic)
	assert.Equal(t, errs.KindTransport, errs.Classify(generic))
}
