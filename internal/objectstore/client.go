// Package objectstore is a thin facade over the cloud object store client
// (spec.md §4.1, component 1). It exposes exactly the operations the rest
// of the pipeline needs — GetObject, ListKeys — and hides retry policy and
// credential resolution behind them. Implemented on the AWS SDK for Go v2,
// whose default credential chain is the "standard chain" spec.md §6 names
// as an external collaborator.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sethvargo/go-retry"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

// maxAttempts matches spec.md §4.5 step 4: "Retry transient errors up to a
// fixed attempt count (10)."
const maxAttempts = 10

const (
	retryBase = 250 * time.Millisecond
	retryMax  = 30 * time.Second
)

// Object is the result of a successful GetObject: its body (caller must
// Close it) plus the metadata the placer and inventory reader need.
type Object struct {
	Body          io.ReadCloser
	ETag          string
	ContentLength int64
}

// Client is the object-store client shim. A single Client is shared
// read-only across every reader and worker goroutine (spec.md §5).
type Client struct {
	s3     *s3.Client
	logger *slog.Logger
}

// New builds a Client using the AWS SDK's default config/credential chain
// (environment, shared config file, instance/role providers — spec.md §6).
func New(ctx context.Context, logger *slog.Logger) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading AWS config: %w", err)
	}

	return &Client{s3: s3.NewFromConfig(cfg), logger: logger}, nil
}

// GetObject fetches bucket/key, optionally at a specific version, retrying
// transient transport errors up to maxAttempts with exponential backoff.
// A 403 becomes errs.KindAccessDenied, a 404 becomes errs.KindMissingLatestVersion
// (the caller re-classifies to KindMissingOldVersion when appropriate).
func (c *Client) GetObject(ctx context.Context, bucket, key string, versionID string) (*Object, error) {
	var obj *Object

	backoff := newBackoff()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		input := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
		if versionID != "" {
			input.VersionId = aws.String(versionID)
		}

		resp, getErr := c.s3.GetObject(ctx, input)
		if getErr != nil {
			return c.classifyAndMaybeRetry(ctx, "GetObject", key, getErr)
		}

		obj = &Object{Body: resp.Body, ETag: trimQuotes(aws.ToString(resp.ETag))}
		if resp.ContentLength != nil {
			obj.ContentLength = *resp.ContentLength
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return obj, nil
}

// ListKeys lists every object under bucket/prefix, delivering keys to yield
// in lexicographic page order. It stops early if yield returns an error.
// Used both for manifest discovery (listing "{prefix}{timestamp}/manifest.json"
// keys) and is available for any future prefix-listing need named in spec.md §4.1.
func (c *Client) ListKeys(ctx context.Context, bucket, prefix string, yield func(key string, lastModified time.Time) error) error {
	var continuation *string

	for {
		var page *s3.ListObjectsV2Output

		backoff := newBackoff()

		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			input := &s3.ListObjectsV2Input{
				Bucket:            aws.String(bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: continuation,
			}

			resp, listErr := c.s3.ListObjectsV2(ctx, input)
			if listErr != nil {
				return c.classifyAndMaybeRetry(ctx, "ListObjectsV2", prefix, listErr)
			}

			page = resp

			return nil
		})
		if err != nil {
			return err
		}

		for _, obj := range page.Contents {
			lm := time.Time{}
			if obj.LastModified != nil {
				lm = *obj.LastModified
			}

			if yieldErr := yield(aws.ToString(obj.Key), lm); yieldErr != nil {
				return yieldErr
			}
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			return nil
		}

		continuation = page.NextContinuationToken
	}
}

// classifyAndMaybeRetry maps an AWS SDK error onto the spec.md §7 taxonomy.
// Transient (5xx/throttling/network) errors are signaled via
// retry.RetryableError so go-retry's backoff loop retries them; terminal
// errors (403/404/anything else) are returned as permanent.
func (c *Client) classifyAndMaybeRetry(ctx context.Context, op, key string, err error) error {
	var ae smithyAPIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDenied", "Forbidden":
			return errs.New(errs.KindAccessDenied, key, err)
		case "NoSuchKey", "NoSuchVersion", "NotFound":
			return errs.New(errs.KindMissingLatestVersion, key, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "ThrottlingException":
			c.logger.Warn("objectstore: retrying transient error",
				slog.String("op", op), slog.String("key", key), slog.String("code", ae.ErrorCode()))

			return retry.RetryableError(errs.New(errs.KindTransport, key, err))
		}

		return errs.New(errs.KindTransport, key, err)
	}

	// Unclassified (network-level) errors are treated as retryable transport
	// errors, matching spec.md §7's "Transport — retriable network errors."
	c.logger.Warn("objectstore: retrying network error", slog.String("op", op), slog.String("key", key), slog.String("error", err.Error()))

	return retry.RetryableError(errs.New(errs.KindTransport, key, err))
}

// smithyAPIError is the minimal interface smithy-go's API errors satisfy;
// declared locally so this file only needs one import from aws-sdk-go-v2's
// error types.
type smithyAPIError interface {
	error
	ErrorCode() string
}

// newBackoff builds the shared retry policy: exponential backoff from
// retryBase, capped at retryMax, bounded to maxAttempts total attempts —
// grounded on internal/graph/client.go's calcBackoff (same base/cap/factor
// shape), reimplemented on sethvargo/go-retry per SPEC_FULL.md §6.
func newBackoff() retry.Backoff {
	b := retry.NewExponential(retryBase)
	b = retry.WithMaxRetries(maxAttempts-1, b)
	b = retry.WithCappedDuration(retryMax, b)
	b = retry.WithJitterPercent(25, b)

	return b
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}

	return s
}

// IsDeleteMarkerGet reports whether err indicates the object is a delete
// marker returned without a body (405 MethodNotAllowed from S3). This error
// is not mapped onto a taxonomy kind here; internal/placer's classifyGetErr
// translates it into a missing-old-version error.
func IsDeleteMarkerGet(err error) bool {
	var ae smithyAPIError

	return errors.As(err, &ae) && ae.ErrorCode() == "MethodNotAllowed"
}
