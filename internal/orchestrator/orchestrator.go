// Package orchestrator implements the pipeline orchestrator (spec.md §4.6,
// component 7): two bounded concurrency tiers (inventory-list readers,
// object workers) sharing a global limit J, a single cancellation token,
// first-fatal-error capture, and a process-context diagnostic dump on the
// first fatal error. Grounded on the teacher's internal/sync/worker.go
// (WorkerPool: flat goroutine pool draining a channel, panic recovery,
// capped-error diagnostics) and internal/sync/orchestrator.go's
// per-unit-of-work runner with first-error-wins aggregation, reimplemented
// on golang.org/x/sync/errgroup+semaphore for the two explicit tiers this
// spec calls for instead of the teacher's single flat pool.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/s3invsync/internal/config"
	"github.com/tonimelisma/s3invsync/internal/errs"
	"github.com/tonimelisma/s3invsync/internal/inventory"
	"github.com/tonimelisma/s3invsync/internal/objectstore"
	"github.com/tonimelisma/s3invsync/internal/pathpolicy"
	"github.com/tonimelisma/s3invsync/internal/placer"
)

// Store is the subset of objectstore.Client the orchestrator's reader tier
// needs to fetch inventory list files.
type Store interface {
	GetObject(ctx context.Context, bucket, key, versionID string) (*objectstore.Object, error)
}

// Placer is the subset of *placer.Placer the orchestrator drives.
type Placer interface {
	Place(ctx context.Context, e inventory.Entry, res pathpolicy.Resolution) (placer.Outcome, error)
}

// Orchestrator owns the pipeline's cancellation token and bounded
// concurrency tiers for one run.
type Orchestrator struct {
	store    Store
	policy   *pathpolicy.Policy
	placer   Placer
	bucket   string
	jobs     int
	okErrors config.OkErrorSet
	logger   *slog.Logger

	entriesSeen atomic.Int64
	downloaded  atomic.Int64
	skipped     atomic.Int64
	nonFatal    atomic.Int64

	firstFatal sync.Once

	expectedMu sync.Mutex
	expected   map[string]struct{}

	traceProgress bool
}

// traceLevel mirrors main's levelTrace (slog.LevelDebug - 4): this package
// has no CLI dependency, so the value is duplicated rather than imported.
const traceLevel = slog.Level(-8)

// New builds an Orchestrator. jobs bounds both tiers independently, per
// spec.md §4.6's shared -J budget. traceProgress enables --trace-progress's
// per-object log line at TRACE level.
func New(store Store, policy *pathpolicy.Policy, p Placer, bucket string, jobs int, okErrors config.OkErrorSet, traceProgress bool, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store: store, policy: policy, placer: p, bucket: bucket, jobs: jobs, okErrors: okErrors,
		traceProgress: traceProgress, logger: logger,
		expected: make(map[string]struct{}),
	}
}

// ExpectedPaths returns the outdir-relative target paths of every entry this
// run resolved to a current or old version on disk (delete markers
// excluded), for internal/reconcile's post-pass sweep. Safe to call after
// Run returns.
func (o *Orchestrator) ExpectedPaths() map[string]struct{} {
	o.expectedMu.Lock()
	defer o.expectedMu.Unlock()

	out := make(map[string]struct{}, len(o.expected))
	for k := range o.expected {
		out[k] = struct{}{}
	}

	return out
}

type entryMsg struct {
	entry inventory.Entry
}

// Summary is the final run report (SPEC_FULL.md §10: a run summary line).
type Summary struct {
	Downloaded     int64
	Skipped        int64
	Filtered       int64
	NonFatalErrors int64
}

func (s Summary) String() string {
	return fmt.Sprintf("downloaded=%d skipped=%d filtered=%d non_fatal_errors=%d",
		s.Downloaded, s.Skipped, s.Filtered, s.NonFatalErrors)
}

// Run drives the full pipeline for one resolved manifest: up to o.jobs
// concurrent inventory-list readers stream entries into a bounded channel;
// exactly o.jobs workers drain it and place objects. Cancellation — the
// first fatal error, or ctx being done from a signal — stops new work
// being scheduled (spec.md §4.6).
func (o *Orchestrator) Run(ctx context.Context, m *inventory.Manifest) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan entryMsg, o.jobs)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(entries)

		return o.runReaders(gctx, m, entries)
	})

	for i := 0; i < o.jobs; i++ {
		g.Go(func() error {
			return o.runWorker(gctx, entries)
		})
	}

	err := g.Wait()

	summary := Summary{
		Downloaded:     o.downloaded.Load(),
		Skipped:        o.skipped.Load(),
		Filtered:       int64(o.policy.FilteredCount()),
		NonFatalErrors: o.nonFatal.Load(),
	}

	return summary, err
}

// runReaders fans out up to o.jobs concurrent inventory-list readers, one
// per ManifestFile, each streaming its entries into the shared channel.
func (o *Orchestrator) runReaders(ctx context.Context, m *inventory.Manifest, entries chan<- entryMsg) error {
	sem := semaphore.NewWeighted(int64(o.jobs))

	fg, fctx := errgroup.WithContext(ctx)

	for _, file := range m.Files {
		file := file

		if err := sem.Acquire(fctx, 1); err != nil {
			break
		}

		fg.Go(func() error {
			defer sem.Release(1)

			return o.readFile(fctx, m, file, entries)
		})
	}

	return fg.Wait()
}

// readFile streams one ManifestFile's entries into the shared channel,
// applying directory-placeholder skipping and --path-filter before
// publishing (spec.md §4.2, §4.3 step 3).
func (o *Orchestrator) readFile(ctx context.Context, m *inventory.Manifest, file inventory.ManifestFile, entries chan<- entryMsg) error {
	// List files live alongside manifest.json in the destination bucket
	// (the <inventory-base> bucket); the objects they describe live in the
	// source bucket, which the placer fetches from separately.
	r, err := inventory.NewReader(ctx, o.store, m.DestinationBucket, file, m.FileSchema, o.logger)
	if err != nil {
		return o.handleFatal(err)
	}

	for {
		row, ok := r.Next()
		if !ok {
			break
		}

		if row.Err != nil {
			if handled := o.handleEntryErr(row.Err); handled != nil {
				r.Close() //nolint:errcheck // already returning a fatal error

				return handled
			}

			continue
		}

		if row.Entry.IsDirPlaceholder() {
			continue
		}

		if !o.policy.Accepts(row.Entry.Key) {
			continue
		}

		o.entriesSeen.Add(1)

		select {
		case entries <- entryMsg{entry: row.Entry}:
		case <-ctx.Done():
			r.Close() //nolint:errcheck // already returning ctx.Err()

			return ctx.Err()
		}
	}

	if err := r.Close(); err != nil {
		return o.handleFatal(err)
	}

	return nil
}

// runWorker drains the shared entry channel, resolving and placing each
// entry until the channel closes or ctx is canceled.
func (o *Orchestrator) runWorker(ctx context.Context, entries <-chan entryMsg) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-entries:
			if !ok {
				return nil
			}

			if err := o.process(ctx, msg.entry); err != nil {
				return err
			}
		}
	}
}

// process resolves one entry's placement and places it, downgrading
// non-fatal kinds per --ok-errors (spec.md §7).
func (o *Orchestrator) process(ctx context.Context, e inventory.Entry) error {
	res, err := pathpolicy.Resolve(e)
	if err != nil {
		return o.handleEntryErr(err)
	}

	out, err := o.placer.Place(ctx, e, res)
	if err != nil {
		return o.handleEntryErr(err)
	}

	if res.Class != pathpolicy.ClassDeleteMarkerLatest {
		o.expectedMu.Lock()
		o.expected[res.TargetPath()] = struct{}{}
		o.expectedMu.Unlock()
	}

	if out.Downloaded {
		o.downloaded.Add(1)
	}

	if out.Skipped {
		o.skipped.Add(1)
	}

	if o.traceProgress {
		o.logger.Log(ctx, traceLevel, "placed entry",
			slog.String("key", e.Key), slog.String("target", res.TargetPath()),
			slog.Bool("downloaded", out.Downloaded), slog.Bool("skipped", out.Skipped))
	}

	return nil
}

// handleEntryErr decides whether err is downgradable per --ok-errors. It
// returns nil if the error was logged and absorbed (non-fatal), or a fatal
// error (after dumping process context once) if it must propagate.
func (o *Orchestrator) handleEntryErr(err error) error {
	kind := errs.Classify(err)
	if o.okErrors.Downgrades(kind) {
		o.nonFatal.Add(1)
		o.logger.Warn("non-fatal error, continuing", slog.String("kind", kind.String()), slog.String("error", err.Error()))

		return nil
	}

	return o.handleFatal(err)
}

// handleFatal logs the process-context diagnostic dump exactly once — on
// the first fatal error — then returns err unchanged so errgroup's
// first-error-wins semantics (and gctx cancellation) take over. Any fatal
// errors from goroutines racing behind the first are simply discarded by
// errgroup, matching spec.md §4.6's "only the first fatal error is reported".
func (o *Orchestrator) handleFatal(err error) error {
	o.firstFatal.Do(func() {
		o.logger.Info("first fatal error, dumping process context",
			slog.Int("jobs", o.jobs),
			slog.Int64("entries_seen", o.entriesSeen.Load()),
			slog.Int64("downloaded", o.downloaded.Load()),
			slog.Int64("skipped", o.skipped.Load()),
			slog.String("bucket", o.bucket),
			slog.String("error", err.Error()),
		)
	})

	return err
}
