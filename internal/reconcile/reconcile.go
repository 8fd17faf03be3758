// Package reconcile implements the post-pass deletion sweep (spec.md §4.7,
// component 8): once a run has placed every entry from the resolved
// snapshot, anything left under outdir that the snapshot doesn't account
// for is stale — a local file whose key no longer appears as a current or
// old version, or an empty directory left behind by earlier sweeps — and
// is removed. The reserved `.s3invsync.*` namespace is always left alone.
//
// Grounded on the teacher's internal/sync/reconciler.go: its orderDeletes
// (files before folders, folders deepest-first so a child is always
// removed before its now-empty parent) is the same bottom-up shape this
// sweep needs, generalized from an in-memory three-way action plan to a
// single filesystem walk against one expected-path set.
package reconcile

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/tonimelisma/s3invsync/internal/pathpolicy"
)

// Result reports what one sweep removed.
type Result struct {
	FilesRemoved int
	DirsRemoved  int
}

// Sweeper walks outDir, deleting anything not named in an expected-path set.
type Sweeper struct {
	outDir string
	logger *slog.Logger
}

// New builds a Sweeper rooted at outDir.
func New(outDir string, logger *slog.Logger) *Sweeper {
	return &Sweeper{outDir: outDir, logger: logger}
}

// Sweep removes every regular file under outDir whose outdir-relative,
// slash-separated path is not in expected, skipping the reserved
// `.s3invsync.*` namespace entirely, then removes now-empty directories
// bottom-up. Individual removal failures are collected and returned
// together (via multierr) rather than aborting the sweep early, since one
// stuck file should not prevent cleanup of the rest of the tree.
func (s *Sweeper) Sweep(ctx context.Context, expected map[string]struct{}) (Result, error) {
	var (
		result Result
		errs   error
		dirs   []string
	)

	walkErr := filepath.WalkDir(s.outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = multierr.Append(errs, err)

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if path == s.outDir {
			return nil
		}

		rel, relErr := filepath.Rel(s.outDir, path)
		if relErr != nil {
			errs = multierr.Append(errs, relErr)

			return nil
		}

		rel = filepath.ToSlash(rel)

		if isReserved(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			dirs = append(dirs, path)

			return nil
		}

		if _, ok := expected[rel]; ok {
			return nil
		}

		if err := os.Remove(path); err != nil {
			errs = multierr.Append(errs, err)

			return nil
		}

		s.logger.Info("removed stale file", slog.String("path", rel))
		result.FilesRemoved++

		return nil
	})
	if walkErr != nil {
		errs = multierr.Append(errs, walkErr)
	}

	sort.Slice(dirs, func(i, j int) bool { return depth(dirs[i]) > depth(dirs[j]) })

	for _, dir := range dirs {
		removed, err := removeIfEmpty(dir)
		if err != nil {
			errs = multierr.Append(errs, err)

			continue
		}

		if removed {
			rel, _ := filepath.Rel(s.outDir, dir)
			s.logger.Info("removed empty directory", slog.String("path", filepath.ToSlash(rel)))
			result.DirsRemoved++
		}
	}

	return result, errs
}

// isReserved reports whether rel (outdir-relative, slash-separated) names
// or is nested under a reserved `.s3invsync.*` path component.
func isReserved(rel string) bool {
	for _, comp := range strings.Split(rel, "/") {
		if strings.HasPrefix(comp, pathpolicy.ReservedPrefix) {
			return true
		}
	}

	return false
}

func depth(path string) int { return strings.Count(filepath.ToSlash(path), "/") }

// removeIfEmpty removes dir if it has no remaining entries, reporting
// whether it actually did so.
func removeIfEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	if len(entries) > 0 {
		return false, nil
	}

	if err := os.Remove(dir); err != nil {
		return false, err
	}

	return true, nil
}
