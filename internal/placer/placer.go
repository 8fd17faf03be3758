// Package placer implements the object downloader & placer (spec.md §4.5,
// component 6): for one inventory entry it resolves the destination path,
// skips the download when the local file already matches, downloads to a
// temp file in the target directory, verifies the ETag, atomically renames
// into place, and updates the enclosing directory's `.s3invsync.versions.json`
// side-file. Grounded on the teacher's internal/sync/executor_transfer.go
// (download-to-temp, hash-then-rename shape) and internal/sync/ledger.go's
// load-modify-store-via-temp-rename idiom, generalized from a SQLite ledger
// to a small atomically-rewritten JSON side-file per directory.
package placer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tonimelisma/s3invsync/internal/errs"
	"github.com/tonimelisma/s3invsync/internal/inventory"
	"github.com/tonimelisma/s3invsync/internal/objectstore"
	"github.com/tonimelisma/s3invsync/internal/pathpolicy"
	"github.com/tonimelisma/s3invsync/internal/synclock"
)

// VersionsFileName is the per-directory side-file recording current-version
// identity (spec.md §6).
const VersionsFileName = ".s3invsync.versions.json"

// VersionEntry is one basename's recorded identity in DirVersions.
type VersionEntry struct {
	VersionID *string `json:"version_id"`
	ETag      string  `json:"etag"`
}

// getter is the subset of objectstore.Client the placer needs.
type getter interface {
	GetObject(ctx context.Context, bucket, key, versionID string) (*objectstore.Object, error)
}

// Outcome reports what a Place call did, for run-summary counters.
type Outcome struct {
	Downloaded bool
	Skipped    bool
	Bytes      int64
}

// Placer downloads and places one entry at a time, coordinating through a
// shared path lock table (spec.md §4.4) so concurrent workers never race on
// the same target or side-file.
type Placer struct {
	store  getter
	locks  *synclock.Table
	outDir string
	bucket string
	logger *slog.Logger
}

// New builds a Placer rooted at outDir.
func New(store getter, locks *synclock.Table, outDir, bucket string, logger *slog.Logger) *Placer {
	return &Placer{store: store, locks: locks, outDir: outDir, bucket: bucket, logger: logger}
}

// Place executes spec.md §4.5's full protocol for one resolved entry.
func (p *Placer) Place(ctx context.Context, e inventory.Entry, res pathpolicy.Resolution) (Outcome, error) {
	switch res.Class {
	case pathpolicy.ClassDeleteMarkerLatest:
		return p.placeDeleteMarker(ctx, res)
	case pathpolicy.ClassOldVersion:
		return p.placeOldVersion(ctx, e, res)
	default:
		return p.placeCurrentVersion(ctx, e, res)
	}
}

// placeDeleteMarker ensures no current-version file exists at LocalPath and
// drops any DirVersions entry for it; historical versions are left in place.
func (p *Placer) placeDeleteMarker(ctx context.Context, res pathpolicy.Resolution) (Outcome, error) {
	target := filepath.Join(p.outDir, filepath.FromSlash(res.LocalPath))

	release, err := p.locks.Lock(ctx, res.LocalPath)
	if err != nil {
		return Outcome{}, errs.New(errs.KindInterrupted, res.LocalPath, err)
	}
	defer release()

	existed, err := removeIfExists(target)
	if err != nil {
		return Outcome{}, errs.New(errs.KindFilesystem, target, err)
	}

	if !existed {
		return Outcome{Skipped: true}, nil
	}

	dir, base := filepath.Split(res.LocalPath)
	if err := p.withDirLock(ctx, dir, func() error {
		return updateVersions(p.dirVersionsPath(dir), func(v dirVersions) {
			delete(v, base)
		})
	}); err != nil {
		return Outcome{}, err
	}

	return Outcome{}, nil
}

// placeCurrentVersion implements spec.md §4.5 steps 1-8 for an isLatest,
// non-delete entry.
func (p *Placer) placeCurrentVersion(ctx context.Context, e inventory.Entry, res pathpolicy.Resolution) (Outcome, error) {
	target := filepath.Join(p.outDir, filepath.FromSlash(res.TargetPath()))
	dir, base := filepath.Split(res.LocalPath)

	release, err := p.locks.Lock(ctx, res.LocalPath)
	if err != nil {
		return Outcome{}, errs.New(errs.KindInterrupted, res.LocalPath, err)
	}
	defer release()

	if err := repairAncestors(target); err != nil {
		return Outcome{}, err
	}

	existing := readVersionsSnapshot(p.dirVersionsPath(dir))
	if ve, ok := existing[base]; ok && sameVersion(ve, e) {
		if info, statErr := os.Stat(target); statErr == nil && !info.IsDir() && info.Size() == e.Size {
			return Outcome{Skipped: true}, nil
		}
	}

	n, err := p.downloadAndPlace(ctx, e, target)
	if err != nil {
		return Outcome{}, err
	}

	if err := p.withDirLock(ctx, dir, func() error {
		return updateVersions(p.dirVersionsPath(dir), func(v dirVersions) {
			var vid *string
			if e.HasVersionID {
				id := e.VersionID
				vid = &id
			}

			v[base] = VersionEntry{VersionID: vid, ETag: e.ETag}
		})
	}); err != nil {
		return Outcome{}, err
	}

	return Outcome{Downloaded: true, Bytes: n}, nil
}

// placeOldVersion follows the same protocol but omits the DirVersions
// update; its skip condition is a matching-size file already at target.
func (p *Placer) placeOldVersion(ctx context.Context, e inventory.Entry, res pathpolicy.Resolution) (Outcome, error) {
	// A non-latest delete marker has no object body to fetch — S3 returns
	// 405 MethodNotAllowed on GET. The entry's own CSV-derived IsDeleteMarker
	// flag already tells us this, so skip the round trip entirely rather
	// than let the GET fail.
	if e.IsDeleteMarker {
		return Outcome{Skipped: true}, nil
	}

	target := filepath.Join(p.outDir, filepath.FromSlash(res.TargetPath()))

	release, err := p.locks.Lock(ctx, res.TargetPath())
	if err != nil {
		return Outcome{}, errs.New(errs.KindInterrupted, res.TargetPath(), err)
	}
	defer release()

	if err := repairAncestors(target); err != nil {
		return Outcome{}, err
	}

	if info, statErr := os.Stat(target); statErr == nil && !info.IsDir() && (!e.HasSize || info.Size() == e.Size) {
		return Outcome{Skipped: true}, nil
	}

	n, err := p.downloadAndPlace(ctx, e, target)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{Downloaded: true, Bytes: n}, nil
}

// downloadAndPlace downloads e to a temp file beside target, verifies its
// ETag, and atomically renames it into place (spec.md §4.5 steps 4-6).
func (p *Placer) downloadAndPlace(ctx context.Context, e inventory.Entry, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil { //nolint:mnd // standard dir perms
		return 0, errs.New(errs.KindFilesystem, target, fmt.Errorf("creating parent directories: %w", err))
	}

	tmpPath := fmt.Sprintf("%s.s3invsync.tmp.%s", target, uuid.NewString())

	obj, err := p.store.GetObject(ctx, p.bucket, e.Key, e.VersionID)
	if err != nil {
		return 0, classifyGetErr(e, err)
	}
	defer obj.Body.Close()

	n, writeErr := writeTempFile(tmpPath, obj.Body)
	if writeErr != nil {
		return 0, errs.New(errs.KindFilesystem, tmpPath, writeErr)
	}

	if !etagsMatch(trimQuotes(obj.ETag), trimQuotes(e.ETag)) {
		os.Remove(tmpPath)

		return 0, errs.New(errs.KindEtagMismatch, e.Key,
			fmt.Errorf("downloaded etag %q does not match inventory etag %q", obj.ETag, e.ETag))
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)

		return 0, errs.New(errs.KindFilesystem, target, fmt.Errorf("renaming into place: %w", err))
	}

	p.logger.Debug("placed object", slog.String("key", e.Key), slog.String("bytes", humanize.Bytes(uint64(n))))

	return n, nil
}

func classifyGetErr(e inventory.Entry, err error) error {
	// Defense in depth: placeOldVersion already skips known delete markers
	// before ever calling GetObject, but if the object store still reports
	// one back (405 MethodNotAllowed), treat it as a recoverable missing-
	// version condition instead of an opaque transport failure.
	if objectstore.IsDeleteMarkerGet(err) {
		return errs.New(errs.KindMissingOldVersion, e.Key, fmt.Errorf("GET returned a delete marker: %w", err))
	}

	if errs.Classify(err) == errs.KindMissingLatestVersion && e.HasVersionID && !e.IsLatest {
		return errs.New(errs.KindMissingOldVersion, e.Key, err)
	}

	return err
}

func writeTempFile(path string, body io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:mnd // standard file perms
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	n, copyErr := io.Copy(f, body)
	if copyErr != nil {
		f.Close()
		os.Remove(path)

		return 0, fmt.Errorf("writing temp file: %w", copyErr)
	}

	if closeErr := f.Close(); closeErr != nil {
		os.Remove(path)

		return 0, fmt.Errorf("closing temp file: %w", closeErr)
	}

	return n, nil
}

// repairAncestors implements spec.md §4.5 step 2 and the invariant in §3:
// any ancestor that exists as a file is deleted, and the target itself, if
// it currently exists as a directory, is recursively removed.
func repairAncestors(target string) error {
	info, err := os.Lstat(target)
	if err == nil && info.IsDir() {
		if rmErr := os.RemoveAll(target); rmErr != nil {
			return errs.New(errs.KindFilesystem, target, fmt.Errorf("removing directory occupying target: %w", rmErr))
		}
	}

	dir := filepath.Dir(target)
	for {
		info, statErr := os.Lstat(dir)
		if statErr != nil {
			break // doesn't exist yet — MkdirAll will create it
		}

		if !info.IsDir() {
			if rmErr := os.Remove(dir); rmErr != nil {
				return errs.New(errs.KindFilesystem, dir, fmt.Errorf("removing file occupying ancestor directory: %w", rmErr))
			}

			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return nil
}

func removeIfExists(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	if err := os.Remove(path); err != nil {
		return false, err
	}

	return true, nil
}

// sameVersion reports whether a recorded VersionEntry matches e's identity.
func sameVersion(ve VersionEntry, e inventory.Entry) bool {
	if ve.ETag != e.ETag {
		return false
	}

	if e.HasVersionID {
		return ve.VersionID != nil && *ve.VersionID == e.VersionID
	}

	return ve.VersionID == nil
}

// etagsMatch implements spec.md §9 open question #1: multipart (`-N`
// suffix) etags are compared as opaque equal strings; non-multipart etags
// are compared the same way since both sides are already plain MD5 hex.
func etagsMatch(got, want string) bool {
	return got == want
}

func trimQuotes(s string) string {
	return strings.Trim(s, `"`)
}

// withDirLock acquires the path lock for dir (spec.md §4.4: "the table also
// coordinates with the enclosing DirVersions update") before running fn.
func (p *Placer) withDirLock(ctx context.Context, dir string, fn func() error) error {
	key := strings.TrimSuffix(dir, "/")
	if key == "" {
		key = "."
	}

	release, err := p.locks.Lock(ctx, key)
	if err != nil {
		return errs.New(errs.KindInterrupted, key, err)
	}
	defer release()

	return fn()
}

func (p *Placer) dirVersionsPath(dir string) string {
	return filepath.Join(p.outDir, filepath.FromSlash(dir), VersionsFileName)
}

type dirVersions map[string]VersionEntry

// readVersionsSnapshot loads DirVersions for a skip check without holding
// any lock — used only as an optimistic pre-check; the authoritative update
// happens under the directory lock in updateVersions.
func readVersionsSnapshot(path string) dirVersions {
	v, err := loadVersions(path)
	if err != nil {
		return dirVersions{}
	}

	return v
}

func loadVersions(path string) (dirVersions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dirVersions{}, nil
		}

		return nil, err
	}

	v := make(dirVersions)
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return v, nil
}

// updateVersions loads path, applies mutate, and atomically rewrites it via
// temp+rename — the same load-modify-store shape as the teacher's ledger
// writes, generalized from a SQL transaction to a JSON file rewrite. An
// empty result after mutation removes the side-file entirely.
func updateVersions(path string, mutate func(dirVersions)) error {
	v, err := loadVersions(path)
	if err != nil {
		return errs.New(errs.KindFilesystem, path, fmt.Errorf("reading versions side-file: %w", err))
	}

	mutate(v)

	if len(v) == 0 {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return errs.New(errs.KindFilesystem, path, fmt.Errorf("removing empty versions side-file: %w", rmErr))
		}

		return nil
	}

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.New(errs.KindFilesystem, path, fmt.Errorf("encoding versions side-file: %w", err))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:mnd // standard dir perms
		return errs.New(errs.KindFilesystem, path, fmt.Errorf("creating directory for versions side-file: %w", err))
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".s3invsync.tmp.%s", uuid.NewString()))
	if err := os.WriteFile(tmp, raw, 0o644); err != nil { //nolint:mnd // standard file perms
		return errs.New(errs.KindFilesystem, tmp, fmt.Errorf("writing versions side-file: %w", err))
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return errs.New(errs.KindFilesystem, path, fmt.Errorf("renaming versions side-file into place: %w", err))
	}

	return nil
}
