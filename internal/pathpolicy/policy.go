// Package pathpolicy canonicalizes inventory entries into local paths and
// classifies them (spec.md §4.3, component 4). Reserved-name rejection and
// the Unicode-normalized component split are grounded on the teacher's
// internal/sync/filter.go — isValidOneDriveName's reservedNames table and
// per-component validation loop — generalized from OneDrive's naming rules
// to this backup's own reserved `.s3invsync.` namespace.
package pathpolicy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/s3invsync/internal/errs"
	"github.com/tonimelisma/s3invsync/internal/inventory"
)

// ReservedPrefix is the backup's own side-file namespace (spec.md §3/§6):
// no object key may canonicalize into a path component starting with this.
const ReservedPrefix = ".s3invsync."

// reservedNames are OS-reserved device names rejected on any platform,
// case-insensitive, matching or without extension — the same check shape
// as the teacher's isValidOneDriveName, generalized to any reserved-name
// filesystem rather than OneDrive specifically.
var reservedNames = func() map[string]bool {
	names := map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
	}

	for i := 1; i <= 9; i++ {
		names[fmt.Sprintf("COM%d", i)] = true
		names[fmt.Sprintf("LPT%d", i)] = true
	}

	return names
}()

// Class is how an entry's target path is classified (spec.md §4.3 step 2).
type Class int

const (
	// ClassCurrentVersion: isLatest, non-delete. Target is outdir/LocalPath.
	ClassCurrentVersion Class = iota
	// ClassOldVersion: non-latest non-delete with a versionId. Target is
	// outdir/LocalPath.old.{versionId}.{etag}.
	ClassOldVersion
	// ClassDeleteMarkerLatest: isLatest delete marker. No current-version
	// file may exist at LocalPath; historical versions are kept.
	ClassDeleteMarkerLatest
)

func (c Class) String() string {
	switch c {
	case ClassCurrentVersion:
		return "current-version"
	case ClassOldVersion:
		return "old-version"
	case ClassDeleteMarkerLatest:
		return "delete-marker-latest"
	default:
		return "unknown"
	}
}

// Resolution is the computed placement target for one InventoryEntry.
type Resolution struct {
	LocalPath string // slash-separated, relative to outdir, normalized
	Class     Class
	// OldVersionSuffix is ".old.{versionId}.{etag}", set only when
	// Class == ClassOldVersion; the placer appends it to LocalPath's basename.
	OldVersionSuffix string
}

// TargetPath returns the path relative to outdir that the placer should
// write to, including the .old suffix where applicable.
func (r Resolution) TargetPath() string {
	return r.LocalPath + r.OldVersionSuffix
}

// Policy resolves entries and applies --path-filter, batching skip logs
// every CompressFilterMsgs entries (spec.md §4.3 step 3) the way the
// teacher batches nothing today but matchesSkipPattern's single-responsibility
// per-check shape generalizes directly to a single regex predicate here.
type Policy struct {
	filter             *regexp.Regexp
	compressFilterMsgs int
	logger             *slog.Logger

	mu             sync.Mutex
	filteredCount  int
	filteredPasses int
}

// New builds a Policy. filter may be nil (no --path-filter given, everything
// passes); compressFilterMsgs <= 1 logs every skip.
func New(filter *regexp.Regexp, compressFilterMsgs int, logger *slog.Logger) *Policy {
	return &Policy{filter: filter, compressFilterMsgs: compressFilterMsgs, logger: logger}
}

// Accepts applies --path-filter to the entry's original key. Non-matching
// keys are counted as filtered and batch-logged per CompressFilterMsgs.
func (p *Policy) Accepts(key string) bool {
	if p.filter == nil || p.filter.MatchString(key) {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.filteredCount++

	n := p.compressFilterMsgs
	if n < 1 {
		n = 1
	}

	if p.filteredCount%n == 0 {
		p.filteredPasses++
		p.logger.Debug("path-filter skipped entries",
			slog.Int("skipped_this_batch", n), slog.Int("skipped_total", p.filteredCount), slog.String("last_key", key))
	}

	return false
}

// FilteredCount returns the total number of entries rejected by --path-filter
// so far, for the final run summary.
func (p *Policy) FilteredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.filteredCount
}

// Resolve computes the LocalPath and Class for one entry (spec.md §4.3).
// Delete-marker-latest and classification-invalid results are returned
// alongside an error only for the classification-invalid case; callers must
// check Class for ClassDeleteMarkerLatest to suppress any current-version
// write, per the invariant in §4.3 step 2.
func Resolve(e inventory.Entry) (Resolution, error) {
	localPath, err := CanonicalLocalPath(e.Key)
	if err != nil {
		return Resolution{}, err
	}

	switch {
	case e.IsDeleteMarker && e.HasIsLatest && e.IsLatest:
		return Resolution{LocalPath: localPath, Class: ClassDeleteMarkerLatest}, nil

	case e.HasIsLatest && e.IsLatest:
		return Resolution{LocalPath: localPath, Class: ClassCurrentVersion}, nil

	case e.HasVersionID:
		return Resolution{
			LocalPath:        localPath,
			Class:            ClassOldVersion,
			OldVersionSuffix: fmt.Sprintf(".old.%s.%s", e.VersionID, e.ETag),
		}, nil

	default:
		// Non-latest, non-delete, no versionId: cannot distinguish from
		// latest (spec.md §4.3 step 2, "classify as InvalidEntry").
		return Resolution{}, errs.New(errs.KindInvalidEntry, e.Key,
			fmt.Errorf("non-latest entry has no versionId, cannot resolve placement"))
	}
}

// CanonicalLocalPath splits key on "/" and validates every component
// (spec.md §4.3 step 1), returning the normalized slash-separated path.
func CanonicalLocalPath(key string) (string, error) {
	if strings.ContainsRune(key, 0) {
		return "", errs.New(errs.KindInvalidEntry, key, fmt.Errorf("key contains a NUL byte"))
	}

	parts := strings.Split(key, "/")

	clean := make([]string, 0, len(parts))

	for i, comp := range parts {
		// A single trailing empty component (key ends in "/") is allowed —
		// directory placeholders are filtered upstream by IsDirPlaceholder,
		// but an entry can still reach here with a trailing slash key.
		if comp == "" {
			if i == len(parts)-1 {
				continue
			}

			return "", errs.New(errs.KindInvalidEntry, key, fmt.Errorf("key has an empty path component"))
		}

		if err := validateComponent(comp); err != nil {
			return "", errs.New(errs.KindInvalidEntry, key, err)
		}

		clean = append(clean, norm.NFC.String(comp))
	}

	if len(clean) == 0 {
		return "", errs.New(errs.KindInvalidEntry, key, fmt.Errorf("key canonicalizes to an empty path"))
	}

	return strings.Join(clean, "/"), nil
}

// validateComponent rejects ".", "..", the reserved `.s3invsync.` prefix,
// and OS-reserved device names — spec.md §4.3 step 1.
func validateComponent(comp string) error {
	if comp == "." || comp == ".." {
		return fmt.Errorf("path component %q is not allowed", comp)
	}

	if strings.HasPrefix(comp, ReservedPrefix) {
		return fmt.Errorf("path component %q collides with the reserved %q prefix", comp, ReservedPrefix)
	}

	upper := strings.ToUpper(comp)
	baseName := upper

	if dot := strings.IndexByte(upper, '.'); dot >= 0 {
		baseName = upper[:dot]
	}

	if reservedNames[baseName] {
		return fmt.Errorf("path component %q is a reserved name", comp)
	}

	return nil
}
