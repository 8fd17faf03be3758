// Package state implements the root state-file manager (spec.md §4.8,
// component 9): `.s3invsync.state.json` load/write and the pre-run safety
// checks (UnfamiliarOutputDirectory, --require-last-success).
//
// Grounded on the teacher's internal/sync/state.go for the load-then-commit
// shape (open, validate, write-on-success) and its closeStatements idiom of
// collecting rather than short-circuiting on non-essential errors — but
// generalized from its SQLite-backed multi-table store down to the single
// small JSON document spec.md §6 mandates, since that format is an explicit
// protocol requirement rather than an implementation choice.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

// FileName is the root-level state side-file spec.md §6 mandates.
const FileName = ".s3invsync.state.json"

// fileFormat mirrors the on-wire JSON shape exactly (spec.md §6).
type fileFormat struct {
	Started     time.Time  `json:"started"`
	LastSuccess *time.Time `json:"last_success"`
}

// State is the parsed contents of the root state file.
type State struct {
	Started     time.Time
	LastSuccess *time.Time
}

// Manager owns the root state file for one outdir.
type Manager struct {
	path   string
	logger *slog.Logger
}

// New builds a Manager for outdir's state file.
func New(outDir string, logger *slog.Logger) *Manager {
	return &Manager{path: filepath.Join(outDir, FileName), logger: logger}
}

// Load reads the state file, returning a zero-value State (not an error) if
// it doesn't exist yet — the same "absent means not recognized" as
// Check's precondition reasoning.
func (m *Manager) Load() (*State, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}

		return nil, errs.New(errs.KindFilesystem, m.path, fmt.Errorf("reading state file: %w", err))
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, errs.New(errs.KindFilesystem, m.path, fmt.Errorf("parsing state file: %w", err))
	}

	return &State{Started: ff.Started, LastSuccess: ff.LastSuccess}, nil
}

// Check enforces spec.md §4.8's startup preconditions against outdir and the
// loaded state, given the operator's --allow-new-nonempty and
// --require-last-success opt-ins. runStart is the timestamp this run will
// record as "started".
func Check(outDir string, st *State, allowNewNonempty, requireLastSuccess bool, runStart time.Time) error {
	empty, err := dirIsEmptyOrMissing(outDir)
	if err != nil {
		return errs.New(errs.KindFilesystem, outDir, err)
	}

	if !empty {
		hasState, err := fileExists(filepath.Join(outDir, FileName))
		if err != nil {
			return errs.New(errs.KindFilesystem, outDir, err)
		}

		if !hasState && !allowNewNonempty {
			return errs.New(errs.KindUnfamiliarOutputDir, outDir,
				fmt.Errorf("outdir is non-empty and has no %s; pass --allow-new-nonempty to proceed anyway", FileName))
		}
	}

	if requireLastSuccess {
		// A genuine prior success records last_success no earlier than the
		// run it belongs to started (st.Started) — that run's own clock,
		// not this run's runStart, which every real last_success predates.
		if st.LastSuccess == nil || st.LastSuccess.Before(st.Started) {
			return errs.New(errs.KindStalePriorRun, outDir,
				fmt.Errorf("--require-last-success set but no successful prior run is recorded"))
		}
	}

	return nil
}

// WriteStarted persists runStart as "started", preserving any existing
// last_success, before any downloading begins (spec.md §4.8).
func (m *Manager) WriteStarted(runStart time.Time, st *State) error {
	return m.write(fileFormat{Started: runStart, LastSuccess: st.LastSuccess})
}

// WriteSuccess persists successEnd as "last_success", alongside the
// already-recorded "started", once a run completes without a fatal error
// (spec.md §4.8, §8 invariant: last_success increases monotonically).
func (m *Manager) WriteSuccess(runStart, successEnd time.Time) error {
	return m.write(fileFormat{Started: runStart, LastSuccess: &successEnd})
}

// write atomically rewrites the state file via a temp-file-then-rename,
// the same idiom internal/placer uses for its per-directory side-file.
func (m *Manager) write(ff fileFormat) error {
	raw, err := json.Marshal(ff)
	if err != nil {
		return errs.New(errs.KindFilesystem, m.path, fmt.Errorf("encoding state file: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return errs.New(errs.KindFilesystem, m.path, fmt.Errorf("creating outdir: %w", err))
	}

	tmp := filepath.Join(filepath.Dir(m.path), fmt.Sprintf(".s3invsync.tmp.%s", uuid.NewString()))

	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errs.New(errs.KindFilesystem, m.path, fmt.Errorf("writing temp state file: %w", err))
	}

	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup, rename error is already being returned

		return errs.New(errs.KindFilesystem, m.path, fmt.Errorf("renaming state file into place: %w", err))
	}

	m.logger.Debug("wrote state file", slog.String("path", m.path))

	return nil
}

func dirIsEmptyOrMissing(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}

		return false, err
	}

	return len(entries) == 0, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}
