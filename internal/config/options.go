// Package config holds the CLI-derived Options for a single s3invsync run.
// There is no persistent config file (spec.md §6 defines a pure flag/arg
// surface); Options is built once from cobra flags and validated before
// the orchestrator starts, the way the teacher's internal/config package
// validates a resolved drive before a sync cycle begins.
package config

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

// defaultMaxJobs caps the concurrency default even on very large machines,
// matching spec.md §6's "min(CPUs, 20)".
const defaultMaxJobs = 20

// Options is the fully-validated set of run parameters for one invocation.
type Options struct {
	Bucket   string // parsed from <inventory-base>
	Prefix   string // parsed from <inventory-base>, always ends in "/"
	OutDir   string // empty only when ListDates is set

	DateSelector       string // "" (latest), "YYYY-MM-DD", or "YYYY-MM-DDTHH-MMZ"
	Jobs               int
	PathFilter         *regexp.Regexp
	CompressFilterMsgs int
	LogLevel           string
	TraceProgress      bool
	ListDates          bool
	OkErrors           OkErrorSet
	AllowNewNonempty   bool
	RequireLastSuccess bool
}

// OkErrorSet records which downgradable error kinds the operator opted into
// treating as non-fatal, via --ok-errors.
type OkErrorSet map[errs.Kind]bool

// Downgrades reports whether kind should be logged as a warning instead of
// aborting the run.
func (s OkErrorSet) Downgrades(kind errs.Kind) bool {
	return s != nil && s[kind]
}

// ParseOkErrors parses a comma-separated --ok-errors value into a set.
// "all" expands to every downgradable kind (SPEC_FULL.md §10).
func ParseOkErrors(raw string) (OkErrorSet, error) {
	set := make(OkErrorSet)

	if strings.TrimSpace(raw) == "" {
		return set, nil
	}

	downgradable := []errs.Kind{errs.KindAccessDenied, errs.KindInvalidEntry, errs.KindMissingOldVersion}

	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		if tok == "all" {
			for _, k := range downgradable {
				set[k] = true
			}

			continue
		}

		kind, ok := lookupFlagName(downgradable, tok)
		if !ok {
			return nil, errs.New(errs.KindConfiguration, "", fmt.Errorf("unknown --ok-errors token %q", tok))
		}

		set[kind] = true
	}

	return set, nil
}

func lookupFlagName(kinds []errs.Kind, name string) (errs.Kind, bool) {
	for _, k := range kinds {
		if k.FlagName() == name {
			return k, true
		}
	}

	return errs.KindUnknown, false
}

// ParseInventoryBase splits "s3://{bucket}/{prefix}/" into bucket and prefix,
// per spec.md §6. The prefix always ends with "/" on return.
func ParseInventoryBase(raw string) (bucket, prefix string, err error) {
	const schemePrefix = "s3://"

	if !strings.HasPrefix(raw, schemePrefix) {
		return "", "", errs.New(errs.KindConfiguration, raw,
			fmt.Errorf("inventory-base must start with %q", schemePrefix))
	}

	rest := raw[len(schemePrefix):]

	slash := strings.IndexByte(rest, '/')
	if slash < 0 || slash == 0 {
		return "", "", errs.New(errs.KindConfiguration, raw,
			fmt.Errorf("inventory-base must match s3://{bucket}/{prefix}/"))
	}

	bucket = rest[:slash]
	prefix = rest[slash+1:]

	if prefix == "" {
		return "", "", errs.New(errs.KindConfiguration, raw, fmt.Errorf("inventory-base prefix must be non-empty"))
	}

	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return bucket, prefix, nil
}

// DefaultJobs mirrors spec.md §6: min(logical-cpu-count, 20).
func DefaultJobs() int {
	n := runtime.NumCPU()
	if n > defaultMaxJobs {
		return defaultMaxJobs
	}

	if n < 1 {
		return 1
	}

	return n
}

// Validate checks cross-field invariants not already enforced by the flag
// parser (e.g. outdir required unless --list-dates).
func (o *Options) Validate() error {
	if !o.ListDates && o.OutDir == "" {
		return errs.New(errs.KindConfiguration, "", fmt.Errorf("outdir is required unless --list-dates is set"))
	}

	if o.Jobs < 1 {
		return errs.New(errs.KindConfiguration, "", fmt.Errorf("--jobs must be >= 1, got %d", o.Jobs))
	}

	if o.CompressFilterMsgs < 0 {
		return errs.New(errs.KindConfiguration, "",
			fmt.Errorf("--compress-filter-msgs must be >= 0, got %d", o.CompressFilterMsgs))
	}

	switch strings.ToUpper(o.LogLevel) {
	case "ERROR", "WARN", "INFO", "DEBUG", "TRACE":
	default:
		return errs.New(errs.KindConfiguration, "", fmt.Errorf("unknown --log-level %q", o.LogLevel))
	}

	return nil
}
