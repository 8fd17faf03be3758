package main

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/s3invsync/internal/config"
	"github.com/tonimelisma/s3invsync/internal/errs"
	"github.com/tonimelisma/s3invsync/internal/inventory"
	"github.com/tonimelisma/s3invsync/internal/objectstore"
	"github.com/tonimelisma/s3invsync/internal/orchestrator"
	"github.com/tonimelisma/s3invsync/internal/pathpolicy"
	"github.com/tonimelisma/s3invsync/internal/placer"
	"github.com/tonimelisma/s3invsync/internal/reconcile"
	"github.com/tonimelisma/s3invsync/internal/state"
	"github.com/tonimelisma/s3invsync/internal/synclock"
)

// version is set at build time via ldflags.
var version = "dev"

// levelTrace sits one notch below slog.LevelDebug, matching spec.md §6's
// five-level scale (ERROR/WARN/INFO/DEBUG/TRACE); slog has no native TRACE.
const levelTrace = slog.LevelDebug - 4

// Flags, bound in newRootCmd().
var (
	flagDate               string
	flagJobs               int
	flagPathFilter         string
	flagCompressFilterMsgs int
	flagLogLevel           string
	flagTraceProgress      bool
	flagListDates          bool
	flagOkErrors           string
	flagAllowNewNonempty   bool
	flagRequireLastSuccess bool
)

// newRootCmd builds the single s3invsync command: `s3invsync [options]
// <inventory-base> [<outdir>]` (spec.md §6). There are no subcommands — the
// whole tool is one batch run driven by an inventory snapshot.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "s3invsync <inventory-base> [<outdir>]",
		Short:   "One-way local mirror of a versioned S3 bucket, driven by inventory reports",
		Version: version,
		Args: func(c *cobra.Command, args []string) error {
			if err := cobra.RangeArgs(1, 2)(c, args); err != nil {
				return errs.New(errs.KindConfiguration, "", err)
			}

			return nil
		},
		// Silence Cobra's own error/usage printing — exit codes and
		// messages are handled by main() via the errs taxonomy.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runRoot,
	}

	cmd.Flags().StringVarP(&flagDate, "date", "d", "", "select snapshot by YYYY-MM-DD or YYYY-MM-DDTHH-MMZ (default: latest)")
	cmd.Flags().IntVarP(&flagJobs, "jobs", "J", config.DefaultJobs(), "global concurrency cap")
	cmd.Flags().StringVar(&flagPathFilter, "path-filter", "", "regex a key must match to be processed")
	cmd.Flags().IntVar(&flagCompressFilterMsgs, "compress-filter-msgs", 1, "log every N filter-skips instead of each")
	cmd.Flags().StringVarP(&flagLogLevel, "log-level", "l", "DEBUG", "ERROR, WARN, INFO, DEBUG, or TRACE")
	cmd.Flags().BoolVar(&flagTraceProgress, "trace-progress", false, "emit per-object progress at TRACE")
	cmd.Flags().BoolVar(&flagListDates, "list-dates", false, "print available snapshot timestamps and exit")
	cmd.Flags().StringVar(&flagOkErrors, "ok-errors", "", "comma list of {access-denied,invalid-entry,missing-old-version,all} to downgrade to warnings")
	cmd.Flags().BoolVar(&flagAllowNewNonempty, "allow-new-nonempty", false, "allow running into a non-empty outdir with no prior state file")
	cmd.Flags().BoolVar(&flagRequireLastSuccess, "require-last-success", false, "fail immediately unless the prior run ended successfully")

	// Flag parse errors are pre-flight misuse, mapped to the pre-flight exit code.
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errs.New(errs.KindConfiguration, "", err)
	})

	return cmd
}

// buildLogger constructs the run's slog.Logger per --log-level. Output goes
// to a plain text handler when stderr is a terminal, and a JSON handler
// otherwise — the same isatty-gated choice the teacher's CLI would make,
// generalized here since this tool has no separate --json flag of its own.
func buildLogger(levelName string) (*slog.Logger, error) {
	level, err := parseLogLevel(levelName)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "ERROR":
		return slog.LevelError, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "TRACE":
		return levelTrace, nil
	default:
		return 0, fmt.Errorf("unknown --log-level %q", name)
	}
}

// runRoot is the single command's entire lifecycle: parse/validate options,
// resolve a manifest, run the orchestrator, sweep, and commit state
// (spec.md §4.8's startup sequence).
func runRoot(cmd *cobra.Command, args []string) error {
	opts, err := optionsFromFlags(args)
	if err != nil {
		return err
	}

	logger, err := buildLogger(opts.LogLevel)
	if err != nil {
		return errs.New(errs.KindConfiguration, "", err)
	}

	ctx := shutdownContext(cmd.Context(), logger)

	store, err := objectstore.New(ctx, logger)
	if err != nil {
		return errs.New(errs.KindTransport, "", fmt.Errorf("initializing object store client: %w", err))
	}

	locator := inventory.NewLocator(store, store, opts.Bucket, opts.Prefix, logger)

	if opts.ListDates {
		dates, err := locator.ListDates(ctx)
		if err != nil {
			return err
		}

		for _, d := range dates {
			fmt.Fprintln(cmd.OutOrStdout(), d)
		}

		return nil
	}

	runStart := time.Now().UTC()

	mgr := state.New(opts.OutDir, logger)

	prior, err := mgr.Load()
	if err != nil {
		return err
	}

	if err := state.Check(opts.OutDir, prior, opts.AllowNewNonempty, opts.RequireLastSuccess, runStart); err != nil {
		return err
	}

	manifest, err := locator.Resolve(ctx, opts.DateSelector)
	if err != nil {
		return err
	}

	if err := mgr.WriteStarted(runStart, prior); err != nil {
		return err
	}

	policy := pathpolicy.New(opts.PathFilter, opts.CompressFilterMsgs, logger)
	locks := synclock.New()
	p := placer.New(store, locks, opts.OutDir, manifest.SourceBucket, logger)
	orc := orchestrator.New(store, policy, p, manifest.SourceBucket, opts.Jobs, opts.OkErrors, opts.TraceProgress, logger)

	summary, runErr := orc.Run(ctx, manifest)
	logger.Info("pipeline finished", slog.String("summary", summary.String()))

	if runErr != nil {
		return runErr
	}

	sweeper := reconcile.New(opts.OutDir, logger)

	result, err := sweeper.Sweep(ctx, orc.ExpectedPaths())
	if err != nil {
		return err
	}

	logger.Info("reconciliation swept stale paths",
		slog.Int("files_removed", result.FilesRemoved),
		slog.Int("dirs_removed", result.DirsRemoved),
	)

	if err := mgr.WriteSuccess(runStart, time.Now().UTC()); err != nil {
		return err
	}

	return nil
}

// optionsFromFlags assembles and validates config.Options from the parsed
// flags and positional args (spec.md §6).
func optionsFromFlags(args []string) (*config.Options, error) {
	bucket, prefix, err := config.ParseInventoryBase(args[0])
	if err != nil {
		return nil, err
	}

	var outDir string
	if len(args) == 2 {
		outDir = args[1]
	}

	var pathFilter *regexp.Regexp
	if flagPathFilter != "" {
		pathFilter, err = regexp.Compile(flagPathFilter)
		if err != nil {
			return nil, errs.New(errs.KindConfiguration, flagPathFilter, fmt.Errorf("invalid --path-filter: %w", err))
		}
	}

	okErrors, err := config.ParseOkErrors(flagOkErrors)
	if err != nil {
		return nil, err
	}

	opts := &config.Options{
		Bucket:             bucket,
		Prefix:             prefix,
		OutDir:             outDir,
		DateSelector:       flagDate,
		Jobs:               flagJobs,
		PathFilter:         pathFilter,
		CompressFilterMsgs: flagCompressFilterMsgs,
		LogLevel:           strings.ToUpper(flagLogLevel),
		TraceProgress:      flagTraceProgress,
		ListDates:          flagListDates,
		OkErrors:           okErrors,
		AllowNewNonempty:   flagAllowNewNonempty,
		RequireLastSuccess: flagRequireLastSuccess,
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return opts, nil
}
