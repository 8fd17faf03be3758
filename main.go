package main

import (
	"fmt"
	"os"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

// Exit codes (spec.md §6): 0 success, 1 fatal error during the run, 2
// pre-flight misuse (argument parsing, unfamiliar output directory, and
// other conditions caught before the orchestrator starts).
const (
	exitOK        = 0
	exitFatal     = 1
	exitPreflight = 2
)

func main() {
	cmd := newRootCmd()

	err := cmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}

	fmt.Fprintf(os.Stderr, "s3invsync: %v\n", err)
	os.Exit(exitCodeFor(err))
}

// exitCodeFor maps a run's terminal error to spec.md §6's exit code scale.
// Configuration errors and the two state pre-flight gates are caught before
// any object is downloaded, so they get the distinct pre-flight code; every
// other taxonomy kind reflects a failure that happened mid-run.
func exitCodeFor(err error) int {
	switch errs.Classify(err) {
	case errs.KindConfiguration, errs.KindUnfamiliarOutputDir, errs.KindStalePriorRun:
		return exitPreflight
	default:
		return exitFatal
	}
}
