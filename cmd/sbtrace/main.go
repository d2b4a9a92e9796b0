package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zboralski/sbtrace/internal/log"
	"github.com/zboralski/sbtrace/internal/ui/colorize"
)

var verbose bool

// exitError carries a specific process exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sbtrace",
		Short: "Trace the sandbox policy compiler's buffer writes",
		Long: `sbtrace records every call the sandbox policy compiler makes to its
internal buffer-write routine, in any process that compiles a profile.

The tracer is a preload library (libsbtrace.dylib). It resolves the routine
inside libsandbox, installs one of three interception strategies and appends
one JSON line per call to SBPL_TRACE_OUT. A one-shot triage report written to
SBPL_TRACE_TRIAGE_OUT describes exactly what was attempted.

Examples:
  sbtrace run --mode patch --trace out.jsonl -- ./compile profile.sb
  sbtrace trace out.jsonl --filter 'rec.len > 8'
  sbtrace triage triage.json
  sbtrace image /usr/lib/libsandbox.1.dylib --symbol _sb_mutable_buffer_write
  sbtrace selftest --arch x86_64`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Init(verbose)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")

	rootCmd.AddCommand(
		newRunCmd(),
		newTraceCmd(),
		newViewCmd(),
		newTriageCmd(),
		newImageCmd(),
		newSelftestCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error("sbtrace: "+err.Error()))
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
