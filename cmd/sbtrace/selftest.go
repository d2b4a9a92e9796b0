package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/sbtrace/internal/config"
	"github.com/zboralski/sbtrace/internal/emulator"
	"github.com/zboralski/sbtrace/internal/engine"
	"github.com/zboralski/sbtrace/internal/log"
	"github.com/zboralski/sbtrace/internal/trace"
	"github.com/zboralski/sbtrace/internal/triage"
)

var defaultCalls = []string{"(version 1)", "(allow default)", "(deny file-write*)"}

// selftest attaches the engine to an emulated libsandbox and checks that
// every call to the write routine is both recorded and still performed.
type selftest struct {
	arch   string
	mode   string
	locate string
	calls  []string
	dir    string
	input  string
}

type selftestResult struct {
	report  *triage.Report
	records []trace.Record
	written string
}

func hostArch() string {
	if runtime.GOARCH == "amd64" {
		return "x86_64"
	}
	return "arm64"
}

func (st *selftest) env(img *emulator.Image, id uuid.UUID) (map[string]string, error) {
	env := map[string]string{
		config.EnvMode:      st.mode,
		config.EnvTraceOut:  filepath.Join(st.dir, "trace.jsonl"),
		config.EnvTriageOut: filepath.Join(st.dir, "triage.json"),
		config.EnvInput:     st.input,
	}
	switch st.locate {
	case "export":
	case "addr":
		env[config.EnvAddr] = fmt.Sprintf("%#x", img.Write)
	case "unslid":
		env[config.EnvUnslid] = fmt.Sprintf("%#x", img.Unslid(img.Write))
		env[config.EnvUUIDExpected] = id.String()
	case "offset":
		env[config.EnvOffset] = fmt.Sprintf("%#x", img.Write-img.Base)
	default:
		return nil, fmt.Errorf("unknown locate method %q", st.locate)
	}
	return env, nil
}

func (st *selftest) run() (*selftestResult, error) {
	emu, err := emulator.New(st.arch)
	if err != nil {
		return nil, err
	}
	defer emu.Close()

	id := uuid.New()
	img, err := emu.LoadImage(emulator.ImageSpec{
		Path:     config.DefaultSandboxPath,
		UUID:     id,
		Slide:    0x4000,
		Symbol:   config.DefaultSymbol,
		Exported: st.locate == "export",
	})
	if err != nil {
		return nil, err
	}
	env, err := st.env(img, id)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFrom(env)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(cfg, emulator.NewPlatform(emu), engine.WithLogger(log.L.WithCategory("selftest")))
	if err != nil {
		return nil, err
	}
	res := &selftestResult{report: eng.Attach()}

	buf := emu.Malloc(4096)
	var cursor uint64
	for _, call := range st.calls {
		data := emu.Malloc(uint64(len(call)) + 1)
		if err := emu.MemWrite(data, []byte(call)); err != nil {
			return nil, err
		}
		if _, err := emu.Invoke(img, buf, cursor, data, uint64(len(call))); err != nil {
			return nil, fmt.Errorf("call %q: %w", call, err)
		}
		cursor += uint64(len(call))
	}
	written, err := emu.MemRead(buf, cursor)
	if err != nil {
		return nil, err
	}
	res.written = string(written)

	if err := eng.Context().Close(); err != nil {
		return nil, err
	}
	f, err := os.Open(cfg.TraceOut)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		if res.records, err = trace.ReadAll(f); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// check compares the result with what a working hook must produce.
func (st *selftest) check(res *selftestResult) []string {
	var problems []string
	if want := strings.Join(st.calls, ""); res.written != want {
		problems = append(problems, fmt.Sprintf("buffer holds %q, want %q", res.written, want))
	}
	if res.report.HookStatus != triage.StatusOK {
		// Triage mode installs nothing, so an empty trace is correct.
		if st.mode != config.ModeTriage {
			problems = append(problems, fmt.Sprintf("hook_status %s: %s",
				res.report.HookStatus, triage.Value(res.report.HookError)))
		}
		return problems
	}
	if len(res.records) != len(st.calls) {
		return append(problems, fmt.Sprintf("%d records for %d calls", len(res.records), len(st.calls)))
	}
	var seq trace.Sequence
	var cursor uint64
	for i, rec := range res.records {
		if gap := seq.Check(rec); gap != "" {
			problems = append(problems, gap)
		}
		if err := rec.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
		if b, _ := rec.Bytes(); !bytes.Equal(b, []byte(st.calls[i])) {
			problems = append(problems, fmt.Sprintf("seq %d: payload %q, want %q", rec.Seq, b, st.calls[i]))
		}
		if rec.Cursor != cursor {
			problems = append(problems, fmt.Sprintf("seq %d: cursor %d, want %d", rec.Seq, rec.Cursor, cursor))
		}
		if rec.InputLabel() != st.input {
			problems = append(problems, fmt.Sprintf("seq %d: input %q, want %q", rec.Seq, rec.InputLabel(), st.input))
		}
		cursor += uint64(len(st.calls[i]))
	}
	return problems
}

func printSelftest(w io.Writer, res *selftestResult, problems []string) {
	printTriage(w, res.report)
	if len(res.records) > 0 {
		fmt.Fprintln(w)
		for _, rec := range res.records {
			fmt.Fprintln(w, formatRecord(rec))
		}
	}
	for _, p := range problems {
		fmt.Fprintln(w, p)
	}
}

func newSelftestCmd() *cobra.Command {
	st := &selftest{}
	var (
		keep   bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Attach to an emulated libsandbox and verify the trace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(st.calls) == 0 {
				return exitf(exitUsage, "--calls is empty")
			}
			if st.dir == "" {
				dir, err := os.MkdirTemp("", "sbtrace-selftest-")
				if err != nil {
					return err
				}
				if !keep {
					defer os.RemoveAll(dir)
				}
				st.dir = dir
			}
			log.L.Debug("selftest", zap.String("arch", st.arch), zap.String("mode", st.mode),
				zap.String("locate", st.locate), zap.String("dir", st.dir))

			res, err := st.run()
			if err != nil {
				return err
			}
			problems := st.check(res)
			if asJSON {
				b, err := triage.Marshal(res.report)
				if err != nil {
					return err
				}
				cmd.OutOrStdout().Write(b)
			} else {
				printSelftest(cmd.OutOrStdout(), res, problems)
			}
			if len(problems) > 0 {
				return fmt.Errorf("selftest failed: %d problems", len(problems))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&st.arch, "arch", hostArch(), "emulated architecture: arm64, x86_64")
	cmd.Flags().StringVar(&st.mode, "mode", config.ModePatch, "strategy to exercise")
	cmd.Flags().StringVar(&st.locate, "locate", "addr", "how the target is found: export, addr, unslid, offset")
	cmd.Flags().StringArrayVar(&st.calls, "calls", defaultCalls, "payloads written through the traced routine")
	cmd.Flags().StringVar(&st.input, "input", "selftest", "input label")
	cmd.Flags().StringVar(&st.dir, "out", "", "directory for trace.jsonl and triage.json (default temporary)")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the temporary directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the triage report as JSON")
	return cmd
}
