package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zboralski/sbtrace/internal/config"
	"github.com/zboralski/sbtrace/internal/log"
)

// sysexits(3)
const (
	exitUsage     = 64
	exitNoInput   = 66
	exitOSError   = 71
	preloadVar    = "DYLD_INSERT_LIBRARIES"
	libraryName   = "libsbtrace.dylib"
	libraryEnvVar = "SBTRACE_LIB"
)

// injector builds the environment that loads the tracer into a command.
type injector struct {
	lib  string
	vars map[string]string
}

// findLibrary returns the first existing candidate: the --lib flag,
// $SBTRACE_LIB, next to this executable, the working directory and
// /usr/local/lib.
func (inj *injector) findLibrary() (string, error) {
	if inj.lib != "" {
		if _, err := os.Stat(inj.lib); err != nil {
			return "", fmt.Errorf("%s: %w", inj.lib, err)
		}
		return filepath.Abs(inj.lib)
	}

	var candidates []string
	if p := os.Getenv(libraryEnvVar); p != "" {
		candidates = append(candidates, p)
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), libraryName))
	}
	candidates = append(candidates,
		filepath.Join(".", libraryName),
		filepath.Join("/usr/local/lib", libraryName),
	)
	for _, path := range candidates {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%s not found; build it with 'go build -buildmode=c-shared -o %s ./cmd/libsbtrace'", libraryName, libraryName)
}

// environ returns base with the preload library prepended to any existing
// preload list and the tracer variables set.
func (inj *injector) environ(base []string, lib string) []string {
	out := make([]string, 0, len(base)+len(inj.vars)+1)
	preload := lib
	for _, kv := range base {
		name, value, _ := strings.Cut(kv, "=")
		if name == preloadVar {
			if value != "" {
				preload = lib + ":" + value
			}
			continue
		}
		if _, ok := inj.vars[name]; ok {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, preloadVar+"="+preload)

	names := make([]string, 0, len(inj.vars))
	for name := range inj.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, name+"="+inj.vars[name])
	}
	return out
}

func newRunCmd() *cobra.Command {
	inj := &injector{vars: map[string]string{}}
	flags := []struct {
		name, env, usage string
	}{
		{"mode", config.EnvMode, "strategy: dynamic, patch, hw_breakpoint (default triage only)"},
		{"trace", config.EnvTraceOut, "trace output path"},
		{"triage", config.EnvTriageOut, "triage output path"},
		{"input", config.EnvInput, "input label recorded with each call"},
		{"addr", config.EnvAddr, "explicit runtime address of the target"},
		{"unslid", config.EnvUnslid, "unslid address of the target"},
		{"offset", config.EnvOffset, "offset of the target from the library base"},
		{"uuid", config.EnvUUIDExpected, "expected LC_UUID of the library"},
		{"sandbox-path", config.EnvSandboxPath, "path of the hosting library"},
		{"symbol", config.EnvSymbol, "target symbol name"},
	}
	values := make([]string, len(flags))
	var debug bool

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a command with the tracer preloaded",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return exitf(exitUsage, "no command given")
			}
			for i, f := range flags {
				if values[i] != "" {
					inj.vars[f.env] = values[i]
				}
			}
			if debug {
				inj.vars[config.EnvDebug] = "1"
			}

			lib, err := inj.findLibrary()
			if err != nil {
				return &exitError{code: exitNoInput, err: err}
			}
			path, err := exec.LookPath(args[0])
			if err != nil {
				return &exitError{code: exitOSError, err: err}
			}
			env := inj.environ(os.Environ(), lib)
			log.L.Debug("exec", zap.String("path", path), zap.String("lib", lib), zap.Strings("args", args[1:]))
			if err := unix.Exec(path, args, env); err != nil {
				return exitf(exitOSError, "exec %s: %w", path, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&inj.lib, "lib", "", "path to "+libraryName)
	for i, f := range flags {
		cmd.Flags().StringVar(&values[i], f.name, "", f.usage+" ("+f.env+")")
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "engine debug logging ("+config.EnvDebug+")")
	return cmd
}
