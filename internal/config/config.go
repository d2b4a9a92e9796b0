// Package config reads the engine's settings from the environment of the
// host process.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v8"

	"github.com/zboralski/sbtrace/internal/resolve"
)

// Modes accepted by SBPL_TRACE_MODE. Any other value installs nothing.
const (
	ModeTriage       = "triage"
	ModeDynamic      = "dynamic"
	ModePatch        = "patch"
	ModeHWBreakpoint = "hw_breakpoint"
)

const (
	DefaultSandboxPath = "/usr/lib/libsandbox.1.dylib"
	DefaultSymbol      = "_sb_mutable_buffer_write"
)

// Variable names.
const (
	EnvTraceOut     = "SBPL_TRACE_OUT"
	EnvTriageOut    = "SBPL_TRACE_TRIAGE_OUT"
	EnvInput        = "SBPL_TRACE_INPUT"
	EnvMode         = "SBPL_TRACE_MODE"
	EnvAddr         = "SBPL_WRITE_ADDR"
	EnvUnslid       = "SBPL_WRITE_UNSLID"
	EnvOffset       = "SBPL_WRITE_OFFSET"
	EnvUUIDExpected = "SBPL_WRITE_UUID_EXPECTED"
	EnvSandboxPath  = "SBPL_SANDBOX_PATH"
	EnvSymbol       = "SBPL_TRACE_SYMBOL"
	EnvDebug        = "SBPL_TRACE_DEBUG"
)

// Config is the engine configuration. Numeric values are kept as written
// and parsed on use so that a malformed value reads as absent.
type Config struct {
	TraceOut     string `env:"SBPL_TRACE_OUT"`
	TriageOut    string `env:"SBPL_TRACE_TRIAGE_OUT"`
	Input        string `env:"SBPL_TRACE_INPUT"`
	Mode         string `env:"SBPL_TRACE_MODE" envDefault:"triage"`
	Addr         string `env:"SBPL_WRITE_ADDR"`
	Unslid       string `env:"SBPL_WRITE_UNSLID"`
	Offset       string `env:"SBPL_WRITE_OFFSET"`
	UUIDExpected string `env:"SBPL_WRITE_UUID_EXPECTED"`
	SandboxPath  string `env:"SBPL_SANDBOX_PATH" envDefault:"/usr/lib/libsandbox.1.dylib"`
	Symbol       string `env:"SBPL_TRACE_SYMBOL" envDefault:"_sb_mutable_buffer_write"`
	Debug        bool   `env:"SBPL_TRACE_DEBUG"`

	// InputSet distinguishes an empty label from no label.
	InputSet bool
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(environ())
}

// LoadFrom reads an explicit environment. The returned Config is usable
// even when err is non-nil: fields that failed to parse keep defaults.
func LoadFrom(vars map[string]string) (*Config, error) {
	cfg := &Config{}
	err := env.ParseWithOptions(cfg, env.Options{Environment: vars})
	_, cfg.InputSet = vars[EnvInput]
	if cfg.Mode == "" {
		cfg.Mode = ModeTriage
	}
	if cfg.SandboxPath == "" {
		cfg.SandboxPath = DefaultSandboxPath
	}
	if cfg.Symbol == "" {
		cfg.Symbol = DefaultSymbol
	}
	return cfg, err
}

func environ() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// InputLabel returns the input label, nil when the variable is unset.
func (c *Config) InputLabel() *string {
	if !c.InputSet {
		return nil
	}
	s := c.Input
	return &s
}

// Inputs returns the resolver inputs described by c.
func (c *Config) Inputs() resolve.Inputs {
	return resolve.Inputs{
		LibraryPath:  c.SandboxPath,
		Symbol:       c.Symbol,
		Addr:         optional(c.Addr),
		Unslid:       optional(c.Unslid),
		Offset:       optional(c.Offset),
		ExpectedUUID: c.UUIDExpected,
	}
}

func optional(s string) *uint64 {
	v, ok := ParseU64(s)
	if !ok {
		return nil
	}
	return &v
}

// ParseU64 parses s like strtoull with base 0: a 0x prefix selects hex, a
// leading 0 octal, anything else decimal. The whole string must be
// consumed.
func ParseU64(s string) (uint64, bool) {
	if s == "" || strings.ContainsRune(s, '_') {
		return 0, false
	}
	if len(s) > 1 && s[0] == '0' && s[1] >= '0' && s[1] <= '7' {
		v, err := strconv.ParseUint(s[1:], 8, 64)
		return v, err == nil
	}
	if len(s) > 1 && s[0] == '0' && (s[1] == 'o' || s[1] == 'O' || s[1] == 'b' || s[1] == 'B') {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 0, 64)
	return v, err == nil
}
