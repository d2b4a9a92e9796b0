package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// lexerFor picks an assembly lexer for arch, falling back to anything that
// tokenises assembly.
func lexerFor(arch string) chroma.Lexer {
	candidates := []string{"armasm", "gas", "nasm"}
	if arch == "x86_64" {
		candidates = []string{"nasm", "gas"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func disasmStyle() *chroma.Style {
	for _, name := range []string{StyleName, "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("SBTRACE_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes one disassembled instruction of arch.
func Instruction(arch, insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := lexerFor(arch)
	if lexer == nil {
		return insn
	}
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, disasmStyle(), iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats an address in yellow
func Address(addr uint64) string {
	return rgb(255, 200, 0, fmt.Sprintf("%#x", addr))
}

// HexBytes formats raw bytes in light gray
func HexBytes(s string) string { return rgb(180, 180, 180, s) }

// Detail formats labels and secondary text in light gray
func Detail(s string) string { return rgb(180, 180, 180, s) }

// Border formats separators in dark gray
func Border(s string) string { return rgb(80, 80, 80, s) }

// Header formats section headers in blue
func Header(s string) string { return rgb(86, 156, 214, s) }

// Error formats error messages in pink
func Error(s string) string { return rgb(255, 128, 192, s) }

// String formats quoted payloads in pink/magenta
func String(s string) string { return rgb(255, 128, 192, s) }

// Status colors a hook status: green when installed, yellow when skipped,
// pink on failure.
func Status(s string) string {
	switch {
	case s == "ok":
		return rgb(120, 220, 120, s)
	case strings.HasPrefix(s, "skipped"):
		return rgb(255, 200, 0, s)
	default:
		return Error(s)
	}
}

// Bool renders a flag as a check or a cross.
func Bool(ok bool) string {
	if ok {
		return rgb(120, 220, 120, "yes")
	}
	return Detail("no")
}
