package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/spf13/cobra"

	"github.com/zboralski/sbtrace/internal/config"
	"github.com/zboralski/sbtrace/internal/ui/colorize"
)

// imageInfo is what the tracer needs to locate a non-exported symbol in a
// specific build of the library.
type imageInfo struct {
	Arch   string
	UUID   string
	Base   uint64
	Symbol string
	Unslid uint64
}

// Offset is the symbol's distance from the image base.
func (ii imageInfo) Offset() uint64 { return ii.Unslid - ii.Base }

func openImage(path, arch string) (*macho.File, error) {
	fat, err := macho.OpenFat(path)
	if err != nil {
		if !errors.Is(err, macho.ErrNotFat) {
			return nil, err
		}
		return macho.Open(path)
	}
	if arch == "" {
		var archs []string
		for _, a := range fat.Arches {
			archs = append(archs, strings.ToLower(a.SubCPU.String(a.CPU)))
		}
		return nil, fmt.Errorf("%s is universal; pick one with --arch (%s)", path, strings.Join(archs, ", "))
	}
	for _, a := range fat.Arches {
		if strings.EqualFold(a.SubCPU.String(a.CPU), arch) {
			return a.File, nil
		}
	}
	return nil, fmt.Errorf("%s has no %s slice", path, arch)
}

func inspectImage(m *macho.File, symbol string) (imageInfo, error) {
	ii := imageInfo{
		Arch:   strings.ToLower(m.SubCPU.String(m.CPU)),
		Base:   m.GetBaseAddress(),
		Symbol: symbol,
	}
	if u := m.UUID(); u != nil {
		ii.UUID = u.UUID.String()
	}
	if m.Symtab == nil {
		return ii, fmt.Errorf("image has no symbol table")
	}
	addr, err := m.FindSymbolAddress(symbol)
	if err != nil {
		return ii, fmt.Errorf("%s: %w", symbol, err)
	}
	ii.Unslid = addr
	return ii, nil
}

func printImage(w io.Writer, ii imageInfo, envOnly bool) {
	if !envOnly {
		fmt.Fprintf(w, "%s %s\n", colorize.Border("──"), colorize.Header(ii.Symbol))
		fmt.Fprintf(w, "  %s %s\n", colorize.Detail(fmt.Sprintf("%-8s", "arch")), ii.Arch)
		fmt.Fprintf(w, "  %s %s\n", colorize.Detail(fmt.Sprintf("%-8s", "uuid")), ii.UUID)
		fmt.Fprintf(w, "  %s %s\n", colorize.Detail(fmt.Sprintf("%-8s", "base")), colorize.Address(ii.Base))
		fmt.Fprintf(w, "  %s %s\n", colorize.Detail(fmt.Sprintf("%-8s", "unslid")), colorize.Address(ii.Unslid))
		fmt.Fprintf(w, "  %s %s\n", colorize.Detail(fmt.Sprintf("%-8s", "offset")), colorize.Address(ii.Offset()))
	}
	if ii.UUID != "" {
		fmt.Fprintf(w, "%s=%s\n", config.EnvUUIDExpected, ii.UUID)
	}
	fmt.Fprintf(w, "%s=%#x\n", config.EnvUnslid, ii.Unslid)
}

func newImageCmd() *cobra.Command {
	var (
		symbol  string
		arch    string
		envOnly bool
	)
	cmd := &cobra.Command{
		Use:   "image [path]",
		Short: "Print the UUID and unslid address of the target in a library",
		Long: `Reads LC_UUID and the symbol table of a Mach-O library and prints the
environment that pins the tracer to that build. Defaults to ` + config.DefaultSandboxPath + `.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultSandboxPath
			if len(args) == 1 {
				path = args[0]
			}
			m, err := openImage(path, arch)
			if err != nil {
				return &exitError{code: exitNoInput, err: err}
			}
			ii, err := inspectImage(m, symbol)
			if err != nil {
				return err
			}
			printImage(cmd.OutOrStdout(), ii, envOnly)
			return nil
		},
	}
	cmd.Flags().StringVarP(&symbol, "symbol", "s", config.DefaultSymbol, "symbol to locate")
	cmd.Flags().StringVarP(&arch, "arch", "a", "", "slice of a universal binary")
	cmd.Flags().BoolVar(&envOnly, "env", false, "print only the environment assignments")
	return cmd
}
