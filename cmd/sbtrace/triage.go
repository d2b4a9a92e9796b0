package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zboralski/sbtrace/internal/triage"
	"github.com/zboralski/sbtrace/internal/ui/colorize"
)

// triageYAML re-renders the report as YAML with the JSON key order.
func triageYAML(r *triage.Report) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil {
		return nil, err
	}
	plain(&node)
	return yaml.Marshal(&node)
}

// plain drops the flow and quoting styles inherited from JSON.
func plain(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		plain(c)
	}
}

func opt[T any](p *T) string {
	if p == nil {
		return colorize.Detail("-")
	}
	return fmt.Sprint(*p)
}

func printTriage(w io.Writer, r *triage.Report) {
	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", colorize.Detail(fmt.Sprintf("%-22s", label)), value)
	}
	section := func(title string) {
		fmt.Fprintf(w, "%s %s\n", colorize.Border("──"), colorize.Header(title))
	}

	section("hook")
	row("mode", r.Mode)
	row("arch", r.Arch)
	row("attempt", r.HookAttempt)
	row("status", colorize.Status(r.HookStatus))
	if r.HookError != nil {
		row("error", colorize.Error(*r.HookError))
	}

	section("target")
	row("sandbox path", opt(r.SandboxPath))
	row("loaded", fmt.Sprintf("%s (already %s)", colorize.Bool(r.SandboxLoaded), colorize.Bool(r.SandboxAlreadyLoaded)))
	row("symbol", opt(r.SandboxSymbol))
	row("exported", colorize.Bool(r.TargetExported))
	row("sandbox base", opt(r.SandboxBase))
	row("target addr", opt(r.TargetAddr))
	row("source", opt(r.TargetAddrSource))
	row("runtime addr", opt(r.TargetRuntimeAddr))
	row("interpose", colorize.Bool(r.DyldDynamicInterpose))

	if r.ImageName != nil || r.UUIDExpected != nil {
		section("image")
		row("name", opt(r.ImageName))
		row("index", opt(r.ImageIndex))
		row("slide", opt(r.ImageSlide))
		row("unslid addr", opt(r.UnslidAddr))
		row("uuid expected", opt(r.UUIDExpected))
		row("uuid loaded", opt(r.UUIDLoaded))
		if r.UUIDMatch != nil {
			row("uuid match", colorize.Bool(*r.UUIDMatch))
		}
	}

	if p := r.Patch; p != nil {
		section("patch")
		row("applied", colorize.Bool(p.PatchApplied))
		if p.PatchError != nil {
			row("error", colorize.Error(*p.PatchError))
		}
		row("stub size", fmt.Sprint(r.PatchStubSize))
		row("surface", opt(r.PatchSurface))
		row("pc-relative prologue", colorize.Bool(p.ProloguePCRelative))
		row("trampoline", opt(p.TrampolineAddr))
		row("mprotect", fmt.Sprintf("start %s end %s restore %s/%s",
			colorize.Bool(p.MprotectStartOK), colorize.Bool(p.MprotectEndOK),
			colorize.Bool(p.MprotectRestoreOK), colorize.Bool(p.MprotectRestoreEndOK)))
		if p.VMCopyAttempted {
			row("vm copy", fmt.Sprintf("start %s end %s restore %s/%s",
				colorize.Bool(p.VMCopyStartOK), colorize.Bool(p.VMCopyEndOK),
				colorize.Bool(p.VMCopyRestoreOK), colorize.Bool(p.VMCopyRestoreEndOK)))
		}
		row("icache", fmt.Sprintf("target %s trampoline %s",
			colorize.Bool(p.ICacheTarget), colorize.Bool(p.ICacheTrampoline)))
		printDisasm(w, r.Arch, "before", p.PatchPreBytes, p.PatchPreDisasm)
		printDisasm(w, r.Arch, "after", p.PatchPostBytes, p.PatchPostDisasm)

		rg := p.Region
		switch {
		case rg.InfoOK:
			size := "-"
			if rg.Size != nil {
				size = humanize.IBytes(*rg.Size)
			}
			row("region", fmt.Sprintf("%s %s %s/%s", opt(rg.Start), size,
				opt(rg.ProtectionFlags), opt(rg.MaxProtectionFlags)))
			if rg.IsSubmap != nil && *rg.IsSubmap {
				row("submap depth", opt(rg.Depth))
			}
		case rg.Error != nil:
			row("region", colorize.Error(*rg.Error))
		}
	}

	if hw := r.HWBreakpoint; hw != nil {
		section("hw breakpoint")
		row("port", colorize.Bool(hw.PortOK))
		row("handler thread", colorize.Bool(hw.HandlerThreadOK))
		row("exception port", colorize.Bool(hw.ExceptionPortOK))
		row("debug state", colorize.Bool(hw.DebugStateOK))
		row("breakpoint set", colorize.Bool(hw.BreakpointSetOK))
		row("threads", fmt.Sprintf("%d armed of %d", hw.ThreadsArmed, hw.ThreadsScanned))
		row("slot", fmt.Sprint(hw.BreakpointIndex))
		row("bcr", opt(hw.BCRValue))
		if hw.Error != nil {
			row("error", colorize.Error(*hw.Error))
		}
	}
}

func printDisasm(w io.Writer, arch, label string, raw *string, lines []string) {
	if raw == nil && len(lines) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s %s\n", colorize.Detail(fmt.Sprintf("%-22s", label)), colorize.HexBytes(triage.Value(raw)))
	for _, l := range lines {
		off, insn, ok := strings.Cut(l, ": ")
		if !ok {
			fmt.Fprintf(w, "      %s\n", l)
			continue
		}
		fmt.Fprintf(w, "      %s  %s\n", colorize.Detail(off), colorize.Instruction(arch, insn))
	}
}

func newTriageCmd() *cobra.Command {
	var (
		asYAML bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "triage <file>",
		Short: "Summarize a triage report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := triage.ReadFile(args[0])
			if err != nil {
				return &exitError{code: exitNoInput, err: err}
			}
			out := cmd.OutOrStdout()
			switch {
			case asYAML:
				b, err := triageYAML(r)
				if err != nil {
					return err
				}
				_, err = out.Write(b)
				return err
			case asJSON:
				b, err := triage.Marshal(r)
				if err != nil {
					return err
				}
				_, err = out.Write(b)
				return err
			}
			printTriage(out, r)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the report as YAML")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as normalized JSON")
	return cmd
}
