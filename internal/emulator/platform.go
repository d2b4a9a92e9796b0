package emulator

import (
	"github.com/zboralski/sbtrace/internal/engine"
	"github.com/zboralski/sbtrace/internal/hook"
	"github.com/zboralski/sbtrace/internal/hwbp"
	"github.com/zboralski/sbtrace/internal/patch"
	"github.com/zboralski/sbtrace/internal/resolve"
	"github.com/zboralski/sbtrace/internal/stub"
)

// Platform adapts an Emulator to engine.Platform.
//
// Forwarding to the original is a tail jump: the hook entry records the
// call, then execution continues at the original with the caller's return
// address intact. The reentrancy flag is therefore released before the
// original body runs.
type Platform struct {
	e     *Emulator
	guard hook.Flag
	// InterposeAvailable reports whether the loader offers rebinding.
	InterposeAvailable bool
}

// NewPlatform wires the hook entry of e to the current engine context.
func NewPlatform(e *Emulator) *Platform {
	p := &Platform{e: e, InterposeAvailable: true}
	e.HookAddress(HookEntry, func(emu *Emulator) bool {
		engine.Current().Call(emu.Arg(0), emu.Arg(1), emu.Arg(2), emu.Arg(3))
		return false
	})
	return p
}

// Emulator returns the underlying emulator.
func (p *Platform) Emulator() *Emulator { return p.e }

func (p *Platform) Arch() string           { return p.e.Arch() }
func (p *Platform) Loader() resolve.Loader { return p.e }
func (p *Platform) Memory() patch.Memory   { return p.e }
func (p *Platform) Guard() hook.Guard      { return &p.guard }
func (p *Platform) HookEntry() uint64      { return HookEntry }

func (p *Platform) Interposer() engine.Interposer { return interposer{p} }

// Breakpoints returns nil on x86_64.
func (p *Platform) Breakpoints() hwbp.Host {
	if p.e.kind != stub.PCRelLiteral {
		return nil
	}
	return breakpoints{p.e}
}

func (p *Platform) Caller(addr uint64) hook.WriteFunc {
	return func(buf, cursor, data, length uint64) {
		_ = p.e.Jump(addr, buf, cursor, data, length)
	}
}

type interposer struct{ p *Platform }

func (i interposer) Available() bool { return i.p.InterposeAvailable }

func (i interposer) Interpose(base, replacement, replacee uint64) error {
	return i.p.e.Rebind(base, replacement, replacee)
}
