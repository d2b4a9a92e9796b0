//go:build darwin && cgo

package darwin

/*
#include "sbtrace_darwin.h"
*/
import "C"

import (
	"github.com/zboralski/sbtrace/internal/engine"
	"github.com/zboralski/sbtrace/internal/hook"
	"github.com/zboralski/sbtrace/internal/hwbp"
	"github.com/zboralski/sbtrace/internal/patch"
	"github.com/zboralski/sbtrace/internal/resolve"
)

// Platform implements engine.Platform for the current process.
type Platform struct {
	mem *memory
	ld  *loader
	bp  *breakpoints
}

var _ engine.Platform = (*Platform)(nil)

// New returns the platform of the running process.
func New() (*Platform, error) {
	return &Platform{mem: &memory{}, ld: &loader{}, bp: &breakpoints{}}, nil
}

// Arch is the architecture the library was compiled for: arm64e, arm64
// or x86_64.
func (p *Platform) Arch() string { return C.GoString(C.sbt_arch()) }

func (p *Platform) Loader() resolve.Loader        { return p.ld }
func (p *Platform) Memory() patch.Memory          { return p.mem }
func (p *Platform) Interposer() engine.Interposer { return interposer{} }
func (p *Platform) Guard() hook.Guard             { return threadGuard{} }

func (p *Platform) Breakpoints() hwbp.Host { return p.bp }

// HookEntry is the C function that patched and interposed calls land on.
func (p *Platform) HookEntry() uint64 { return uint64(C.sbt_hook_entry_addr()) }

func (p *Platform) Caller(addr uint64) hook.WriteFunc { return caller(addr) }
