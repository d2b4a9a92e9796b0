package engine

import (
	"github.com/zboralski/sbtrace/internal/hook"
	"github.com/zboralski/sbtrace/internal/hwbp"
	"github.com/zboralski/sbtrace/internal/patch"
	"github.com/zboralski/sbtrace/internal/resolve"
)

// Platform is the host the engine instruments: the live process on
// Darwin, or an emulator in tests.
type Platform interface {
	// Arch returns the architecture tag reported in triage.
	Arch() string
	Loader() resolve.Loader
	Memory() patch.Memory
	// Interposer returns the loader's rebinding facility.
	Interposer() Interposer
	// Breakpoints returns the Mach facilities used by hardware
	// breakpoints. It may be nil where they are unsupported.
	Breakpoints() hwbp.Host
	// Guard returns the reentrancy flag of the calling thread.
	Guard() hook.Guard
	// HookEntry returns the code address that invokes the current
	// context's hook with the traced function's arguments.
	HookEntry() uint64
	// Caller returns a function that calls the code at addr.
	Caller(addr uint64) hook.WriteFunc
}

// Interposer rebinds every imported reference to a function.
type Interposer interface {
	Available() bool
	// Interpose routes the imports of the image loaded at base that are
	// bound to replacee to replacement instead.
	Interpose(base, replacement, replacee uint64) error
}
