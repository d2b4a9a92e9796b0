// Package hwbp traps calls to a function with an AArch64 hardware
// instruction breakpoint instead of modifying its code.
//
// A hit is delivered as a Mach breakpoint exception to a dedicated server
// thread. The handler records the call arguments, disarms the breakpoint
// and single-steps the trapping thread over the first instruction, then
// re-arms the breakpoint on the step exception.
package hwbp

import "errors"

// Debug register layout (ARM_DEBUG_STATE64).
const (
	MaxSlots = 16

	bcrEnable     = 1 << 0
	bcrPrivBoth   = 0x3 << 1 // match at EL0 and EL1
	bcrByteSelect = 0xf << 5 // all four bytes of the instruction
	mdscrSS       = 1 << 0   // software step
)

// Control returns the BCR value that enables an address match at any
// privilege level with a full byte-select mask.
func Control() uint64 { return bcrEnable | bcrPrivBoth | bcrByteSelect }

// DebugState mirrors arm_debug_state64_t.
type DebugState struct {
	BVR   [MaxSlots]uint64
	BCR   [MaxSlots]uint64
	WVR   [MaxSlots]uint64
	WCR   [MaxSlots]uint64
	MDSCR uint64
}

// SingleStep reports whether software step is enabled.
func (d *DebugState) SingleStep() bool { return d.MDSCR&mdscrSS != 0 }

// ThreadState holds the general purpose registers of a stopped thread.
type ThreadState struct {
	X  [29]uint64
	FP uint64
	LR uint64
	SP uint64
	PC uint64
}

// Thread is a thread whose debug and register state can be edited while it
// is stopped in an exception.
type Thread interface {
	DebugState() (DebugState, error)
	SetDebugState(DebugState) error
	ThreadState() (ThreadState, error)
}

var (
	// ErrUnsupported is returned on architectures without the debug
	// registers this package programs.
	ErrUnsupported = errors.New("hardware breakpoints unsupported on this architecture")

	errReadState  = errors.New("thread_get_state(ARM_DEBUG_STATE64) failed")
	errWriteState = errors.New("thread_set_state(ARM_DEBUG_STATE64) failed")
)
