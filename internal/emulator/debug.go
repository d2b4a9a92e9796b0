package emulator

import (
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/sbtrace/internal/hwbp"
	"github.com/zboralski/sbtrace/internal/stub"
)

// Debug register simulation. Before each instruction the code hook checks
// the enabled breakpoint slots; a match raises a breakpoint exception. A
// set software-step bit raises a second exception before the following
// instruction. Both are delivered synchronously to the registered handler
// when the thread's exception ports were set.

func (e *Emulator) checkDebug(addr uint64) {
	if e.handler == nil || !e.routed || e.kind != stub.PCRelLiteral {
		return
	}
	if e.stepPending {
		e.stepPending = false
		e.raise(addr)
	}
	if !e.debug.SingleStep() {
		for i := 0; i < hwbp.MaxSlots; i++ {
			if e.debug.BCR[i]&1 != 0 && e.debug.BVR[i] == addr {
				e.raise(addr)
				break
			}
		}
	}
	if e.debug.SingleStep() {
		e.stepPending = true
	}
}

func (e *Emulator) raise(addr uint64) {
	res := hwbp.Dispatch(e.handler, hwbp.Exception{
		Behavior: hwbp.BehaviorDefault,
		Type:     hwbp.ExcBreakpoint,
		Codes:    []uint64{1, addr}, // EXC_ARM_BREAKPOINT
		Thread:   thread{e},
	})
	if res != hwbp.Success {
		e.excErr = fmt.Errorf("exception at %#x not handled: %s", addr, res)
		e.Stop()
	}
}

// DebugState returns the emulated thread's debug registers.
func (e *Emulator) DebugState() hwbp.DebugState { return e.debug }

// thread is the single emulated thread.
type thread struct{ e *Emulator }

func (t thread) DebugState() (hwbp.DebugState, error) { return t.e.debug, nil }

func (t thread) SetDebugState(ds hwbp.DebugState) error {
	t.e.debug = ds
	return nil
}

func (t thread) ThreadState() (hwbp.ThreadState, error) {
	if t.e.kind != stub.PCRelLiteral {
		return hwbp.ThreadState{}, errors.New("no arm64 thread state")
	}
	var ts hwbp.ThreadState
	for i := range ts.X {
		ts.X[i] = t.e.X(i)
	}
	ts.FP, _ = t.e.mu.RegRead(uc.ARM64_REG_FP)
	ts.LR = t.e.LR()
	ts.SP = t.e.SP()
	ts.PC = t.e.PC()
	return ts, nil
}

// breakpoints implements hwbp.Host on top of the simulation.
type breakpoints struct{ e *Emulator }

func (b breakpoints) AllocatePort() error {
	b.e.portOK = true
	return nil
}

func (b breakpoints) StartServer(h hwbp.Handler) error {
	if !b.e.portOK {
		return errors.New("no exception port")
	}
	b.e.handler = h
	return nil
}

func (b breakpoints) CurrentThread() (hwbp.Thread, error) { return thread{b.e}, nil }

func (b breakpoints) SetExceptionPorts(hwbp.Thread) error {
	b.e.routed = true
	return nil
}
