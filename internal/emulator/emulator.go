// Package emulator provides arm64 and x86_64 emulation using Unicorn Engine.
//
// It hosts synthetic copies of the hosting library so that jump stubs,
// trampolines and hardware breakpoints run real instructions in tests and
// in `sbtrace selftest`.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/sbtrace/internal/hwbp"
	"github.com/zboralski/sbtrace/internal/region"
	"github.com/zboralski/sbtrace/internal/stub"
)

// Memory layout constants
const (
	PageSize   = 0x1000
	ImageBase  = 0x100000000 // first synthetic image
	ImageSpan  = 0x00010000  // address space reserved per image
	StackBase  = 0x80000000
	StackSize  = 0x00100000 // 1MB stack
	HeapBase   = 0x90000000
	HeapSize   = 0x01000000 // 16MB heap
	TrampBase  = 0xE0000000 // Allocate hands out pages from here
	TrampSize  = 0x01000000
	StubBase   = 0xF0000000 // hook entry and return pad
	StubSize   = 0x00001000
	HookEntry  = StubBase
	ReturnPad  = StubBase + 0x100
	stackSlack = 0x1000
)

var (
	retARM64 = []byte{0xc0, 0x03, 0x5f, 0xd6} // ret
	retX86   = []byte{0xc3}                   // ret
)

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// Emulator wraps Unicorn for one architecture.
type Emulator struct {
	mu   uc.Unicorn
	kind stub.Kind

	// Memory management
	heapPtr  uint64 // Current heap allocation pointer
	trampPtr uint64
	maps     []*mapping
	prot     map[uint64]region.Prot // per-page current protection
	faults   map[faultKey]bool
	flushes  int

	// Synthetic images
	images []*Image

	// Hooks
	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Debug registers of the single emulated thread
	debug       hwbp.DebugState
	handler     hwbp.Handler
	portOK      bool
	routed      bool
	stepPending bool
	excErr      error

	// Stop flag
	stopped bool
}

// New creates an emulator for an architecture tag ("arm64", "arm64e" or
// "x86_64").
func New(arch string) (*Emulator, error) {
	kind, err := stub.ForArch(arch)
	if err != nil {
		return nil, err
	}
	var mu uc.Unicorn
	switch kind {
	case stub.PCRelLiteral:
		mu, err = uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	default:
		mu, err = uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	}
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		kind:      kind,
		heapPtr:   HeapBase,
		trampPtr:  TrampBase,
		prot:      make(map[uint64]region.Prot),
		faults:    make(map[faultKey]bool),
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	// Map memory regions
	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	// Set up internal hooks
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// Kind returns the stub encoding native to the emulated architecture.
func (e *Emulator) Kind() stub.Kind { return e.kind }

// Arch returns the architecture tag.
func (e *Emulator) Arch() string { return e.kind.Arch() }

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		prot region.Prot
		name string
	}{
		{StackBase, StackSize, region.ReadWrite, "stack"},
		{HeapBase, HeapSize, region.ReadWrite, "heap"},
		{StubBase, StubSize, region.ReadExec, "stubs"},
	}

	for _, r := range regions {
		if err := e.Map(r.base, r.size, r.prot, region.Read|region.Write|region.Exec, region.SharePrivate); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	ret := retARM64
	if e.kind == stub.LoadIndirect {
		ret = retX86
	}
	if err := e.mu.MemWrite(HookEntry, ret); err != nil {
		return fmt.Errorf("write hook entry: %w", err)
	}
	if err := e.mu.MemWrite(ReturnPad, ret); err != nil {
		return fmt.Errorf("write return pad: %w", err)
	}
	return e.SetSP(StackBase + StackSize - stackSlack)
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		// Check for stop
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.checkDebug(addr)

		// Check address hooks first (protected by mutex)
		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		// Call user code hooks
		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory regardless of protection.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// argRegs are the first four integer argument registers.
func (e *Emulator) argRegs() [4]int {
	if e.kind == stub.LoadIndirect {
		return [4]int{uc.X86_REG_RDI, uc.X86_REG_RSI, uc.X86_REG_RDX, uc.X86_REG_RCX}
	}
	return [4]int{uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3}
}

// Arg reads integer argument register n (0-3).
func (e *Emulator) Arg(n int) uint64 {
	if n < 0 || n > 3 {
		return 0
	}
	val, _ := e.mu.RegRead(e.argRegs()[n])
	return val
}

// SetArg writes integer argument register n (0-3).
func (e *Emulator) SetArg(n int, val uint64) error {
	if n < 0 || n > 3 {
		return fmt.Errorf("invalid argument register %d", n)
	}
	return e.mu.RegWrite(e.argRegs()[n], val)
}

// Ret reads the integer return register.
func (e *Emulator) Ret() uint64 {
	reg := uc.ARM64_REG_X0
	if e.kind == stub.LoadIndirect {
		reg = uc.X86_REG_RAX
	}
	val, _ := e.mu.RegRead(reg)
	return val
}

// X reads general-purpose register X0-X28 on arm64.
func (e *Emulator) X(n int) uint64 {
	if e.kind != stub.PCRelLiteral || n < 0 || n > 28 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_X0 + n)
	return val
}

func (e *Emulator) pcReg() int {
	if e.kind == stub.LoadIndirect {
		return uc.X86_REG_RIP
	}
	return uc.ARM64_REG_PC
}

func (e *Emulator) spReg() int {
	if e.kind == stub.LoadIndirect {
		return uc.X86_REG_RSP
	}
	return uc.ARM64_REG_SP
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(e.pcReg())
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(e.pcReg(), val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(e.spReg())
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(e.spReg(), val)
}

// LR returns the link register on arm64.
func (e *Emulator) LR() uint64 {
	if e.kind != stub.PCRelLiteral {
		return 0
	}
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register on arm64.
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// Malloc allocates memory from the heap (bump allocator).
// Panics if heap is exhausted - this indicates a fundamental emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	// Align to 16 bytes
	size = (size + 15) & ^uint64(15)

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("heap exhausted")
	}

	return addr
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run starts emulation at start and stops when execution reaches until.
func (e *Emulator) Run(start, until uint64) error {
	e.stopped = false
	e.excErr = nil
	if err := e.mu.Start(start, until); err != nil {
		return err
	}
	return e.excErr
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// Call runs fn with up to four integer arguments and returns when it
// returns to ReturnPad.
func (e *Emulator) Call(fn uint64, args ...uint64) (uint64, error) {
	if len(args) > 4 {
		return 0, fmt.Errorf("too many arguments: %d", len(args))
	}
	for i, a := range args {
		if err := e.SetArg(i, a); err != nil {
			return 0, err
		}
	}
	sp := uint64(StackBase + StackSize - stackSlack)
	if e.kind == stub.LoadIndirect {
		sp -= 8
		if err := e.MemWriteU64(sp, ReturnPad); err != nil {
			return 0, err
		}
	} else if err := e.SetLR(ReturnPad); err != nil {
		return 0, err
	}
	if err := e.SetSP(sp); err != nil {
		return 0, err
	}
	if err := e.Run(fn, ReturnPad); err != nil {
		return 0, fmt.Errorf("call %#x: %w", fn, err)
	}
	return e.Ret(), nil
}

// Jump redirects execution to fn with the given arguments. It is meant for
// address hooks: the current instruction is not executed and fn returns
// to the hooked code's caller.
func (e *Emulator) Jump(fn uint64, args ...uint64) error {
	for i, a := range args {
		if err := e.SetArg(i, a); err != nil {
			return err
		}
	}
	return e.SetPC(fn)
}
