package emulator

import (
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/sbtrace/internal/region"
)

// Fault selects an operation that fails on demand.
type Fault int

const (
	// FaultProtect fails the primary protection call on a page.
	FaultProtect Fault = iota
	// FaultVMProtect fails the fallback protection call on a page.
	FaultVMProtect
	// FaultRestore fails both calls when they restore read+execute.
	FaultRestore
	// FaultAllocate fails every Allocate, whatever the address.
	FaultAllocate
	// FaultRegion fails region lookups on a page.
	FaultRegion
)

type faultKey struct {
	f    Fault
	page uint64
}

var (
	errDenied   = errors.New("permission denied")
	errInjected = errors.New("injected failure")
)

// mapping is one contiguous region with its maximum protection.
type mapping struct {
	start, size uint64
	maxProt     region.Prot
	share       uint32
}

func (m *mapping) contains(addr uint64) bool {
	return addr >= m.start && addr < m.start+m.size
}

func pageOf(addr uint64) uint64 { return addr &^ (PageSize - 1) }

func roundUp(n uint64) uint64 { return (n + PageSize - 1) &^ (PageSize - 1) }

func ucProt(p region.Prot) int {
	v := uc.PROT_NONE
	if p&region.Read != 0 {
		v |= uc.PROT_READ
	}
	if p&region.Write != 0 {
		v |= uc.PROT_WRITE
	}
	if p&region.Exec != 0 {
		v |= uc.PROT_EXEC
	}
	return v
}

// Map maps size bytes at addr with the given current and maximum
// protection.
func (e *Emulator) Map(addr, size uint64, prot, maxProt region.Prot, share uint32) error {
	size = roundUp(size)
	if err := e.mu.MemMapProt(addr, size, ucProt(prot)); err != nil {
		return err
	}
	e.maps = append(e.maps, &mapping{start: addr, size: size, maxProt: maxProt, share: share})
	for p := addr; p < addr+size; p += PageSize {
		e.prot[p] = prot
	}
	return nil
}

func (e *Emulator) mappingAt(addr uint64) *mapping {
	for _, m := range e.maps {
		if m.contains(addr) {
			return m
		}
	}
	return nil
}

// InjectFault makes operation f fail on the page containing addr.
func (e *Emulator) InjectFault(f Fault, addr uint64) {
	if f == FaultAllocate {
		addr = 0
	}
	e.faults[faultKey{f, pageOf(addr)}] = true
}

// ClearFaults removes every injected fault.
func (e *Emulator) ClearFaults() {
	e.faults = make(map[faultKey]bool)
}

func (e *Emulator) faulted(f Fault, page uint64) bool {
	return e.faults[faultKey{f, page}]
}

// Flushes returns the number of instruction cache invalidations.
func (e *Emulator) Flushes() int { return e.flushes }

// ProtectionAt returns the current protection of the page containing addr.
func (e *Emulator) ProtectionAt(addr uint64) region.Prot {
	return e.prot[pageOf(addr)]
}

// PageSize implements patch.Memory.
func (e *Emulator) PageSize() uint64 { return PageSize }

// Read implements patch.Memory.
func (e *Emulator) Read(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read of %d bytes", n)
	}
	return e.mu.MemRead(addr, uint64(n))
}

// Write implements patch.Memory. Unlike MemWrite it honors the page
// protection, as a store from the traced process would.
func (e *Emulator) Write(addr uint64, b []byte) error {
	for p := pageOf(addr); p < addr+uint64(len(b)); p += PageSize {
		if e.mappingAt(p) == nil {
			return fmt.Errorf("write %#x: unmapped", p)
		}
		if e.prot[p]&region.Write == 0 {
			return fmt.Errorf("write %#x: %w", p, errDenied)
		}
	}
	return e.mu.MemWrite(addr, b)
}

// Protect implements patch.Memory with mprotect semantics: the request may
// not exceed the mapping's maximum protection.
func (e *Emulator) Protect(addr, size uint64, prot region.Prot) error {
	return e.protect(FaultProtect, addr, size, prot)
}

// VMProtect implements patch.Memory with vm_protect semantics: the copy bit
// turns a copy-on-write mapping into a private writable copy.
func (e *Emulator) VMProtect(addr, size uint64, prot region.Prot) error {
	return e.protect(FaultVMProtect, addr, size, prot)
}

func (e *Emulator) protect(f Fault, addr, size uint64, prot region.Prot) error {
	if size == 0 {
		return nil
	}
	for p := pageOf(addr); p < addr+size; p += PageSize {
		m := e.mappingAt(p)
		if m == nil {
			return fmt.Errorf("protect %#x: unmapped", p)
		}
		if e.faulted(f, p) || (prot == region.ReadExec && e.faulted(FaultRestore, p)) {
			return fmt.Errorf("protect %#x: %w", p, errInjected)
		}
		limit := m.maxProt
		if f == FaultVMProtect && prot&region.Copy != 0 && m.share == region.ShareCOW {
			limit |= region.Write
		}
		if prot&^region.Copy&^limit != 0 {
			return fmt.Errorf("protect %#x to %s: %w", p, prot.Flags(), errDenied)
		}
	}
	for p := pageOf(addr); p < addr+size; p += PageSize {
		m := e.mappingAt(p)
		if f == FaultVMProtect && prot&region.Copy != 0 && m.share == region.ShareCOW {
			m.maxProt |= region.Write
			m.share = region.SharePrivate
		}
		if err := e.mu.MemProtect(p, PageSize, ucProt(prot)); err != nil {
			return err
		}
		e.prot[p] = prot &^ region.Copy
	}
	return nil
}

// Allocate implements patch.Memory with a read+write mapping.
func (e *Emulator) Allocate(size uint64) (uint64, error) {
	if e.faulted(FaultAllocate, 0) {
		return 0, errInjected
	}
	size = roundUp(size)
	if e.trampPtr+size > TrampBase+TrampSize {
		return 0, errors.New("trampoline space exhausted")
	}
	addr := e.trampPtr
	if err := e.Map(addr, size, region.ReadWrite, region.Read|region.Write|region.Exec, region.SharePrivate); err != nil {
		return 0, err
	}
	e.trampPtr += size
	return addr, nil
}

// FlushICache implements patch.Memory. Code is only rewritten while no
// emulation is running, so there is no translated block to discard.
func (e *Emulator) FlushICache(addr, size uint64) { e.flushes++ }

// SignCodePointer implements patch.Memory. The emulator has no pointer
// authentication.
func (e *Emulator) SignCodePointer(addr uint64) uint64 { return addr }

// StripCodePointer implements patch.Memory.
func (e *Emulator) StripCodePointer(addr uint64) uint64 { return addr }

// Region implements region.Inspector.
func (e *Emulator) Region(addr uint64) (region.Info, error) {
	if e.faulted(FaultRegion, pageOf(addr)) {
		return region.Info{}, fmt.Errorf("mach_vm_region_recurse: %w", errInjected)
	}
	m := e.mappingAt(addr)
	if m == nil {
		return region.Info{}, fmt.Errorf("no region at %#x", addr)
	}
	return region.Info{
		Start:         m.start,
		Size:          m.size,
		Protection:    e.prot[pageOf(addr)],
		MaxProtection: m.maxProt,
		Inheritance:   1, // VM_INHERIT_COPY
		ShareMode:     m.share,
	}, nil
}
