//go:build darwin && cgo

package darwin

/*
#include "sbtrace_darwin.h"
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zboralski/sbtrace/internal/region"
)

func kern(op string, kr C.kern_return_t) error {
	if kr == C.KERN_SUCCESS {
		return nil
	}
	return &KernError{Op: op, Code: int32(kr), Msg: C.GoString(C.sbt_mach_error(kr))}
}

// memory is the address space of the current task.
type memory struct {
	mu sync.Mutex
	// mapped holds every trampoline mapping; they are never unmapped.
	mapped [][]byte
}

func (m *memory) PageSize() uint64 { return uint64(unix.Getpagesize()) }

// Read copies n bytes through the kernel so that an unmapped address
// fails instead of faulting.
func (m *memory) Read(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read of %d bytes", n)
	}
	b := make([]byte, n)
	if n == 0 {
		return b, nil
	}
	if err := kern("mach_vm_read_overwrite", C.sbt_read(C.uint64_t(addr), unsafe.Pointer(&b[0]), C.uint64_t(n))); err != nil {
		return nil, err
	}
	return b, nil
}

func (m *memory) Write(addr uint64, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	C.sbt_write(C.uint64_t(addr), unsafe.Pointer(&b[0]), C.uint64_t(len(b)))
	return nil
}

func span(addr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

// Protect is mprotect(2).
func (m *memory) Protect(addr, size uint64, prot region.Prot) error {
	if err := unix.Mprotect(span(addr, size), int(prot&^region.Copy)); err != nil {
		return fmt.Errorf("mprotect(%#x, %s): %w", addr, prot.Flags(), err)
	}
	return nil
}

// VMProtect is mach_vm_protect on the current protection. The Copy bit
// maps to VM_PROT_COPY.
func (m *memory) VMProtect(addr, size uint64, prot region.Prot) error {
	return kern("mach_vm_protect", C.sbt_vm_protect(C.uint64_t(addr), C.uint64_t(size), C.int(prot)))
}

func (m *memory) Allocate(size uint64) (uint64, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("mmap failed: %w", err)
	}
	m.mu.Lock()
	m.mapped = append(m.mapped, b)
	m.mu.Unlock()
	return uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}

func (m *memory) FlushICache(addr, size uint64) {
	C.sbt_icache_invalidate(C.uint64_t(addr), C.uint64_t(size))
}

func (m *memory) SignCodePointer(addr uint64) uint64 {
	return uint64(C.sbt_sign(C.uint64_t(addr)))
}

func (m *memory) StripCodePointer(addr uint64) uint64 {
	return uint64(C.sbt_strip(C.uint64_t(addr)))
}

// Region descends through submaps to the leaf mapping containing addr.
func (m *memory) Region(addr uint64) (region.Info, error) {
	var r C.sbt_region
	if err := kern("mach_vm_region_recurse", C.sbt_region_info(C.uint64_t(addr), &r)); err != nil {
		return region.Info{}, err
	}
	return region.Info{
		Start:         uint64(r.start),
		Size:          uint64(r.size),
		Protection:    region.Prot(r.protection),
		MaxProtection: region.Prot(r.max_protection),
		Inheritance:   uint32(r.inheritance),
		Offset:        uint64(r.offset),
		IsSubmap:      r.is_submap != 0,
		Depth:         uint32(r.depth),
		ShareMode:     uint32(r.share_mode),
		UserTag:       uint32(r.user_tag),
	}, nil
}
