package patch

import "github.com/zboralski/sbtrace/internal/region"

// Memory is the address space a Patcher edits.
//
// Protect is the process-local protection call (mprotect). VMProtect is the
// VM-level call (mach_vm_protect) that also accepts region.Copy to obtain a
// private copy-on-write mapping of a shared page.
type Memory interface {
	region.Inspector

	PageSize() uint64
	Read(addr uint64, n int) ([]byte, error)
	Write(addr uint64, b []byte) error

	Protect(addr, size uint64, prot region.Prot) error
	VMProtect(addr, size uint64, prot region.Prot) error

	// Allocate maps size bytes of anonymous read/write memory that may
	// later be made executable. The mapping is never released.
	Allocate(size uint64) (uint64, error)
	FlushICache(addr, size uint64)

	// SignCodePointer turns a raw code address into a callable entry
	// point on platforms that authenticate code pointers.
	SignCodePointer(addr uint64) uint64
	StripCodePointer(addr uint64) uint64
}
