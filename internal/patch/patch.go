// Package patch redirects a function entry to a replacement by overwriting
// its first instructions with an absolute jump stub. The overwritten bytes
// are relocated into a trampoline that jumps back past the stub, so the
// original function stays callable.
//
// Patches are never removed. Trampolines are never unmapped because a call
// may be executing inside one at any time.
package patch

import (
	"errors"
	"fmt"

	"github.com/zboralski/sbtrace/internal/region"
	"github.com/zboralski/sbtrace/internal/stub"
)

var (
	// ErrImmutable means the target mapping can never be made writable.
	ErrImmutable = errors.New("region_max_protection_no_write")
	// ErrProtect means neither protection API could make the target writable.
	ErrProtect = errors.New("make writable")
	// ErrAllocate means the trampoline could not be mapped or made executable.
	ErrAllocate = errors.New("trampoline")
	// ErrRestore means the patch is live but a page could not be returned to
	// read+execute.
	ErrRestore = errors.New("restore protection")
)

// Patcher installs jump-stub hooks into one address space.
type Patcher struct {
	mem  Memory
	kind stub.Kind
}

// New returns a Patcher writing kind stubs into mem.
func New(mem Memory, kind stub.Kind) *Patcher {
	return &Patcher{mem: mem, kind: kind}
}

// Kind returns the stub encoding in use.
func (p *Patcher) Kind() stub.Kind { return p.kind }

// Install redirects target to replacement and returns a callable entry to
// the trampoline. rep may be nil.
//
// A non-zero entry is returned whenever the stub was written, including
// when the final protection restore fails with ErrRestore: the redirect is
// live and callers still need the original.
func (p *Patcher) Install(target, replacement uint64, rep *Report) (uint64, error) {
	if rep == nil {
		rep = &Report{}
	}
	raw := p.mem.StripCodePointer(target)
	rep.Target = raw

	if raw != 0 {
		rep.RecordRegion(p.mem, raw)
		if rep.Region.Immutable() {
			rep.Err = ErrImmutable.Error()
			return 0, ErrImmutable
		}
	}

	rep.Attempted = true
	entry, err := p.install(raw, p.mem.StripCodePointer(replacement), rep)
	if err != nil {
		rep.Err = err.Error()
	}
	return entry, err
}

func (p *Patcher) install(target, replacement uint64, rep *Report) (uint64, error) {
	if target == 0 || replacement == 0 {
		return 0, errors.New("missing target or replacement")
	}
	n := p.kind.Size()

	pre, err := p.mem.Read(target, n)
	if err != nil {
		return 0, fmt.Errorf("read prologue: %w", err)
	}
	rep.PreBytes = pre
	rep.PreDisasm = stub.Strings(p.kind.Disassemble(pre, target))
	rep.ProloguePCRelative = p.kind.HasPCRelative(pre, target)

	guard, err := Acquire(p.mem, target, uint64(n))
	rep.notePages(guard)
	if err != nil {
		return 0, err
	}

	tramp, err := p.buildTrampoline(target, pre)
	if err != nil {
		guard.Abort()
		rep.notePages(guard)
		return 0, err
	}
	rep.ICacheTrampoline = true
	rep.Trampoline = tramp

	if err := p.mem.Write(target, p.kind.Encode(replacement)); err != nil {
		guard.Abort()
		rep.notePages(guard)
		return 0, fmt.Errorf("write stub: %w", err)
	}
	p.mem.FlushICache(target, uint64(n))
	rep.ICacheTarget = true
	if post, err := p.mem.Read(target, n); err == nil {
		rep.PostBytes = post
		rep.PostDisasm = stub.Strings(p.kind.Disassemble(post, target))
	}

	entry := p.mem.SignCodePointer(tramp)
	err = guard.Release()
	rep.notePages(guard)
	if err != nil {
		return entry, err
	}
	rep.Applied = true
	return entry, nil
}

// buildTrampoline maps the relocated prologue followed by a jump to the
// first byte after the stub, then makes it read+execute.
func (p *Patcher) buildTrampoline(target uint64, prologue []byte) (uint64, error) {
	n := uint64(len(prologue))
	size := n + uint64(p.kind.Size())
	tramp, err := p.mem.Allocate(size)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap failed: %v", ErrAllocate, err)
	}
	code := make([]byte, 0, size)
	code = append(code, prologue...)
	code = append(code, p.kind.Encode(target+n)...)
	if err := p.mem.Write(tramp, code); err != nil {
		return 0, fmt.Errorf("%w: write failed: %v", ErrAllocate, err)
	}
	if err := p.mem.Protect(tramp, size, region.ReadExec); err != nil {
		return 0, fmt.Errorf("%w: mprotect trampoline failed: %v", ErrAllocate, err)
	}
	p.mem.FlushICache(tramp, size)
	return tramp, nil
}
