// Package stub encodes the absolute-jump stubs written over a hooked function's
// entry and appended to its trampoline.
//
// Two encodings exist, one per supported architecture:
//
//	LoadIndirect  x86_64  movabs rax, imm64; jmp rax              (12 bytes)
//	PCRelLiteral  arm64   ldr x17, #8; br x17; .quad target       (16 bytes)
//
// Both clobber a scratch register the platform ABI reserves for veneers
// (rax is caller-saved and unused for arguments, x17 is IP1).
package stub

import (
	"encoding/binary"
	"fmt"
	"runtime"
)

// Kind selects a jump stub encoding.
type Kind int

const (
	// LoadIndirect loads the target into a register and jumps through it.
	LoadIndirect Kind = iota
	// PCRelLiteral loads the target from a literal placed after the branch.
	PCRelLiteral
)

// Encoding sizes.
const (
	LoadIndirectSize = 12
	PCRelLiteralSize = 16
)

const (
	ldrX17Literal8 uint32 = 0x58000051 // ldr x17, #8
	brX17          uint32 = 0xd61f0220 // br x17
)

// Arch tags used in reports.
const (
	ArchX86_64 = "x86_64"
	ArchARM64  = "arm64"
)

// Size returns the number of bytes Encode produces.
func (k Kind) Size() int {
	switch k {
	case LoadIndirect:
		return LoadIndirectSize
	case PCRelLiteral:
		return PCRelLiteralSize
	}
	return 0
}

// Arch returns the architecture tag the encoding targets.
func (k Kind) Arch() string {
	switch k {
	case LoadIndirect:
		return ArchX86_64
	case PCRelLiteral:
		return ArchARM64
	}
	return "unknown"
}

func (k Kind) String() string {
	switch k {
	case LoadIndirect:
		return "load-indirect"
	case PCRelLiteral:
		return "pc-relative-literal"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Encode returns a stub that transfers control to target.
func (k Kind) Encode(target uint64) []byte {
	switch k {
	case LoadIndirect:
		b := make([]byte, LoadIndirectSize)
		b[0], b[1] = 0x48, 0xb8 // movabs rax, imm64
		binary.LittleEndian.PutUint64(b[2:10], target)
		b[10], b[11] = 0xff, 0xe0 // jmp rax
		return b
	case PCRelLiteral:
		b := make([]byte, PCRelLiteralSize)
		binary.LittleEndian.PutUint32(b[0:4], ldrX17Literal8)
		binary.LittleEndian.PutUint32(b[4:8], brX17)
		binary.LittleEndian.PutUint64(b[8:16], target)
		return b
	}
	return nil
}

// Decode reports the target of a stub previously produced by Encode.
func (k Kind) Decode(b []byte) (uint64, bool) {
	if len(b) < k.Size() {
		return 0, false
	}
	switch k {
	case LoadIndirect:
		if b[0] != 0x48 || b[1] != 0xb8 || b[10] != 0xff || b[11] != 0xe0 {
			return 0, false
		}
		return binary.LittleEndian.Uint64(b[2:10]), true
	case PCRelLiteral:
		if binary.LittleEndian.Uint32(b[0:4]) != ldrX17Literal8 ||
			binary.LittleEndian.Uint32(b[4:8]) != brX17 {
			return 0, false
		}
		return binary.LittleEndian.Uint64(b[8:16]), true
	}
	return 0, false
}

// ForArch returns the encoding for an architecture tag or GOARCH value.
func ForArch(arch string) (Kind, error) {
	switch arch {
	case ArchX86_64, "amd64":
		return LoadIndirect, nil
	case ArchARM64, "arm64e", "aarch64":
		return PCRelLiteral, nil
	}
	return 0, fmt.Errorf("unsupported architecture %q", arch)
}

// Native returns the encoding for the running binary.
func Native() Kind {
	if runtime.GOARCH == "amd64" {
		return LoadIndirect
	}
	return PCRelLiteral
}
