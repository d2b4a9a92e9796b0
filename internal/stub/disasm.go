package stub

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Line is one decoded instruction.
type Line struct {
	Offset int
	Bytes  []byte
	Text   string
	PCRel  bool
}

// Disassemble decodes code as the architecture k targets. Undecodable
// bytes are emitted as data words and decoding continues after them.
func (k Kind) Disassemble(code []byte, pc uint64) []Line {
	switch k {
	case PCRelLiteral:
		return disasmARM64(code, pc)
	case LoadIndirect:
		return disasmX86(code, pc)
	}
	return nil
}

// HasPCRelative reports whether any decoded instruction in code addresses
// memory relative to its own location. Such instructions change meaning
// when copied into a trampoline.
func (k Kind) HasPCRelative(code []byte, pc uint64) bool {
	for _, l := range k.Disassemble(code, pc) {
		if l.PCRel {
			return true
		}
	}
	return false
}

// Strings renders lines as "+off: text".
func Strings(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, fmt.Sprintf("+%#x: %s", l.Offset, l.Text))
	}
	return out
}

func disasmARM64(code []byte, pc uint64) []Line {
	var lines []Line
	for off := 0; off+4 <= len(code); off += 4 {
		word := code[off : off+4]
		inst, err := arm64asm.Decode(word)
		if err != nil {
			lines = append(lines, Line{
				Offset: off,
				Bytes:  word,
				Text:   fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(word)),
			})
			continue
		}
		lines = append(lines, Line{
			Offset: off,
			Bytes:  word,
			Text:   inst.String(),
			PCRel:  arm64PCRel(inst),
		})
	}
	return lines
}

func arm64PCRel(inst arm64asm.Inst) bool {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if _, ok := a.(arm64asm.PCRel); ok {
			return true
		}
	}
	return false
}

func disasmX86(code []byte, pc uint64) []Line {
	var lines []Line
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			lines = append(lines, Line{
				Offset: off,
				Bytes:  code[off : off+1],
				Text:   fmt.Sprintf(".byte 0x%02x", code[off]),
			})
			off++
			continue
		}
		lines = append(lines, Line{
			Offset: off,
			Bytes:  code[off : off+inst.Len],
			Text:   x86asm.IntelSyntax(inst, pc+uint64(off), nil),
			PCRel:  x86PCRel(inst),
		})
		off += inst.Len
	}
	return lines
}

func x86PCRel(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch v := a.(type) {
		case x86asm.Rel:
			return true
		case x86asm.Mem:
			if v.Base == x86asm.RIP {
				return true
			}
		}
	}
	return false
}
