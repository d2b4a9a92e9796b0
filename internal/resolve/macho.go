package resolve

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Mach-O constants used by the in-memory header walk.
const (
	mhMagic64     = 0xfeedfacf
	mhCigam64     = 0xcffaedfe
	machHeader64  = 32
	lcUUID        = 0x1b
	maxLoadCmds   = 1 << 20
	loadCmdHeader = 8
)

// Reader reads mapped memory of the current process.
type Reader interface {
	Read(addr uint64, n int) ([]byte, error)
}

var errNoUUID = errors.New("no LC_UUID load command")

// ReadUUID walks the load commands of the 64-bit Mach-O header mapped at
// base and returns its LC_UUID.
func ReadUUID(r Reader, base uint64) (uuid.UUID, error) {
	hdr, err := r.Read(base, machHeader64)
	if err != nil {
		return uuid.Nil, fmt.Errorf("read mach header: %w", err)
	}
	var bo binary.ByteOrder
	switch binary.LittleEndian.Uint32(hdr) {
	case mhMagic64:
		bo = binary.LittleEndian
	case mhCigam64:
		bo = binary.BigEndian
	default:
		return uuid.Nil, fmt.Errorf("bad magic %#x at %#x", binary.LittleEndian.Uint32(hdr), base)
	}
	ncmds := bo.Uint32(hdr[16:])
	sizeofcmds := bo.Uint32(hdr[20:])
	if sizeofcmds > maxLoadCmds {
		return uuid.Nil, fmt.Errorf("load commands too large: %d bytes", sizeofcmds)
	}
	cmds, err := r.Read(base+machHeader64, int(sizeofcmds))
	if err != nil {
		return uuid.Nil, fmt.Errorf("read load commands: %w", err)
	}
	if len(cmds) < int(sizeofcmds) {
		return uuid.Nil, fmt.Errorf("read load commands: short read %d of %d", len(cmds), sizeofcmds)
	}

	off := uint32(0)
	for i := uint32(0); i < ncmds; i++ {
		if sizeofcmds-off < loadCmdHeader {
			break
		}
		cmd := bo.Uint32(cmds[off:])
		size := bo.Uint32(cmds[off+4:])
		// off <= sizeofcmds here, so the subtraction cannot wrap.
		if size < loadCmdHeader || size > sizeofcmds-off {
			return uuid.Nil, fmt.Errorf("load command %d: bad cmdsize %d", i, size)
		}
		if cmd == lcUUID {
			if size < loadCmdHeader+16 {
				return uuid.Nil, fmt.Errorf("LC_UUID: short cmdsize %d", size)
			}
			return uuid.FromBytes(cmds[off+loadCmdHeader : off+loadCmdHeader+16])
		}
		off += size
	}
	return uuid.Nil, errNoUUID
}

// SameIdentity compares two image identities ignoring case. Values that
// parse as UUIDs are compared by value.
func SameIdentity(expected, loaded string) bool {
	if expected == "" || loaded == "" {
		return false
	}
	a, errA := uuid.Parse(expected)
	b, errB := uuid.Parse(loaded)
	if errA == nil && errB == nil {
		return a == b
	}
	return strings.EqualFold(expected, loaded)
}
