// Package region describes virtual-memory mappings: their current and
// maximum protection and how they are shared.
package region

import "fmt"

// Prot is a set of VM protection bits. The values match VM_PROT_* on Darwin
// and PROT_* for read/write/execute.
type Prot uint32

const (
	Read  Prot = 0x01
	Write Prot = 0x02
	Exec  Prot = 0x04
	// Copy asks for a private copy-on-write mapping when relaxing protection.
	Copy Prot = 0x10

	ReadWrite = Read | Write
	ReadExec  = Read | Exec
)

// Flags renders the r/w/x triple, for example "r-x".
func (p Prot) Flags() string {
	b := []byte("---")
	if p&Read != 0 {
		b[0] = 'r'
	}
	if p&Write != 0 {
		b[1] = 'w'
	}
	if p&Exec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func (p Prot) String() string { return p.Flags() }

// Share modes reported by the kernel (SM_*).
const (
	ShareCOW            uint32 = 1
	SharePrivate        uint32 = 2
	ShareEmpty          uint32 = 3
	ShareShared         uint32 = 4
	ShareTrueShared     uint32 = 5
	SharePrivateAliased uint32 = 6
	ShareSharedAliased  uint32 = 7
	ShareLargePage      uint32 = 8
)

// Info describes the mapping that contains an address.
type Info struct {
	Start         uint64
	Size          uint64
	Protection    Prot
	MaxProtection Prot
	Inheritance   uint32
	Offset        uint64
	IsSubmap      bool
	Depth         uint32
	ShareMode     uint32
	UserTag       uint32
}

// End returns the first address past the mapping.
func (i Info) End() uint64 { return i.Start + i.Size }

// Contains reports whether addr falls inside the mapping.
func (i Info) Contains(addr uint64) bool { return addr >= i.Start && addr < i.End() }

// MaxWritable reports whether the mapping may ever be made writable.
func (i Info) MaxWritable() bool { return i.MaxProtection&Write != 0 }

func (i Info) String() string {
	return fmt.Sprintf("%#x-%#x %s/%s share=%d depth=%d", i.Start, i.End(),
		i.Protection.Flags(), i.MaxProtection.Flags(), i.ShareMode, i.Depth)
}

// Inspector looks up the mapping that contains an address.
type Inspector interface {
	Region(addr uint64) (Info, error)
}

// Snapshot is the outcome of one inspection, kept for reports.
type Snapshot struct {
	OK   bool
	Info Info
	Err  string
}

// Inspect queries in for addr and never fails: an error is kept in the
// snapshot.
func Inspect(in Inspector, addr uint64) Snapshot {
	if in == nil {
		return Snapshot{Err: "region inspector unavailable"}
	}
	info, err := in.Region(addr)
	if err != nil {
		return Snapshot{Err: err.Error()}
	}
	return Snapshot{OK: true, Info: info}
}

// Immutable reports whether the snapshot proves the mapping can never be
// written. An unknown region is not treated as immutable.
func (s Snapshot) Immutable() bool {
	return s.OK && !s.Info.MaxWritable()
}
