package patch

import (
	"github.com/zboralski/sbtrace/internal/region"
)

// Report records every step of one Install attempt. Fields keep their zero
// value for steps that were never reached.
type Report struct {
	Attempted bool
	Applied   bool
	Target    uint64

	PreBytes  []byte
	PostBytes []byte
	// Disassembly of PreBytes and PostBytes at Target.
	PreDisasm  []string
	PostDisasm []string
	// ProloguePCRelative is set when the relocated prologue contains an
	// instruction whose meaning depends on its address. Such a trampoline
	// replays that instruction against the wrong PC.
	ProloguePCRelative bool

	Region         region.Snapshot
	RegionRecorded bool

	MprotectStartOK      bool
	MprotectEndOK        bool
	MprotectRestoreOK    bool
	MprotectRestoreEndOK bool
	VMCopyAttempted      bool
	VMCopyStartOK        bool
	VMCopyEndOK          bool
	VMCopyRestoreOK      bool
	VMCopyRestoreEndOK   bool

	ICacheTarget     bool
	ICacheTrampoline bool
	Trampoline       uint64

	Err string
}

// RecordRegion stores the mapping around addr unless one was already
// recorded.
func (r *Report) RecordRegion(in region.Inspector, addr uint64) {
	if r.RegionRecorded {
		return
	}
	r.Region = region.Inspect(in, addr)
	r.RegionRecorded = true
}

// Touched reports whether the report carries anything worth emitting.
func (r *Report) Touched() bool {
	return r.Attempted || r.Applied || r.Region.OK
}

func (r *Report) notePages(g *Guard) {
	if g == nil {
		return
	}
	for i, st := range g.Pages() {
		end := i > 0
		if st.VMTried {
			r.VMCopyAttempted = true
		}
		switch st.RelaxedBy {
		case APIProtect:
			setFlag(&r.MprotectStartOK, &r.MprotectEndOK, end)
		case APIVMProtect:
			setFlag(&r.VMCopyStartOK, &r.VMCopyEndOK, end)
		}
		switch st.RestoredBy {
		case APIProtect:
			setFlag(&r.MprotectRestoreOK, &r.MprotectRestoreEndOK, end)
		case APIVMProtect:
			setFlag(&r.VMCopyRestoreOK, &r.VMCopyRestoreEndOK, end)
		}
	}
}

func setFlag(start, end *bool, isEnd bool) {
	if isEnd {
		*end = true
	} else {
		*start = true
	}
}
