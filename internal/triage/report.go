// Package triage writes the one-shot report describing what the engine
// found and attempted when it attached.
//
// The report is a single flat JSON object. Addresses are "0x…" strings and
// every value that does not apply is null rather than zero.
package triage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zboralski/sbtrace/internal/hwbp"
	"github.com/zboralski/sbtrace/internal/patch"
	"github.com/zboralski/sbtrace/internal/region"
	"github.com/zboralski/sbtrace/internal/resolve"
)

// Hook attempt, status and surface vocabulary.
const (
	AttemptNone         = "none"
	AttemptDynamic      = "dynamic"
	AttemptPatch        = "patch"
	AttemptHWBreakpoint = "hw_breakpoint"

	StatusSkipped          = "skipped"
	StatusSkippedImmutable = "skipped_immutable"
	StatusOK               = "ok"
	StatusFailed           = "failed"

	SurfaceEntryText    = "entry_text"
	SurfaceHWBreakpoint = "hw_breakpoint"
)

// Hex is an address rendered as a "0x…" JSON string.
type Hex uint64

func (h Hex) String() string { return "0x" + strconv.FormatUint(uint64(h), 16) }

func (h Hex) MarshalJSON() ([]byte, error) { return []byte(`"` + h.String() + `"`), nil }

func (h *Hex) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("address %q: %w", s, err)
	}
	*h = Hex(v)
	return nil
}

// HexPtr returns nil for zero.
func HexPtr(v uint64) *Hex {
	if v == 0 {
		return nil
	}
	h := Hex(v)
	return &h
}

// Report is the triage object. Field order is the output key order.
type Report struct {
	Arch              string  `json:"arch"`
	TargetSymbol      *string `json:"target_symbol"`
	PatchStubSize     int     `json:"patch_stub_size"`
	PatchSurface      *string `json:"patch_surface"`
	ImageName         *string `json:"image_name"`
	ImageIndex        *int    `json:"image_index"`
	ImageSlide        *Hex    `json:"image_slide"`
	UnslidAddr        *Hex    `json:"unslid_addr"`
	UUIDExpected      *string `json:"uuid_expected"`
	UUIDLoaded        *string `json:"uuid_loaded"`
	UUIDMatch         *bool   `json:"uuid_match"`
	TargetRuntimeAddr *Hex    `json:"target_runtime_addr"`

	PatchAttempted bool `json:"patch_attempted"`
	*Patch

	HWBreakpoint *HWBreakpoint `json:"hw_breakpoint,omitempty"`

	Mode                 string  `json:"mode"`
	SandboxPath          *string `json:"sandbox_path"`
	SandboxLoaded        bool    `json:"sandbox_loaded"`
	SandboxAlreadyLoaded bool    `json:"sandbox_already_loaded"`
	SandboxSymbol        *string `json:"sandbox_symbol"`
	SandboxBase          *Hex    `json:"sandbox_base"`
	TargetExported       bool    `json:"target_exported"`
	TargetAddr           *Hex    `json:"target_addr"`
	TargetAddrSource     *string `json:"target_addr_source"`
	DyldDynamicInterpose bool    `json:"dyld_dynamic_interpose"`
	HookAttempt          string  `json:"hook_attempt"`
	HookStatus           string  `json:"hook_status"`
	HookError            *string `json:"hook_error"`
}

// Patch holds the inline patch fields. It is omitted entirely when no
// patch was attempted and no region was inspected.
type Patch struct {
	PatchApplied         bool     `json:"patch_applied"`
	PatchError           *string  `json:"patch_error"`
	PatchPreBytes        *string  `json:"patch_pre_bytes"`
	PatchPostBytes       *string  `json:"patch_post_bytes"`
	PatchPreDisasm       []string `json:"patch_pre_disasm"`
	PatchPostDisasm      []string `json:"patch_post_disasm"`
	ProloguePCRelative   bool     `json:"prologue_pc_relative"`
	TrampolineAddr       *Hex     `json:"trampoline_addr"`
	MprotectStartOK      bool     `json:"mprotect_start_ok"`
	MprotectEndOK        bool     `json:"mprotect_end_ok"`
	MprotectRestoreOK    bool     `json:"mprotect_restore_ok"`
	MprotectRestoreEndOK bool     `json:"mprotect_restore_end_ok"`
	VMCopyAttempted      bool     `json:"vm_copy_attempted"`
	VMCopyStartOK        bool     `json:"vm_copy_start_ok"`
	VMCopyEndOK          bool     `json:"vm_copy_end_ok"`
	VMCopyRestoreOK      bool     `json:"vm_copy_restore_ok"`
	VMCopyRestoreEndOK   bool     `json:"vm_copy_restore_end_ok"`
	ICacheTarget         bool     `json:"icache_invalidate_target"`
	ICacheTrampoline     bool     `json:"icache_invalidate_trampoline"`
	Region               Region   `json:"region"`
}

// Region is the mapping that contained the target.
type Region struct {
	InfoOK             bool    `json:"info_ok"`
	Error              *string `json:"error"`
	Start              *Hex    `json:"start"`
	Size               *uint64 `json:"size"`
	Protection         *int    `json:"protection"`
	ProtectionFlags    *string `json:"protection_flags"`
	MaxProtection      *int    `json:"max_protection"`
	MaxProtectionFlags *string `json:"max_protection_flags"`
	MaxHasWrite        *bool   `json:"max_has_write"`
	IsSubmap           *bool   `json:"is_submap"`
	Depth              *int    `json:"depth"`
	ShareMode          *int    `json:"share_mode"`
	UserTag            *int    `json:"user_tag"`
	Inheritance        *int    `json:"inheritance"`
	Offset             *Hex    `json:"offset"`
}

// HWBreakpoint mirrors hwbp.Report.
type HWBreakpoint struct {
	Attempted       bool    `json:"attempted"`
	PortOK          bool    `json:"port_ok"`
	HandlerThreadOK bool    `json:"handler_thread_ok"`
	ExceptionPortOK bool    `json:"exception_port_ok"`
	DebugStateOK    bool    `json:"debug_state_ok"`
	BreakpointSetOK bool    `json:"breakpoint_set_ok"`
	ThreadsScanned  int     `json:"threads_scanned"`
	ThreadsArmed    int     `json:"threads_armed"`
	BreakpointIndex int     `json:"breakpoint_index"`
	BCRValue        *Hex    `json:"bcr_value"`
	Error           *string `json:"error"`
}

// New returns a report with the fixed facts filled in and a skipped hook.
func New(arch, mode string, stubSize int) *Report {
	return &Report{
		Arch:          arch,
		Mode:          mode,
		PatchStubSize: stubSize,
		HookAttempt:   AttemptNone,
		HookStatus:    StatusSkipped,
	}
}

// SetResolution copies the resolver's findings.
func (r *Report) SetResolution(res *resolve.Resolution) {
	r.TargetSymbol = str(res.Symbol)
	r.SandboxPath = str(res.Library.Path)
	r.SandboxLoaded = res.Library.Loaded
	r.SandboxAlreadyLoaded = res.Library.AlreadyLoaded
	r.SandboxSymbol = str(res.Library.Anchor)
	r.SandboxBase = HexPtr(res.Library.Base)
	if res.Image != nil {
		r.ImageName = str(res.Image.Name)
		idx := res.Image.Index
		r.ImageIndex = &idx
		slide := Hex(uint64(res.Image.Slide))
		r.ImageSlide = &slide
	}
	if res.HasUnslid {
		u := Hex(res.Unslid)
		r.UnslidAddr = &u
	}
	r.UUIDExpected = str(res.ExpectedUUID)
	r.UUIDLoaded = str(res.LoadedUUID)
	r.UUIDMatch = res.UUIDMatch
	r.TargetExported = res.Exported
	r.TargetAddr = HexPtr(res.Addr)
	r.TargetAddrSource = str(string(res.Source))
}

// SetHook records the outcome of the chosen strategy.
func (r *Report) SetHook(attempt, status string, err error) {
	r.HookAttempt = attempt
	r.HookStatus = status
	r.HookError = nil
	if err != nil {
		r.HookError = str(err.Error())
	}
}

// SetSurface records where the hook lives.
func (r *Report) SetSurface(surface string) { r.PatchSurface = str(surface) }

// SetPatch copies an inline patch report. Reports that never touched
// memory or inspected a region are left out.
func (r *Report) SetPatch(p *patch.Report) {
	if p == nil {
		return
	}
	if p.Target != 0 {
		r.TargetRuntimeAddr = HexPtr(p.Target)
	}
	if !p.Touched() {
		return
	}
	r.PatchAttempted = p.Attempted
	r.Patch = &Patch{
		PatchApplied:         p.Applied,
		PatchError:           str(p.Err),
		PatchPreBytes:        hexBytes(p.PreBytes),
		PatchPostBytes:       hexBytes(p.PostBytes),
		PatchPreDisasm:       p.PreDisasm,
		PatchPostDisasm:      p.PostDisasm,
		ProloguePCRelative:   p.ProloguePCRelative,
		TrampolineAddr:       HexPtr(p.Trampoline),
		MprotectStartOK:      p.MprotectStartOK,
		MprotectEndOK:        p.MprotectEndOK,
		MprotectRestoreOK:    p.MprotectRestoreOK,
		MprotectRestoreEndOK: p.MprotectRestoreEndOK,
		VMCopyAttempted:      p.VMCopyAttempted,
		VMCopyStartOK:        p.VMCopyStartOK,
		VMCopyEndOK:          p.VMCopyEndOK,
		VMCopyRestoreOK:      p.VMCopyRestoreOK,
		VMCopyRestoreEndOK:   p.VMCopyRestoreEndOK,
		ICacheTarget:         p.ICacheTarget,
		ICacheTrampoline:     p.ICacheTrampoline,
		Region:               FromSnapshot(p.Region),
	}
}

// SetHW copies a hardware breakpoint report when installation began.
func (r *Report) SetHW(h *hwbp.Report) {
	if h == nil || !h.Touched() {
		return
	}
	r.HWBreakpoint = &HWBreakpoint{
		Attempted:       h.Attempted,
		PortOK:          h.PortOK,
		HandlerThreadOK: h.HandlerThreadOK,
		ExceptionPortOK: h.ExceptionPortOK,
		DebugStateOK:    h.DebugStateOK,
		BreakpointSetOK: h.BreakpointSetOK,
		ThreadsScanned:  h.ThreadsScanned,
		ThreadsArmed:    h.ThreadsArmed,
		BreakpointIndex: h.Slot,
		BCRValue:        HexPtr(h.BCR),
		Error:           str(h.Err),
	}
}

// FromSnapshot converts a region snapshot. Every field but info_ok and
// error is null when the lookup failed.
func FromSnapshot(s region.Snapshot) Region {
	if !s.OK {
		return Region{Error: str(s.Err)}
	}
	i := s.Info
	start := Hex(i.Start)
	off := Hex(i.Offset)
	return Region{
		InfoOK:             true,
		Error:              str(s.Err),
		Start:              &start,
		Size:               ptr(i.Size),
		Protection:         ptr(int(i.Protection)),
		ProtectionFlags:    ptr(i.Protection.Flags()),
		MaxProtection:      ptr(int(i.MaxProtection)),
		MaxProtectionFlags: ptr(i.MaxProtection.Flags()),
		MaxHasWrite:        ptr(i.MaxWritable()),
		IsSubmap:           ptr(i.IsSubmap),
		Depth:              ptr(int(i.Depth)),
		ShareMode:          ptr(int(i.ShareMode)),
		UserTag:            ptr(int(i.UserTag)),
		Inheritance:        ptr(int(i.Inheritance)),
		Offset:             &off,
	}
}

func ptr[T any](v T) *T { return &v }

// str returns nil for the empty string.
func str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func hexBytes(b []byte) *string {
	if b == nil {
		return nil
	}
	s := hex.EncodeToString(b)
	return &s
}

// Value returns *p or the zero value.
func Value[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
