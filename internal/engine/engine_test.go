package engine

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zboralski/sbtrace/internal/config"
	"github.com/zboralski/sbtrace/internal/hook"
	"github.com/zboralski/sbtrace/internal/hwbp"
	"github.com/zboralski/sbtrace/internal/log"
	"github.com/zboralski/sbtrace/internal/patch"
	"github.com/zboralski/sbtrace/internal/region"
	"github.com/zboralski/sbtrace/internal/resolve"
	"github.com/zboralski/sbtrace/internal/trace"
	"github.com/zboralski/sbtrace/internal/triage"
)

const (
	pageSize  = 0x1000
	textBase  = 0x100000000
	textSize  = 4 * pageSize
	heapBase  = 0x200000000
	hookEntry = 0x300000000
	exported  = textBase + 0x2000
	libPath   = "/usr/lib/libsandbox.1.dylib"
	imageUUID = "5d3f2a10-8c4e-3b7a-9f21-0a1b2c3d4e5f"
)

type fakeMem struct {
	data    map[uint64][]byte
	prot    map[uint64]region.Prot
	maxProt region.Prot
	heap    uint64
}

func newFakeMem() *fakeMem {
	m := &fakeMem{
		data:    map[uint64][]byte{},
		prot:    map[uint64]region.Prot{},
		maxProt: region.ReadExec | region.Write,
		heap:    heapBase,
	}
	for p := uint64(textBase); p < textBase+textSize; p += pageSize {
		b := make([]byte, pageSize)
		for i := 0; i < pageSize; i += 4 {
			binary.LittleEndian.PutUint32(b[i:], 0xd503201f) // nop
		}
		m.data[p] = b
		m.prot[p] = region.ReadExec
	}
	copy(m.data[textBase], machHeader(imageUUID))
	return m
}

func page(a uint64) uint64 { return a &^ (pageSize - 1) }

func (m *fakeMem) PageSize() uint64 { return pageSize }

func (m *fakeMem) Read(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		a := addr + uint64(i)
		p, ok := m.data[page(a)]
		if !ok {
			return nil, fmt.Errorf("unmapped %#x", a)
		}
		out[i] = p[a-page(a)]
	}
	return out, nil
}

func (m *fakeMem) Write(addr uint64, b []byte) error {
	for i, v := range b {
		a := addr + uint64(i)
		p, ok := m.data[page(a)]
		if !ok || m.prot[page(a)]&region.Write == 0 {
			return fmt.Errorf("write fault at %#x", a)
		}
		p[a-page(a)] = v
	}
	return nil
}

func (m *fakeMem) setProt(addr, size uint64, prot region.Prot, max region.Prot) error {
	for p := page(addr); p < addr+size; p += pageSize {
		if _, ok := m.data[p]; !ok {
			return fmt.Errorf("unmapped %#x", p)
		}
		if isText(p) && prot&^region.Copy&^max != 0 {
			return errors.New("permission denied")
		}
		m.prot[p] = prot &^ region.Copy
	}
	return nil
}

func (m *fakeMem) Protect(addr, size uint64, prot region.Prot) error {
	return m.setProt(addr, size, prot, m.maxProt)
}

func (m *fakeMem) VMProtect(addr, size uint64, prot region.Prot) error {
	max := m.maxProt
	if prot&region.Copy != 0 {
		max |= region.Write
	}
	return m.setProt(addr, size, prot, max)
}

func (m *fakeMem) Allocate(size uint64) (uint64, error) {
	addr := m.heap
	for p := addr; p < addr+size; p += pageSize {
		m.data[p] = make([]byte, pageSize)
		m.prot[p] = region.ReadWrite
		m.heap += pageSize
	}
	return addr, nil
}

func (m *fakeMem) FlushICache(addr, size uint64)       {}
func (m *fakeMem) SignCodePointer(addr uint64) uint64  { return addr }
func (m *fakeMem) StripCodePointer(addr uint64) uint64 { return addr }

func isText(a uint64) bool { return a >= textBase && a < textBase+textSize }

func (m *fakeMem) Region(addr uint64) (region.Info, error) {
	switch {
	case isText(addr):
		return region.Info{
			Start:         textBase,
			Size:          textSize,
			Protection:    m.prot[page(addr)],
			MaxProtection: m.maxProt,
			ShareMode:     region.ShareCOW,
		}, nil
	case addr >= heapBase && addr < m.heap:
		return region.Info{Start: heapBase, Size: m.heap - heapBase, Protection: region.ReadWrite, MaxProtection: 7}, nil
	}
	return region.Info{}, errors.New("no region")
}

func machHeader(id string) []byte {
	hdr := make([]byte, 32+24)
	binary.LittleEndian.PutUint32(hdr[0:], 0xfeedfacf)
	binary.LittleEndian.PutUint32(hdr[16:], 1)
	binary.LittleEndian.PutUint32(hdr[20:], 24)
	binary.LittleEndian.PutUint32(hdr[32:], 0x1b)
	binary.LittleEndian.PutUint32(hdr[36:], 24)
	raw, _ := hex.DecodeString(strings.ReplaceAll(id, "-", ""))
	copy(hdr[40:], raw)
	return hdr
}

type fakeLoader struct {
	exported bool
}

func (l *fakeLoader) Open(path string) (resolve.Handle, bool, error) {
	if path != libPath {
		return 0, false, errors.New("image not found")
	}
	return 1, false, nil
}

func (l *fakeLoader) Lookup(h resolve.Handle, symbol string) (uint64, error) {
	switch {
	case symbol == "sandbox_compile_file":
		return textBase + 0x3000, nil
	case symbol == config.DefaultSymbol && l.exported:
		return exported, nil
	}
	return 0, errors.New("symbol not found")
}

func (l *fakeLoader) ImageBase(addr uint64) (uint64, bool) {
	return textBase, isText(addr)
}

func (l *fakeLoader) Images() []resolve.Image {
	return []resolve.Image{{Index: 3, Name: libPath, Base: textBase, Slide: 0x4000}}
}

type fakeInterposer struct {
	available bool
	pairs     [][2]uint64
}

func (f *fakeInterposer) Available() bool { return f.available }

func (f *fakeInterposer) Interpose(base, replacement, replacee uint64) error {
	if base != textBase {
		return errors.New("wrong image")
	}
	f.pairs = append(f.pairs, [2]uint64{replacement, replacee})
	return nil
}

type fakeThread struct {
	ds hwbp.DebugState
}

func (t *fakeThread) DebugState() (hwbp.DebugState, error) { return t.ds, nil }
func (t *fakeThread) SetDebugState(ds hwbp.DebugState) error {
	t.ds = ds
	return nil
}
func (t *fakeThread) ThreadState() (hwbp.ThreadState, error) { return hwbp.ThreadState{}, nil }

type fakeHost struct {
	thread  *fakeThread
	handler hwbp.Handler
}

func (h *fakeHost) AllocatePort() error { return nil }
func (h *fakeHost) StartServer(hd hwbp.Handler) error {
	h.handler = hd
	return nil
}
func (h *fakeHost) CurrentThread() (hwbp.Thread, error) { return h.thread, nil }
func (h *fakeHost) SetExceptionPorts(hwbp.Thread) error { return nil }

type call struct {
	fn   uint64
	args [4]uint64
}

type fakePlatform struct {
	arch   string
	mem    *fakeMem
	loader *fakeLoader
	ip     *fakeInterposer
	host   *fakeHost
	calls  []call
}

func newPlatform() *fakePlatform {
	return &fakePlatform{
		arch:   "arm64",
		mem:    newFakeMem(),
		loader: &fakeLoader{},
		ip:     &fakeInterposer{},
		host:   &fakeHost{thread: &fakeThread{}},
	}
}

func (p *fakePlatform) Arch() string           { return p.arch }
func (p *fakePlatform) Loader() resolve.Loader { return p.loader }
func (p *fakePlatform) Memory() patch.Memory   { return p.mem }
func (p *fakePlatform) Interposer() Interposer { return p.ip }
func (p *fakePlatform) Breakpoints() hwbp.Host { return p.host }
func (p *fakePlatform) Guard() hook.Guard      { return &hook.Flag{} }
func (p *fakePlatform) HookEntry() uint64      { return hookEntry }
func (p *fakePlatform) Caller(addr uint64) hook.WriteFunc {
	return func(buf, cursor, data, length uint64) {
		p.calls = append(p.calls, call{addr, [4]uint64{buf, cursor, data, length}})
	}
}

func attach(t *testing.T, p *fakePlatform, env map[string]string) (*Engine, *triage.Report, string) {
	t.Helper()
	dir := t.TempDir()
	env[config.EnvTraceOut] = filepath.Join(dir, "trace.jsonl")
	env[config.EnvTriageOut] = filepath.Join(dir, "triage.json")
	cfg, err := config.LoadFrom(env)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(cfg, p, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	rep := eng.Attach()
	b, err := os.ReadFile(env[config.EnvTriageOut])
	if err != nil {
		t.Fatalf("triage not written: %v", err)
	}
	return eng, rep, string(b)
}

func TestPatchModeOffset(t *testing.T) {
	p := newPlatform()
	eng, rep, out := attach(t, p, map[string]string{
		config.EnvMode:   config.ModePatch,
		config.EnvOffset: "0x1000",
		config.EnvInput:  "bsd.sb",
	})
	for _, want := range []string{
		`"patch_applied":true`,
		`"hook_status":"ok"`,
		`"patch_surface":"entry_text"`,
		`"target_addr":"0x100001000"`,
		`"target_addr_source":"base+offset"`,
		`"sandbox_symbol":"sandbox_compile_file"`,
		`"image_index":3`,
		`"uuid_loaded":"` + imageUUID + `"`,
		`"hook_error":null`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
	if rep.Patch == nil || rep.TrampolineAddr == nil {
		t.Fatalf("patch section = %+v", rep.Patch)
	}

	data, _ := p.mem.Allocate(pageSize)
	copy(p.mem.data[data], "(version 1)")
	eng.Context().Call(0x5000, 8, data, 11)

	if len(p.calls) != 1 || p.calls[0].fn != uint64(*rep.TrampolineAddr) {
		t.Fatalf("forwarded calls = %+v", p.calls)
	}
	if Current() != eng.Context() {
		t.Error("context not published")
	}
	eng.Context().Close()

	f, err := os.Open(eng.cfg.TraceOut)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := trace.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Seq != 1 || recs[0].BytesHex != "2876657273696f6e203129" || recs[0].InputLabel() != "bsd.sb" {
		t.Errorf("records = %+v", recs)
	}
}

func TestPatchModeImmutable(t *testing.T) {
	p := newPlatform()
	p.mem.maxProt = region.ReadExec
	_, rep, out := attach(t, p, map[string]string{
		config.EnvMode: config.ModePatch,
		config.EnvAddr: "0x100001000",
	})
	if rep.HookStatus != triage.StatusSkippedImmutable || triage.Value(rep.HookError) != "region_max_protection_no_write" {
		t.Errorf("status = %s, error = %v", rep.HookStatus, rep.HookError)
	}
	if !strings.Contains(out, `"patch_attempted":false,"patch_applied":false`) || !strings.Contains(out, `"max_has_write":false`) {
		t.Errorf("triage = %s", out)
	}
}

func TestPatchModeIdentityMismatch(t *testing.T) {
	p := newPlatform()
	_, rep, _ := attach(t, p, map[string]string{
		config.EnvMode:         config.ModePatch,
		config.EnvUnslid:       "0xffd000",
		config.EnvUUIDExpected: "00000000-0000-0000-0000-000000000001",
	})
	if rep.HookStatus != triage.StatusSkipped || triage.Value(rep.HookError) != "identity mismatch" {
		t.Errorf("status = %s, error = %v", rep.HookStatus, rep.HookError)
	}
	if rep.UUIDMatch == nil || *rep.UUIDMatch {
		t.Errorf("uuid_match = %v", rep.UUIDMatch)
	}
	if rep.PatchAttempted || rep.Patch != nil {
		t.Error("nothing should have been patched")
	}
}

func TestHWModeUnresolved(t *testing.T) {
	p := newPlatform()
	_, rep, out := attach(t, p, map[string]string{config.EnvMode: config.ModeHWBreakpoint})
	if !strings.Contains(out, `"hook_status":"skipped"`) || !strings.Contains(out, `"hook_error":"target address unavailable"`) {
		t.Errorf("triage = %s", out)
	}
	if rep.HWBreakpoint != nil {
		t.Error("hw section emitted without an attempt")
	}
}

func TestHWMode(t *testing.T) {
	p := newPlatform()
	_, rep, out := attach(t, p, map[string]string{
		config.EnvMode: config.ModeHWBreakpoint,
		config.EnvAddr: "0x100001000",
	})
	if rep.HookStatus != triage.StatusOK || rep.HookAttempt != triage.AttemptHWBreakpoint {
		t.Fatalf("triage = %s", out)
	}
	for _, want := range []string{
		`"patch_surface":"hw_breakpoint"`,
		`"patch_attempted":false`,
		`"info_ok":true`,
		`"breakpoint_set_ok":true`,
		`"bcr_value":"0x1e7"`,
		`"threads_armed":1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
	if p.host.thread.ds.BVR[0] != 0x100001000 {
		t.Errorf("BVR0 = %#x", p.host.thread.ds.BVR[0])
	}
}

func TestHWModeUnsupportedArch(t *testing.T) {
	p := newPlatform()
	p.arch = "x86_64"
	_, rep, _ := attach(t, p, map[string]string{
		config.EnvMode: config.ModeHWBreakpoint,
		config.EnvAddr: "0x100001000",
	})
	if rep.HookStatus != triage.StatusFailed || triage.Value(rep.HookError) != hwbp.ErrUnsupported.Error() {
		t.Errorf("status = %s, error = %v", rep.HookStatus, rep.HookError)
	}
	if rep.PatchStubSize != 12 {
		t.Errorf("stub size = %d", rep.PatchStubSize)
	}
}

func TestDynamicMode(t *testing.T) {
	tests := []struct {
		name      string
		available bool
		exported  bool
		status    string
		err       error
	}{
		{"ok", true, true, triage.StatusOK, nil},
		{"no facility", false, true, triage.StatusSkipped, ErrInterposeUnavailable},
		{"not exported", true, false, triage.StatusSkipped, ErrNotExported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlatform()
			p.ip.available = tt.available
			p.loader.exported = tt.exported
			eng, rep, _ := attach(t, p, map[string]string{config.EnvMode: config.ModeDynamic})
			if rep.HookAttempt != triage.AttemptDynamic || rep.HookStatus != tt.status {
				t.Fatalf("attempt = %s, status = %s", rep.HookAttempt, rep.HookStatus)
			}
			if tt.err != nil {
				if triage.Value(rep.HookError) != tt.err.Error() {
					t.Errorf("hook_error = %v", rep.HookError)
				}
				if len(p.ip.pairs) != 0 {
					t.Error("interposed despite failure")
				}
				return
			}
			if len(p.ip.pairs) != 1 || p.ip.pairs[0] != [2]uint64{hookEntry, exported} {
				t.Errorf("interpose = %v", p.ip.pairs)
			}
			if rep.PatchSurface != nil || rep.Patch != nil {
				t.Error("dynamic mode should not touch code")
			}
			eng.Context().Call(1, 2, 0, 0)
			if len(p.calls) != 1 || p.calls[0].fn != exported {
				t.Errorf("forwarded = %+v", p.calls)
			}
		})
	}
}

func TestUnknownModeInstallsNothing(t *testing.T) {
	p := newPlatform()
	p.loader.exported = true
	_, rep, out := attach(t, p, map[string]string{config.EnvMode: "observe"})
	if rep.HookAttempt != triage.AttemptNone || rep.HookStatus != triage.StatusSkipped {
		t.Errorf("triage = %s", out)
	}
	if !strings.Contains(out, `"target_exported":true`) || !strings.Contains(out, `"target_addr_source":"exported"`) {
		t.Errorf("triage = %s", out)
	}
	if !strings.HasSuffix(out, "}\n") {
		t.Errorf("triage should end with a newline")
	}
}
