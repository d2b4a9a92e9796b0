package resolve

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
)

const (
	testBase  = 0x100000000
	testSlide = 0x4000
	testUUID  = "5d3f2a10-8c4e-3b7a-9f21-0a1b2c3d4e5f"
)

// machHeader builds a minimal MH_MAGIC_64 header with an LC_SEGMENT_64
// placeholder followed by an optional LC_UUID.
func machHeader(id string) []byte {
	var cmds []byte
	seg := make([]byte, 72)
	binary.LittleEndian.PutUint32(seg[0:], 0x19)
	binary.LittleEndian.PutUint32(seg[4:], 72)
	cmds = append(cmds, seg...)
	ncmds := uint32(1)
	if id != "" {
		lc := make([]byte, 24)
		binary.LittleEndian.PutUint32(lc[0:], lcUUID)
		binary.LittleEndian.PutUint32(lc[4:], 24)
		raw, _ := hex.DecodeString(strings.ReplaceAll(id, "-", ""))
		copy(lc[8:], raw)
		cmds = append(cmds, lc...)
		ncmds++
	}
	hdr := make([]byte, machHeader64)
	binary.LittleEndian.PutUint32(hdr[0:], mhMagic64)
	binary.LittleEndian.PutUint32(hdr[4:], 0x0100000c)
	binary.LittleEndian.PutUint32(hdr[12:], 6)
	binary.LittleEndian.PutUint32(hdr[16:], ncmds)
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(cmds)))
	return append(hdr, cmds...)
}

type flatMem struct {
	base uint64
	data []byte
}

func (m flatMem) Read(addr uint64, n int) ([]byte, error) {
	if addr < m.base || addr+uint64(n) > m.base+uint64(len(m.data)) {
		return nil, fmt.Errorf("unmapped %#x", addr)
	}
	off := addr - m.base
	return append([]byte(nil), m.data[off:off+uint64(n)]...), nil
}

type fakeLoader struct {
	missing   bool
	resident  bool
	symbols   map[string]uint64
	inTable   bool
	openPaths []string
}

func newLoader() *fakeLoader {
	return &fakeLoader{
		resident: true,
		inTable:  true,
		symbols: map[string]uint64{
			"sandbox_compile_string": testBase + 0x2000,
		},
	}
}

func (l *fakeLoader) Open(path string) (Handle, bool, error) {
	l.openPaths = append(l.openPaths, path)
	if l.missing {
		return 0, false, errors.New("image not found")
	}
	return 1, l.resident, nil
}

func (l *fakeLoader) Lookup(_ Handle, symbol string) (uint64, error) {
	if a, ok := l.symbols[symbol]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("symbol not found: %s", symbol)
}

func (l *fakeLoader) ImageBase(addr uint64) (uint64, bool) {
	if addr >= testBase && addr < testBase+0x100000 {
		return testBase, true
	}
	return 0, false
}

func (l *fakeLoader) Images() []Image {
	imgs := []Image{{Index: 0, Name: "/usr/lib/dyld", Base: 0x180000000}}
	if l.inTable {
		imgs = append(imgs, Image{Index: 7, Name: "/usr/lib/libsandbox.1.dylib", Base: testBase, Slide: testSlide})
	}
	return imgs
}

func u64(v uint64) *uint64 { return &v }

func newResolver(l *fakeLoader, id string) *Resolver {
	return New(l, flatMem{base: testBase, data: machHeader(id)})
}

func TestExplicitWins(t *testing.T) {
	res := newResolver(newLoader(), testUUID).Resolve(Inputs{
		LibraryPath: "/usr/lib/libsandbox.1.dylib",
		Addr:        u64(0x1deadbeef),
		Unslid:      u64(0x1000),
	})
	if res.Addr != 0x1deadbeef || res.Source != SourceExplicit {
		t.Errorf("Addr=%#x Source=%q; want explicit 0x1deadbeef", res.Addr, res.Source)
	}
	if !res.HasUnslid || res.Unslid != 0x1000 {
		t.Error("unslid input should still be recorded")
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v", res.Err())
	}
}

func TestExplicitIgnoresIdentity(t *testing.T) {
	res := newResolver(newLoader(), testUUID).Resolve(Inputs{
		Addr:         u64(0x5000),
		ExpectedUUID: "00000000-0000-0000-0000-000000000001",
	})
	if res.Addr != 0x5000 {
		t.Errorf("explicit address blocked by identity: %+v", res)
	}
	if res.UUIDMatch == nil || *res.UUIDMatch {
		t.Error("mismatch should still be recorded")
	}
}

func TestUnslidPlusSlide(t *testing.T) {
	res := newResolver(newLoader(), testUUID).Resolve(Inputs{
		Unslid:       u64(0x1a2b0),
		ExpectedUUID: strings.ToUpper(testUUID),
	})
	if want := uint64(0x1a2b0 + testSlide); res.Addr != want || res.Source != SourceUnslid {
		t.Errorf("Addr=%#x Source=%q; want %#x unslid+slide", res.Addr, res.Source, want)
	}
	if res.UUIDMatch == nil || !*res.UUIDMatch {
		t.Error("identity comparison should ignore case")
	}
	if res.Image == nil || res.Image.Index != 7 {
		t.Errorf("image = %+v", res.Image)
	}
}

func TestIdentityMismatchBlocksUnslid(t *testing.T) {
	l := newLoader()
	l.symbols["_sb_mutable_buffer_write"] = testBase + 0x3000
	res := newResolver(l, testUUID).Resolve(Inputs{
		Symbol:       "_sb_mutable_buffer_write",
		Unslid:       u64(0x1a2b0),
		ExpectedUUID: "11111111-2222-3333-4444-555555555555",
	})
	if res.Available() {
		t.Fatalf("mismatched identity resolved to %#x", res.Addr)
	}
	if !res.SlideKnown() {
		t.Fatal("slide should be known in this scenario")
	}
	if !errors.Is(res.Err(), ErrIdentityMismatch) || res.Err().Error() != "identity mismatch" {
		t.Errorf("Err() = %v, want identity mismatch", res.Err())
	}
	if res.Source != SourceUnslid {
		t.Errorf("Source = %q", res.Source)
	}
	if !res.Exported {
		t.Error("export lookup should still be recorded")
	}
}

func TestIdentityUnknownBlocksUnslid(t *testing.T) {
	res := newResolver(newLoader(), "").Resolve(Inputs{
		Unslid:       u64(0x1a2b0),
		ExpectedUUID: testUUID,
	})
	if res.Available() || !errors.Is(res.Err(), ErrIdentityUnknown) {
		t.Errorf("Addr=%#x Err=%v; want identity unknown", res.Addr, res.Err())
	}
	if res.LoadedUUID != "" {
		t.Errorf("LoadedUUID = %q", res.LoadedUUID)
	}
}

func TestUnslidWithoutSlide(t *testing.T) {
	l := newLoader()
	l.inTable = false
	l.symbols["_sb_mutable_buffer_write"] = testBase + 0x3000
	res := newResolver(l, testUUID).Resolve(Inputs{
		Symbol: "_sb_mutable_buffer_write",
		Unslid: u64(0x1a2b0),
		Offset: u64(0x1000),
	})
	if res.Available() {
		t.Errorf("unslid without slide fell through to %#x (%s)", res.Addr, res.Source)
	}
	if !errors.Is(res.Err(), ErrSlideUnknown) {
		t.Errorf("Err() = %v", res.Err())
	}
}

func TestBasePlusOffset(t *testing.T) {
	res := newResolver(newLoader(), testUUID).Resolve(Inputs{Offset: u64(0x1000)})
	if res.Addr != 0x100001000 || res.Source != SourceOffset {
		t.Errorf("Addr=%#x Source=%q; want 0x100001000 base+offset", res.Addr, res.Source)
	}
	if res.Library.Anchor != "sandbox_compile_string" || res.Library.Base != testBase {
		t.Errorf("library = %+v", res.Library)
	}
	if !res.Library.AlreadyLoaded {
		t.Error("resident library not reported")
	}
	if res.LoadedUUID != testUUID {
		t.Errorf("LoadedUUID = %q, want %q", res.LoadedUUID, testUUID)
	}
}

func TestOffsetWithoutBaseFallsBackToExport(t *testing.T) {
	l := newLoader()
	l.symbols = map[string]uint64{"_sb_mutable_buffer_write": 0x7000}
	res := newResolver(l, testUUID).Resolve(Inputs{Symbol: "_sb_mutable_buffer_write", Offset: u64(0x1000)})
	if res.Addr != 0x7000 || res.Source != SourceExported {
		t.Errorf("Addr=%#x Source=%q", res.Addr, res.Source)
	}
}

func TestNothingResolves(t *testing.T) {
	l := newLoader()
	l.missing = true
	res := newResolver(l, testUUID).Resolve(Inputs{LibraryPath: "/nonexistent", Symbol: "x", Offset: u64(0x1000)})
	if res.Available() || !errors.Is(res.Err(), ErrUnavailable) {
		t.Errorf("Addr=%#x Err=%v", res.Addr, res.Err())
	}
	if res.Library.Loaded || res.Library.Err == "" {
		t.Errorf("library = %+v", res.Library)
	}
	if len(l.openPaths) != 1 || l.openPaths[0] != "/nonexistent" {
		t.Errorf("opened %v", l.openPaths)
	}
}

func TestReadUUID(t *testing.T) {
	id, err := ReadUUID(flatMem{base: 0x1000, data: machHeader(testUUID)}, 0x1000)
	if err != nil {
		t.Fatalf("ReadUUID: %v", err)
	}
	if id.String() != testUUID {
		t.Errorf("uuid = %s, want %s", id, testUUID)
	}

	if _, err := ReadUUID(flatMem{base: 0x1000, data: machHeader("")}, 0x1000); !errors.Is(err, errNoUUID) {
		t.Errorf("no LC_UUID: err = %v", err)
	}

	bad := machHeader(testUUID)
	binary.LittleEndian.PutUint32(bad, 0xfeedface)
	if _, err := ReadUUID(flatMem{base: 0x1000, data: bad}, 0x1000); err == nil {
		t.Error("32-bit magic accepted")
	}
}

func TestReadUUIDRejectsOversizedCommand(t *testing.T) {
	cmds := make([]byte, 112)
	binary.LittleEndian.PutUint32(cmds[0:], 0x19)
	binary.LittleEndian.PutUint32(cmds[4:], 100)
	binary.LittleEndian.PutUint32(cmds[100:], lcUUID)
	binary.LittleEndian.PutUint32(cmds[104:], 0xfffffff0)

	hdr := make([]byte, machHeader64)
	binary.LittleEndian.PutUint32(hdr[0:], mhMagic64)
	binary.LittleEndian.PutUint32(hdr[16:], 2)
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(cmds)))
	mem := flatMem{base: 0x1000, data: append(hdr, cmds...)}

	_, err := ReadUUID(mem, 0x1000)
	if err == nil || !strings.Contains(err.Error(), "bad cmdsize") {
		t.Errorf("err = %v, want bad cmdsize", err)
	}
}

func TestReadUUIDTruncatedUUIDCommand(t *testing.T) {
	data := machHeader(testUUID)
	// Drop the last 8 bytes of LC_UUID and shrink sizeofcmds to match.
	data = data[:len(data)-8]
	binary.LittleEndian.PutUint32(data[20:], uint32(len(data)-machHeader64))
	if _, err := ReadUUID(flatMem{base: 0x1000, data: data}, 0x1000); err == nil {
		t.Error("truncated LC_UUID accepted")
	}
}

func TestSameIdentity(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{testUUID, strings.ToUpper(testUUID), true},
		{strings.ReplaceAll(testUUID, "-", ""), testUUID, true},
		{testUUID, "", false},
		{"", "", false},
		{"abc", "ABC", true},
		{testUUID, "11111111-2222-3333-4444-555555555555", false},
	}
	for _, tt := range tests {
		if got := SameIdentity(tt.a, tt.b); got != tt.want {
			t.Errorf("SameIdentity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
