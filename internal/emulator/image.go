package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zboralski/sbtrace/internal/region"
	"github.com/zboralski/sbtrace/internal/resolve"
	"github.com/zboralski/sbtrace/internal/stub"
)

// Offsets inside a synthetic image.
const (
	headerOffset  = 0x0000
	writeOffset   = 0x1000 // traced function
	anchorOffset  = 0x2000 // anchor exports, 16 bytes apart
	bindOffset    = 0x3000 // import slots, read+write
	textPages     = 3
	imagePages    = 4
	cpuTypeARM64  = 0x0100000c
	cpuTypeX86_64 = 0x01000007
	mhDylib       = 6
	lcUUID        = 0x1b
)

// writeARM64 copies length bytes from data to buf+cursor and returns
// length. The first 16 bytes hold no PC-relative instruction so that they
// can be relocated into a trampoline.
var writeARM64 = []uint32{
	0x8b010004, // add  x4, x0, x1
	0xd2800005, // mov  x5, #0
	0xd503201f, // nop
	0xd503201f, // nop
	0xeb0300bf, // loop: cmp x5, x3
	0x540000a2, // b.hs done
	0x38656846, // ldrb w6, [x2, x5]
	0x38256886, // strb w6, [x4, x5]
	0x910004a5, // add  x5, x5, #1
	0x17fffffb, // b    loop
	0xaa0303e0, // done: mov x0, x3
	0xd65f03c0, // ret
}

// writeX86 is the same function for x86_64 with a 12-byte relocatable
// prologue. It avoids rax, which the jump stub clobbers.
var writeX86 = []byte{
	0x4c, 0x8d, 0x14, 0x37, // lea  r10, [rdi+rsi]
	0x4d, 0x31, 0xc0, // xor  r8, r8
	0x0f, 0x1f, 0x44, 0x00, 0x00, // nop
	0x49, 0x39, 0xc8, // loop: cmp r8, rcx
	0x73, 0x0d, // jae  done
	0x46, 0x8a, 0x0c, 0x02, // mov  r9b, [rdx+r8]
	0x47, 0x88, 0x0c, 0x02, // mov  [r10+r8], r9b
	0x49, 0xff, 0xc0, // inc  r8
	0xeb, 0xee, // jmp  loop
	0x48, 0x89, 0xc8, // done: mov rax, rcx
	0xc3, // ret
}

// ImageSpec describes a synthetic hosting library.
type ImageSpec struct {
	Path   string
	UUID   uuid.UUID
	Slide  int64
	Symbol string
	// Exported makes Symbol visible to Lookup.
	Exported bool
	// Immutable maps the text without write in its maximum protection.
	Immutable bool
	// Resident marks the image as loaded before the first Open.
	Resident bool
	Anchors  []string
}

// Image is a synthetic library mapped into the emulator.
type Image struct {
	Index    int
	Path     string
	UUID     uuid.UUID
	Base     uint64
	Slide    int64
	Symbol   string
	Write    uint64 // runtime address of the traced function
	BindSlot uint64 // import slot through which Invoke calls Write
	symbols  map[string]uint64
	resident bool
}

// Unslid returns the link-time address of a runtime address in img.
func (img *Image) Unslid(addr uint64) uint64 { return uint64(int64(addr) - img.Slide) }

// LoadImage maps a synthetic library: a Mach-O header carrying spec.UUID,
// the traced function, one ret per anchor and an import slot bound to the
// traced function.
func (e *Emulator) LoadImage(spec ImageSpec) (*Image, error) {
	if spec.Path == "" {
		return nil, errors.New("image path required")
	}
	idx := len(e.images)
	base := ImageBase + uint64(idx)*ImageSpan
	img := &Image{
		Index:    idx,
		Path:     spec.Path,
		UUID:     spec.UUID,
		Base:     base,
		Slide:    spec.Slide,
		Symbol:   spec.Symbol,
		Write:    base + writeOffset,
		BindSlot: base + bindOffset,
		symbols:  map[string]uint64{},
		resident: spec.Resident,
	}

	maxText := region.ReadExec | region.Write
	share := region.ShareCOW
	if spec.Immutable {
		maxText = region.ReadExec
		share = region.ShareShared
	}
	if err := e.Map(base, textPages*PageSize, region.ReadExec, maxText, share); err != nil {
		return nil, fmt.Errorf("map %s text: %w", spec.Path, err)
	}
	if err := e.Map(base+bindOffset, (imagePages-textPages)*PageSize, region.ReadWrite, region.ReadWrite, region.SharePrivate); err != nil {
		return nil, fmt.Errorf("map %s data: %w", spec.Path, err)
	}

	if err := e.mu.MemWrite(base+headerOffset, machHeader(e.kind, spec.UUID)); err != nil {
		return nil, err
	}
	if err := e.mu.MemWrite(img.Write, e.writeCode()); err != nil {
		return nil, err
	}
	ret := retARM64
	if e.kind == stub.LoadIndirect {
		ret = retX86
	}
	anchors := spec.Anchors
	if anchors == nil {
		anchors = resolve.DefaultAnchors
	}
	for i, name := range anchors {
		addr := base + anchorOffset + uint64(i*16)
		if err := e.mu.MemWrite(addr, ret); err != nil {
			return nil, err
		}
		img.symbols[name] = addr
	}
	if spec.Exported && spec.Symbol != "" {
		img.symbols[spec.Symbol] = img.Write
	}
	if err := e.MemWriteU64(img.BindSlot, img.Write); err != nil {
		return nil, err
	}

	e.images = append(e.images, img)
	return img, nil
}

func (e *Emulator) writeCode() []byte {
	if e.kind == stub.LoadIndirect {
		return writeX86
	}
	b := make([]byte, 4*len(writeARM64))
	for i, ins := range writeARM64 {
		binary.LittleEndian.PutUint32(b[4*i:], ins)
	}
	return b
}

// machHeader builds a 64-bit Mach-O dylib header with one LC_UUID.
func machHeader(kind stub.Kind, id uuid.UUID) []byte {
	const cmdSize = 24
	b := make([]byte, 32+cmdSize)
	cpu := uint32(cpuTypeARM64)
	if kind == stub.LoadIndirect {
		cpu = cpuTypeX86_64
	}
	binary.LittleEndian.PutUint32(b[0:], 0xfeedfacf)
	binary.LittleEndian.PutUint32(b[4:], cpu)
	binary.LittleEndian.PutUint32(b[12:], mhDylib)
	binary.LittleEndian.PutUint32(b[16:], 1)
	binary.LittleEndian.PutUint32(b[20:], cmdSize)
	binary.LittleEndian.PutUint32(b[32:], lcUUID)
	binary.LittleEndian.PutUint32(b[36:], cmdSize)
	copy(b[40:], id[:])
	return b
}

// Invoke calls img's traced function through its import slot, the way
// code elsewhere in the image reaches it.
func (e *Emulator) Invoke(img *Image, buf, cursor, data, length uint64) (uint64, error) {
	fn, err := e.MemReadU64(img.BindSlot)
	if err != nil {
		return 0, fmt.Errorf("read import slot: %w", err)
	}
	return e.Call(fn, buf, cursor, data, length)
}

func (e *Emulator) imageAt(addr uint64) *Image {
	for _, img := range e.images {
		if addr >= img.Base && addr < img.Base+imagePages*PageSize {
			return img
		}
	}
	return nil
}

// Open implements resolve.Loader.
func (e *Emulator) Open(path string) (resolve.Handle, bool, error) {
	for _, img := range e.images {
		if img.Path == path {
			already := img.resident
			img.resident = true
			return resolve.Handle(img.Index + 1), already, nil
		}
	}
	return 0, false, fmt.Errorf("dlopen(%s): image not found", path)
}

// Lookup implements resolve.Loader.
func (e *Emulator) Lookup(h resolve.Handle, symbol string) (uint64, error) {
	i := int(h) - 1
	if i < 0 || i >= len(e.images) {
		return 0, errors.New("invalid handle")
	}
	addr, ok := e.images[i].symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("dlsym(%s): symbol not found", symbol)
	}
	return addr, nil
}

// ImageBase implements resolve.Loader.
func (e *Emulator) ImageBase(addr uint64) (uint64, bool) {
	img := e.imageAt(addr)
	if img == nil {
		return 0, false
	}
	return img.Base, true
}

// Images implements resolve.Loader.
func (e *Emulator) Images() []resolve.Image {
	out := make([]resolve.Image, 0, len(e.images))
	for _, img := range e.images {
		out = append(out, resolve.Image{Index: img.Index, Name: img.Path, Base: img.Base, Slide: img.Slide})
	}
	return out
}

// Rebind points every import slot of the image at base that holds
// replacee to replacement.
func (e *Emulator) Rebind(base, replacement, replacee uint64) error {
	img := e.imageAt(base)
	if img == nil || img.Base != base {
		return fmt.Errorf("no image at %#x", base)
	}
	cur, err := e.MemReadU64(img.BindSlot)
	if err != nil {
		return err
	}
	if cur == replacee {
		return e.MemWriteU64(img.BindSlot, replacement)
	}
	return nil
}
