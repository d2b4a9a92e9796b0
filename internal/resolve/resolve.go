// Package resolve locates the function to intercept inside the hosting
// library and records where every input came from.
//
// Precedence, first usable source wins:
//
//	explicit      absolute address, never validated
//	unslid+slide  link-time address plus the image slide, gated by identity
//	base+offset   image base plus a fixed offset
//	exported      dynamic symbol lookup
//
// Only the unslid path is gated by the expected image identity. An unslid
// value that is blocked, or whose slide is unknown, leaves the target
// unavailable instead of falling through to the later sources.
package resolve

import "errors"

// Default anchors used to find the hosting image's load address. They are
// exported by every known build of the library.
var DefaultAnchors = []string{"sandbox_compile_file", "sandbox_compile_string", "sandbox_init"}

var (
	ErrUnavailable      = errors.New("target address unavailable")
	ErrSlideUnknown     = errors.New("image slide unavailable")
	ErrIdentityMismatch = errors.New("identity mismatch")
	ErrIdentityUnknown  = errors.New("identity unknown")
)

// Source names where the resolved address came from.
type Source string

const (
	SourceNone     Source = ""
	SourceExported Source = "exported"
	SourceExplicit Source = "explicit"
	SourceUnslid   Source = "unslid+slide"
	SourceOffset   Source = "base+offset"
)

// Handle is an opaque dynamic loader handle. Zero is invalid.
type Handle uintptr

// Image is one entry of the loader's image table.
type Image struct {
	Index int
	Name  string
	Base  uint64
	Slide int64
}

// Loader is the dynamic loader of the current process.
type Loader interface {
	// Open returns a handle for path. loaded reports whether the library
	// was already resident before the call.
	Open(path string) (h Handle, loaded bool, err error)
	Lookup(h Handle, symbol string) (uint64, error)
	// ImageBase returns the load address of the image containing addr.
	ImageBase(addr uint64) (uint64, bool)
	Images() []Image
}

// Inputs are the caller-supplied resolution hints. Nil pointers are unset.
type Inputs struct {
	LibraryPath  string
	Symbol       string
	Addr         *uint64
	Unslid       *uint64
	Offset       *uint64
	ExpectedUUID string
}

// Library records how the hosting library was found.
type Library struct {
	Path          string
	Loaded        bool
	AlreadyLoaded bool
	Handle        Handle
	// Anchor is the export whose address located the image base.
	Anchor string
	Base   uint64
	Err    string
}

// Resolution is the outcome of Resolve. It is never mutated afterwards.
type Resolution struct {
	Symbol  string
	Library Library
	// Image is nil when the base was not found in the image table, which
	// also means the slide is unknown.
	Image *Image

	Exported     bool
	ExportedAddr uint64

	Unslid    uint64
	HasUnslid bool

	ExpectedUUID string
	LoadedUUID   string
	// UUIDMatch is nil when no identity was expected.
	UUIDMatch *bool

	Addr   uint64
	Source Source

	err error
}

// Available reports whether a target address was produced.
func (r *Resolution) Available() bool { return r.Addr != 0 }

// SlideKnown reports whether the hosting image was found in the image table.
func (r *Resolution) SlideKnown() bool { return r.Image != nil }

// Err explains an unavailable target: the identity block first, then a
// missing slide for an unslid input, then ErrUnavailable.
func (r *Resolution) Err() error {
	if r.Available() {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return ErrUnavailable
}

// Resolver resolves targets against one loader.
type Resolver struct {
	loader  Loader
	mem     Reader
	anchors []string
}

// New returns a Resolver. mem reads the in-memory Mach-O header of the
// hosting image and may be nil when no identity is ever checked.
func New(loader Loader, mem Reader) *Resolver {
	return &Resolver{loader: loader, mem: mem, anchors: DefaultAnchors}
}

// WithAnchors replaces the exports used to locate the image base.
func (r *Resolver) WithAnchors(anchors ...string) *Resolver {
	r.anchors = anchors
	return r
}

// Resolve never fails: an unavailable address is a valid outcome,
// explained by Resolution.Err.
func (r *Resolver) Resolve(in Inputs) *Resolution {
	res := &Resolution{
		Symbol:       in.Symbol,
		Library:      Library{Path: in.LibraryPath},
		ExpectedUUID: in.ExpectedUUID,
	}
	r.locate(res)
	r.identify(res)

	if res.Library.Loaded && in.Symbol != "" {
		if addr, err := r.loader.Lookup(res.Library.Handle, in.Symbol); err == nil && addr != 0 {
			res.Exported = true
			res.ExportedAddr = addr
			res.Addr = addr
			res.Source = SourceExported
		}
	}

	if in.Unslid != nil {
		res.Unslid = *in.Unslid
		res.HasUnslid = true
	}

	switch {
	case in.Addr != nil:
		res.Addr = *in.Addr
		res.Source = SourceExplicit
	case res.HasUnslid:
		res.Addr = 0
		res.Source = SourceUnslid
		if err := res.identityBlock(); err != nil {
			res.err = err
		} else if !res.SlideKnown() {
			res.err = ErrSlideUnknown
		} else {
			res.Addr = uint64(int64(res.Unslid) + res.Image.Slide)
		}
	case in.Offset != nil && res.Library.Base != 0:
		res.Addr = res.Library.Base + *in.Offset
		res.Source = SourceOffset
	}
	return res
}

// locate opens the library and finds its image through the anchors.
func (r *Resolver) locate(res *Resolution) {
	h, already, err := r.loader.Open(res.Library.Path)
	if err != nil {
		res.Library.Err = err.Error()
		return
	}
	res.Library.Loaded = true
	res.Library.AlreadyLoaded = already
	res.Library.Handle = h

	for _, name := range r.anchors {
		addr, err := r.loader.Lookup(h, name)
		if err != nil || addr == 0 {
			continue
		}
		if base, ok := r.loader.ImageBase(addr); ok && base != 0 {
			res.Library.Anchor = name
			res.Library.Base = base
			break
		}
	}
	if res.Library.Base == 0 {
		return
	}
	for _, img := range r.loader.Images() {
		if img.Base == res.Library.Base {
			res.Image = &img
			break
		}
	}
}

func (r *Resolver) identify(res *Resolution) {
	if res.Library.Base != 0 && r.mem != nil {
		if id, err := ReadUUID(r.mem, res.Library.Base); err == nil {
			res.LoadedUUID = id.String()
		}
	}
	if res.ExpectedUUID == "" {
		return
	}
	match := SameIdentity(res.ExpectedUUID, res.LoadedUUID)
	res.UUIDMatch = &match
}

func (r *Resolution) identityBlock() error {
	if r.ExpectedUUID == "" {
		return nil
	}
	if r.LoadedUUID == "" {
		return ErrIdentityUnknown
	}
	if r.UUIDMatch == nil || !*r.UUIDMatch {
		return ErrIdentityMismatch
	}
	return nil
}
