//go:build darwin && cgo

package darwin

/*
#include <stdlib.h>
#include "sbtrace_darwin.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/zboralski/sbtrace/internal/resolve"
)

// loader is dyld.
type loader struct {
	handles handleTable
}

func dlerror() string {
	if msg := C.sbt_dlerror(); msg != nil {
		return C.GoString(msg)
	}
	return "unknown error"
}

// Open probes with RTLD_NOLOAD before loading path.
func (l *loader) Open(path string) (resolve.Handle, bool, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	if h := C.sbt_dlopen(cpath, 1); h != nil {
		return l.handles.register(h), true, nil
	}
	h := C.sbt_dlopen(cpath, 0)
	if h == nil {
		return 0, false, fmt.Errorf("dlopen(%s): %s", path, dlerror())
	}
	return l.handles.register(h), false, nil
}

func (l *loader) Lookup(h resolve.Handle, symbol string) (uint64, error) {
	p := l.handles.lookup(h)
	if p == nil {
		return 0, errors.New("invalid handle")
	}
	csym := C.CString(symbol)
	defer C.free(unsafe.Pointer(csym))

	addr := uint64(C.sbt_dlsym(p, csym))
	if addr == 0 {
		return 0, fmt.Errorf("dlsym(%s): %s", symbol, dlerror())
	}
	return addr, nil
}

// ImageBase is dladdr's dli_fbase.
func (*loader) ImageBase(addr uint64) (uint64, bool) {
	base := uint64(C.sbt_image_base(C.uint64_t(addr)))
	return base, base != 0
}

func (*loader) Images() []resolve.Image {
	n := uint32(C.sbt_image_count())
	out := make([]resolve.Image, 0, n)
	for i := uint32(0); i < n; i++ {
		var img C.sbt_image
		if C.sbt_image_at(C.uint32_t(i), &img) == 0 {
			continue
		}
		out = append(out, resolve.Image{
			Index: int(img.index),
			Name:  C.GoString(img.name),
			Base:  uint64(img.base),
			Slide: int64(img.slide),
		})
	}
	return out
}

type interposer struct{}

func (interposer) Available() bool { return C.sbt_interpose_available() != 0 }

func (interposer) Interpose(base, replacement, replacee uint64) error {
	if C.sbt_interpose_available() == 0 {
		return errors.New("dyld_dynamic_interpose unavailable")
	}
	C.sbt_interpose(C.uint64_t(base), C.uint64_t(replacement), C.uint64_t(replacee))
	return nil
}
