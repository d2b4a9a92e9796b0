package darwin

import (
	"sync"
	"unsafe"

	"github.com/zboralski/sbtrace/internal/resolve"
)

// handleTable keeps native handles as unsafe.Pointer values so they never
// round-trip through an integer. A resolve.Handle is an index into the
// table, offset by one so that zero stays invalid.
type handleTable struct {
	mu      sync.Mutex
	handles []unsafe.Pointer
}

func (t *handleTable) register(p unsafe.Pointer) resolve.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, h := range t.handles {
		if h == p {
			return resolve.Handle(i + 1)
		}
	}
	t.handles = append(t.handles, p)
	return resolve.Handle(len(t.handles))
}

func (t *handleTable) lookup(h resolve.Handle) unsafe.Pointer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == 0 || uint64(h) > uint64(len(t.handles)) {
		return nil
	}
	return t.handles[h-1]
}
