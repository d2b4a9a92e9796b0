// Package hook is the body that runs in place of the traced function.
package hook

import "sync/atomic"

// MaxPayload bounds the bytes copied for one record.
const MaxPayload = 16 << 20

// WriteFunc has the shape of the traced function:
// write(buf, cursor, data, length).
type WriteFunc func(buf, cursor, data, length uint64)

// Recorder stores one observed write.
type Recorder interface {
	Record(buf, cursor uint64, data []byte)
	// RecordUncaptured stores a write whose payload could not be copied.
	RecordUncaptured(buf, cursor, requested uint64)
}

// Reader copies payload bytes out of process memory.
type Reader interface {
	Read(addr uint64, n int) ([]byte, error)
}

// Guard is a per-thread reentrancy flag. Enter returns false when the
// calling thread is already inside the hook.
type Guard interface {
	Enter() bool
	Exit()
}

// Hook records each call and then forwards it to the original.
type Hook struct {
	original atomic.Pointer[WriteFunc]
	rec      Recorder
	mem      Reader
	guard    Guard
}

// New returns a Hook with no original set yet.
func New(rec Recorder, mem Reader, guard Guard) *Hook {
	return &Hook{rec: rec, mem: mem, guard: guard}
}

// SetOriginal sets the function calls are forwarded to.
func (h *Hook) SetOriginal(fn WriteFunc) {
	if fn == nil {
		h.original.Store(nil)
		return
	}
	h.original.Store(&fn)
}

// Original returns the forwarding target or nil.
func (h *Hook) Original() WriteFunc {
	if p := h.original.Load(); p != nil {
		return *p
	}
	return nil
}

// Call is the hook body. A nested call on the same thread goes straight
// to the original without being recorded.
func (h *Hook) Call(buf, cursor, data, length uint64) {
	orig := h.Original()
	if h.guard != nil && !h.guard.Enter() {
		if orig != nil {
			orig(buf, cursor, data, length)
		}
		return
	}
	if h.guard != nil {
		defer h.guard.Exit()
	}
	h.Observe(buf, cursor, data, length)
	if orig != nil {
		orig(buf, cursor, data, length)
	}
}

// Observe records a call without forwarding it. Payloads longer than
// MaxPayload or that cannot be read are recorded as empty along with the
// requested length.
func (h *Hook) Observe(buf, cursor, data, length uint64) {
	if h.rec == nil {
		return
	}
	if length == 0 {
		h.rec.Record(buf, cursor, nil)
		return
	}
	if length <= MaxPayload && data != 0 && h.mem != nil {
		if b, err := h.mem.Read(data, int(length)); err == nil {
			h.rec.Record(buf, cursor, b)
			return
		}
	}
	h.rec.RecordUncaptured(buf, cursor, length)
}

// Flag is a Guard for callers that run the hook on one thread only, such
// as an emulator. Native hosts use a thread-local flag instead.
type Flag struct {
	in bool
}

func (f *Flag) Enter() bool {
	if f.in {
		return false
	}
	f.in = true
	return true
}

func (f *Flag) Exit() { f.in = false }
