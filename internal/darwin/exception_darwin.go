//go:build darwin && cgo

package darwin

/*
#include "sbtrace_darwin.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/zboralski/sbtrace/internal/hwbp"
)

// handler receives exceptions from the server thread.
var handler atomic.Pointer[hwbp.Handler]

//export sbtraceException
func sbtraceException(behavior int32, thread uint32, exc int32, code0, code1 uint64, ncodes uint32) (kr int32) {
	defer func() {
		if r := recover(); r != nil {
			kr = int32(hwbp.Failure)
		}
	}()
	var h hwbp.Handler
	if p := handler.Load(); p != nil {
		h = *p
	}
	codes := []uint64{code0, code1}
	if ncodes < 2 {
		codes = codes[:ncodes]
	}
	return int32(hwbp.Dispatch(h, hwbp.Exception{
		Behavior: hwbp.Behavior(behavior),
		Type:     exc,
		Codes:    codes,
		Thread:   machThread(thread),
	}))
}

// machThread is a thread port.
type machThread C.thread_t

func (t machThread) DebugState() (hwbp.DebugState, error) {
	var s C.sbt_debug_state
	if err := kern("thread_get_state(ARM_DEBUG_STATE64)", C.sbt_debug_get(C.thread_t(t), &s)); err != nil {
		return hwbp.DebugState{}, err
	}
	var ds hwbp.DebugState
	for i := 0; i < hwbp.MaxSlots; i++ {
		ds.BVR[i] = uint64(s.bvr[i])
		ds.BCR[i] = uint64(s.bcr[i])
		ds.WVR[i] = uint64(s.wvr[i])
		ds.WCR[i] = uint64(s.wcr[i])
	}
	ds.MDSCR = uint64(s.mdscr)
	return ds, nil
}

func (t machThread) SetDebugState(ds hwbp.DebugState) error {
	var s C.sbt_debug_state
	for i := 0; i < hwbp.MaxSlots; i++ {
		s.bvr[i] = C.uint64_t(ds.BVR[i])
		s.bcr[i] = C.uint64_t(ds.BCR[i])
		s.wvr[i] = C.uint64_t(ds.WVR[i])
		s.wcr[i] = C.uint64_t(ds.WCR[i])
	}
	s.mdscr = C.uint64_t(ds.MDSCR)
	return kern("thread_set_state(ARM_DEBUG_STATE64)", C.sbt_debug_set(C.thread_t(t), &s))
}

func (t machThread) ThreadState() (hwbp.ThreadState, error) {
	var s C.sbt_thread_state
	if err := kern("thread_get_state(ARM_THREAD_STATE64)", C.sbt_thread_get(C.thread_t(t), &s)); err != nil {
		return hwbp.ThreadState{}, err
	}
	var ts hwbp.ThreadState
	for i := range ts.X {
		ts.X[i] = uint64(s.x[i])
	}
	ts.FP = uint64(s.fp)
	ts.LR = uint64(s.lr)
	ts.SP = uint64(s.sp)
	ts.PC = uint64(s.pc)
	return ts, nil
}

// breakpoints owns the exception port and its server thread. Both live
// for the rest of the process once created.
type breakpoints struct {
	mu      sync.Mutex
	port    C.mach_port_t
	running bool
}

func (b *breakpoints) AllocatePort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != 0 {
		return nil
	}
	var port C.mach_port_t
	if err := kern("mach_port_allocate", C.sbt_port_allocate(&port)); err != nil {
		return err
	}
	b.port = port
	return nil
}

func (b *breakpoints) StartServer(h hwbp.Handler) error {
	handler.Store(&h)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if b.port == 0 {
		return errors.New("no exception port")
	}
	if rc := C.sbt_server_start(b.port); rc != 0 {
		return fmt.Errorf("pthread_create failed: %w", unix.Errno(rc))
	}
	b.running = true
	return nil
}

// CurrentThread must be called on the thread being armed. Callers reach
// it from a cgo callback, which keeps the goroutine on that thread.
func (b *breakpoints) CurrentThread() (hwbp.Thread, error) {
	return machThread(C.sbt_thread_self()), nil
}

func (b *breakpoints) SetExceptionPorts(t hwbp.Thread) error {
	mt, ok := t.(machThread)
	if !ok {
		return fmt.Errorf("not a mach thread: %T", t)
	}
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	return kern("thread_set_exception_ports", C.sbt_set_exception_ports(C.thread_t(mt), port))
}
