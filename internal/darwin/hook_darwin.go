//go:build darwin && cgo

package darwin

/*
#include "sbtrace_darwin.h"
*/
import "C"

import (
	"go.uber.org/zap"

	"github.com/zboralski/sbtrace/internal/engine"
	"github.com/zboralski/sbtrace/internal/hook"
	"github.com/zboralski/sbtrace/internal/log"
)

// sbtraceHookCall is reached from the C hook entry on the traced thread.
// The goroutine stays on that thread for the whole callback, so the
// thread-local guard below sees the caller's flag.
//
//export sbtraceHookCall
func sbtraceHookCall(buf, cursor, data, length uint64) {
	defer func() {
		if r := recover(); r != nil {
			log.L.Error("hook panicked", zap.Any("panic", r), log.Ptr("buf", buf))
		}
	}()
	engine.Current().Call(buf, cursor, data, length)
}

// threadGuard is the C __thread reentrancy flag.
type threadGuard struct{}

func (threadGuard) Enter() bool { return C.sbt_guard_enter() != 0 }

func (threadGuard) Exit() { C.sbt_guard_exit() }

// caller returns a WriteFunc that calls the C function at fn.
func caller(fn uint64) hook.WriteFunc {
	return func(buf, cursor, data, length uint64) {
		C.sbt_call(C.uint64_t(fn), C.uint64_t(buf), C.uint64_t(cursor), C.uint64_t(data), C.uint64_t(length))
	}
}
