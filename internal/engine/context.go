package engine

import (
	"sync/atomic"

	"github.com/zboralski/sbtrace/internal/hook"
	"github.com/zboralski/sbtrace/internal/hwbp"
	"github.com/zboralski/sbtrace/internal/trace"
	"github.com/zboralski/sbtrace/internal/triage"
)

// Context is the instrumentation state shared by every hooked call in the
// process. Native entry points reach it through Current.
type Context struct {
	Recorder   *trace.Recorder
	Hook       *hook.Hook
	Controller *hwbp.Controller
	Triage     *triage.Writer
}

var current atomic.Pointer[Context]

// Current returns the context of the last Attach, or nil.
func Current() *Context { return current.Load() }

func setCurrent(c *Context) { current.Store(c) }

// Call runs the hook body for one intercepted call. It is safe to call
// before any Attach: the call is then dropped.
func (c *Context) Call(buf, cursor, data, length uint64) {
	if c == nil || c.Hook == nil {
		return
	}
	c.Hook.Call(buf, cursor, data, length)
}

// Close flushes and closes the trace destination.
func (c *Context) Close() error {
	if c == nil {
		return nil
	}
	return c.Recorder.Close()
}
