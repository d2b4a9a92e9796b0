package hwbp

import (
	"fmt"
	"sync"
)

// Phase is the breakpoint state machine position.
type Phase int

const (
	// Armed: the breakpoint matches the target and single-step is off.
	Armed Phase = iota
	// Stepped: the breakpoint is disabled and the trapping thread is
	// single-stepping over the target's first instruction.
	Stepped
)

func (p Phase) String() string {
	if p == Stepped {
		return "stepped"
	}
	return "armed"
}

// Observer receives the argument registers of each trapped call as
// (buffer, cursor, data, length).
type Observer interface {
	Observe(buf, cursor, data, length uint64)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(buf, cursor, data, length uint64)

func (f ObserverFunc) Observe(buf, cursor, data, length uint64) { f(buf, cursor, data, length) }

// Controller owns the breakpoint target and the current phase.
//
// The phase is process-wide, not per thread. Two threads hitting the
// breakpoint between a trap and its step exception share one phase, so the
// second hit is taken for the first thread's step and is not recorded.
type Controller struct {
	mu       sync.Mutex
	observer Observer
	slot     int
	target   uint64
	bcr      uint64
	phase    Phase

	hits  uint64
	steps uint64
}

// NewController returns a controller using debug register slot 0.
func NewController(obs Observer) *Controller {
	return &Controller{observer: obs}
}

// Slot returns the breakpoint register index in use.
func (c *Controller) Slot() int { return c.slot }

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Target returns the armed address.
func (c *Controller) Target() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Stats returns the number of recorded hits and completed steps.
func (c *Controller) Stats() (hits, steps uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.steps
}

// Arm programs t to trap at target.
func (c *Controller) Arm(t Thread, target uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
	c.bcr = Control()
	c.phase = Armed
	return c.update(t, true, false)
}

// HandleException implements Handler.
func (c *Controller) HandleException(e Exception) Result {
	if e.Type != ExcBreakpoint || e.Thread == nil {
		return Failure
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.phase == Armed {
		c.capture(e.Thread)
		c.phase = Stepped
		err = c.update(e.Thread, false, true)
	} else {
		c.phase = Armed
		c.steps++
		err = c.update(e.Thread, true, false)
	}
	if err != nil {
		return Failure
	}
	return Success
}

func (c *Controller) capture(t Thread) {
	ts, err := t.ThreadState()
	if err != nil {
		return
	}
	c.hits++
	if c.observer != nil {
		c.observer.Observe(ts.X[0], ts.X[1], ts.X[2], ts.X[3])
	}
}

// update rewrites the thread's debug state: the slot matches the target
// when enable is set and is cleared otherwise, and MDSCR.SS follows step.
func (c *Controller) update(t Thread, enable, step bool) error {
	ds, err := t.DebugState()
	if err != nil {
		return fmt.Errorf("%w: %v", errReadState, err)
	}
	if enable {
		ds.BVR[c.slot] = c.target
		ds.BCR[c.slot] = c.bcr
	} else {
		ds.BCR[c.slot] = 0
	}
	if step {
		ds.MDSCR |= mdscrSS
	} else {
		ds.MDSCR &^= mdscrSS
	}
	if err := t.SetDebugState(ds); err != nil {
		return fmt.Errorf("%w: %v", errWriteState, err)
	}
	return nil
}
