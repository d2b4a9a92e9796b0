package hwbp

import "strconv"

// Behavior selects the exception message format a port was registered with.
type Behavior int

const (
	// BehaviorDefault delivers the thread and task ports with the codes.
	BehaviorDefault Behavior = iota
	// BehaviorState delivers a register state to be edited by the reply.
	BehaviorState
	// BehaviorStateIdentity delivers both the ports and a register state.
	BehaviorStateIdentity
)

func (b Behavior) String() string {
	switch b {
	case BehaviorDefault:
		return "default"
	case BehaviorState:
		return "state"
	case BehaviorStateIdentity:
		return "state_identity"
	}
	return "unknown"
}

// Exception types.
const (
	ExcBadAccess   = 1
	ExcBadInstr    = 2
	ExcArithmetic  = 3
	ExcEmulation   = 4
	ExcSoftware    = 5
	ExcBreakpoint  = 6
	ExcSyscall     = 7
	ExcMachSyscall = 8
)

// Result is the kern_return_t sent back in the exception reply.
type Result int32

const (
	Success      Result = 0
	Failure      Result = 5
	NotSupported Result = 46
)

func (r Result) String() string {
	switch r {
	case Success:
		return "KERN_SUCCESS"
	case Failure:
		return "KERN_FAILURE"
	case NotSupported:
		return "KERN_NOT_SUPPORTED"
	}
	return "kern_return_t(" + strconv.Itoa(int(r)) + ")"
}

// Exception is one decoded exception message.
type Exception struct {
	Behavior Behavior
	Type     int32
	Codes    []uint64
	Thread   Thread
}

// Handler processes exceptions raised with the default behavior. The state
// behaviors are answered by Dispatch and never reach a Handler.
type Handler interface {
	HandleException(Exception) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Exception) Result

func (f HandlerFunc) HandleException(e Exception) Result { return f(e) }

// Dispatch routes e to h. Ports are only ever registered with the default
// behavior, so the state variants are declined with NotSupported.
func Dispatch(h Handler, e Exception) Result {
	switch e.Behavior {
	case BehaviorDefault:
		if h == nil {
			return Failure
		}
		return h.HandleException(e)
	case BehaviorState, BehaviorStateIdentity:
		return NotSupported
	}
	return Failure
}
