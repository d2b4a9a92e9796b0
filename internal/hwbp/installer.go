package hwbp

import (
	"errors"
	"fmt"
	"sync"
)

// Host provides the Mach facilities an Installer needs.
type Host interface {
	// AllocatePort creates a receive right with a send right inserted.
	AllocatePort() error
	// StartServer starts a detached thread that services exception
	// messages on the port forever, dispatching to h.
	StartServer(h Handler) error
	// CurrentThread returns the calling thread.
	CurrentThread() (Thread, error)
	// SetExceptionPorts routes breakpoint exceptions raised by t to the
	// port with the default behavior and 64-bit codes.
	SetExceptionPorts(t Thread) error
}

// Report records every installation step.
type Report struct {
	Attempted       bool
	PortOK          bool
	HandlerThreadOK bool
	ExceptionPortOK bool
	DebugStateOK    bool
	BreakpointSetOK bool
	ThreadsScanned  int
	ThreadsArmed    int
	Slot            int
	BCR             uint64
	Err             string
}

// Touched reports whether the report carries anything worth emitting.
func (r *Report) Touched() bool {
	return r.Attempted || r.PortOK || r.HandlerThreadOK
}

// Installer arms the breakpoint on the calling thread. The port and the
// server thread are created on first use and reused afterwards.
type Installer struct {
	host      Host
	ctl       *Controller
	supported bool

	mu      sync.Mutex
	portOK  bool
	running bool
}

// NewInstaller returns an Installer for arch. Only arm64 and arm64e have
// the debug registers Controller programs.
func NewInstaller(host Host, ctl *Controller, arch string) *Installer {
	return &Installer{
		host:      host,
		ctl:       ctl,
		supported: arch == "arm64" || arch == "arm64e",
	}
}

// Install arms a breakpoint at target on the calling thread. Each step is
// recorded in rep, which may be nil. A failure leaves no breakpoint armed.
func (in *Installer) Install(target uint64, rep *Report) error {
	if rep == nil {
		rep = &Report{}
	}
	*rep = Report{Attempted: true, Slot: in.ctl.Slot()}
	err := in.install(target, rep)
	if err != nil {
		rep.Err = err.Error()
	}
	return err
}

func (in *Installer) install(target uint64, rep *Report) error {
	if target == 0 {
		return errors.New("target address unavailable")
	}
	if !in.supported {
		return ErrUnsupported
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.portOK {
		if err := in.host.AllocatePort(); err != nil {
			return fmt.Errorf("mach_port_allocate failed: %w", err)
		}
		in.portOK = true
	}
	rep.PortOK = true

	if !in.running {
		if err := in.host.StartServer(in.ctl); err != nil {
			return fmt.Errorf("pthread_create failed: %w", err)
		}
		in.running = true
	}
	rep.HandlerThreadOK = true

	thread, err := in.host.CurrentThread()
	if err != nil {
		return fmt.Errorf("mach_thread_self failed: %w", err)
	}
	if err := in.host.SetExceptionPorts(thread); err != nil {
		return fmt.Errorf("thread_set_exception_ports failed: %w", err)
	}
	rep.ExceptionPortOK = true

	rep.BCR = Control()
	rep.ThreadsScanned = 1
	if err := in.ctl.Arm(thread, target); err != nil {
		if errors.Is(err, errWriteState) {
			rep.DebugStateOK = true
		}
		return err
	}
	rep.DebugStateOK = true
	rep.BreakpointSetOK = true
	rep.ThreadsArmed = 1
	return nil
}
