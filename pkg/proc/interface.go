package proc

import (
	"context"
	"os"
)

// Backend is the platform layer driven by a Core. It creates sessions,
// one per traced process, and reports thread stops for all of them.
type Backend interface {
	// Launch starts cmd stopped at its first instruction after exec.
	Launch(cmd []string, opts LaunchOptions) (Session, error)
	// Attach stops and traces every thread of pid.
	Attach(pid int) (Session, error)
	// Wait blocks until a traced thread of any session stops or exits,
	// or ctx is done.
	Wait(ctx context.Context) (*Stop, error)
}

// LaunchOptions controls how a target program is spawned.
type LaunchOptions struct {
	WorkingDir string
	// Terminal runs the target on a new pseudo-terminal.
	Terminal bool
	// KillOnExit asks the kernel to kill the target if the tracer exits.
	KillOnExit bool
}

// Session is a traced process as seen by the backend. Every method that
// touches a thread requires that thread to be in a trace stop.
type Session interface {
	Info
	MemoryReadWriter
	ThreadManipulation
	ProcessManipulation
}

// Info is an interface that provides general information on the target.
type Info interface {
	Pid() int
	Arch() *Arch
	// ThreadIDs enumerates the threads of the process as seen by the OS.
	ThreadIDs() ([]int, error)
	// Modules enumerates the currently mapped executable images.
	Modules() ([]Module, error)
	// LookupSymbol returns the load address of an export of m.
	LookupSymbol(m *Module, name string) (uint64, error)
	// HandlesSignal reports whether the target installed its own handler
	// for sig.
	HandlesSignal(sig int) bool
	// Terminal returns the master side of the target's terminal, if it
	// was launched on one.
	Terminal() *os.File
}

// ThreadManipulation is an interface for changing the execution state of
// a single thread.
type ThreadManipulation interface {
	Registers(tid int) (Registers, error)
	SetPC(tid int, pc uint64) error
	// Resume continues tid delivering sig, zero means no signal.
	Resume(tid int, sig int) error
	// SingleStep executes exactly one instruction of tid. Completion is
	// reported by Wait as StopSingleStep.
	SingleStep(tid int, sig int) error
}

// ProcessManipulation is an interface for changing the execution state of a process.
type ProcessManipulation interface {
	// Halt brings every running thread into a trace stop.
	Halt() error
	// Detach releases every thread. Threads must be stopped.
	Detach() error
	Kill() error
	// CreateThread starts a new thread executing entry(arg), using the
	// stopped thread tid to perform the injection. The new thread is
	// returned in a trace stop.
	CreateThread(tid int, entry, arg uint64) (int, error)
}

// StopReason describes why a thread reported to the tracer.
type StopReason uint8

const (
	// StopBreakpoint is a trap raised by a software breakpoint instruction.
	StopBreakpoint StopReason = iota
	// StopSingleStep is the completion of a SingleStep request.
	StopSingleStep
	// StopSignal is a signal about to be delivered to the thread.
	StopSignal
	// StopThreadCreated is reported by the thread that created NewTid.
	// Both threads are stopped.
	StopThreadCreated
	// StopThreadExited is reported when a thread other than the main
	// thread terminates.
	StopThreadExited
	// StopProcessExited is reported once the whole thread group is gone.
	StopProcessExited
)

func (sr StopReason) String() string {
	switch sr {
	case StopBreakpoint:
		return "breakpoint"
	case StopSingleStep:
		return "single-step"
	case StopSignal:
		return "signal"
	case StopThreadCreated:
		return "thread-created"
	case StopThreadExited:
		return "thread-exited"
	case StopProcessExited:
		return "process-exited"
	}
	return "unknown"
}

// Stop is a single stop notification returned by Backend.Wait.
type Stop struct {
	Pid    int
	Tid    int
	Reason StopReason

	// Signal, Code and FaultAddr describe StopSignal stops (si_signo,
	// si_code and si_addr).
	Signal    int
	Code      int
	FaultAddr uint64

	NewTid int

	// Status is the exit status, or the terminating signal when Killed.
	Status int
	Killed bool
}

// Registers is a snapshot of a thread's register file.
type Registers interface {
	PC() uint64
	SP() uint64
	// Get returns a register by its lower case assembler name, e.g. "rdi"
	// or "eax".
	Get(name string) (uint64, error)
}
