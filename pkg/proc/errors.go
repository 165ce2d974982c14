package proc

import (
	"errors"
	"fmt"
)

// AccessError is returned when a range of target memory is unmapped or
// protected.
type AccessError struct {
	Addr uint64
	Len  int
	Err  error
}

func (ae AccessError) Error() string {
	if ae.Err != nil {
		return fmt.Sprintf("could not access %d bytes at %#x: %v", ae.Len, ae.Addr, ae.Err)
	}
	return fmt.Sprintf("could not access %d bytes at %#x", ae.Len, ae.Addr)
}

func (ae AccessError) Unwrap() error { return ae.Err }

// SymbolNotFoundError is returned when a module!export breakpoint spec
// names a module that is not loaded or an export that module does not
// have.
type SymbolNotFoundError struct {
	Spec string
}

func (snf SymbolNotFoundError) Error() string {
	return fmt.Sprintf("could not find symbol %s", snf.Spec)
}

// DuplicateBreakpointError is returned when trying to set a breakpoint at
// an address that already has a breakpoint set for it.
type DuplicateBreakpointError struct {
	Addr uint64
}

func (dbe DuplicateBreakpointError) Error() string {
	return fmt.Sprintf("breakpoint exists at %#x", dbe.Addr)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// ConventionError is returned when arguments can not be decoded with the
// calling convention of a process.
type ConventionError struct {
	Reason string
	Err    error
}

func (ce ConventionError) Error() string {
	if ce.Err != nil {
		return fmt.Sprintf("calling convention: %s: %v", ce.Reason, ce.Err)
	}
	return "calling convention: " + ce.Reason
}

func (ce ConventionError) Unwrap() error { return ce.Err }

// LaunchError is returned when a target program could not be spawned.
type LaunchError struct {
	Path string
	Err  error
}

func (le LaunchError) Error() string {
	return fmt.Sprintf("could not launch process %s: %v", le.Path, le.Err)
}

func (le LaunchError) Unwrap() error { return le.Err }

// AttachError is returned when attaching to a running process fails, for
// example because it does not exist, permission was denied or it is
// already traced.
type AttachError struct {
	Pid int
	Err error
}

func (ae AttachError) Error() string {
	return fmt.Sprintf("could not attach to pid %d: %v", ae.Pid, ae.Err)
}

func (ae AttachError) Unwrap() error { return ae.Err }

// InjectionError is returned when a thread could not be created inside a
// target process.
type InjectionError struct {
	Pid int
	Err error
}

func (ie InjectionError) Error() string {
	return fmt.Sprintf("could not create thread in pid %d: %v", ie.Pid, ie.Err)
}

func (ie InjectionError) Unwrap() error { return ie.Err }

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ProcessDetachedError indicates that we detached from the target process.
type ProcessDetachedError struct {
}

func (pe ProcessDetachedError) Error() string {
	return "detached from the process"
}

// ErrTruncated is returned by ReadUTF16Checked when the string ran into
// unreadable memory before its terminator.
var ErrTruncated = errors.New("string truncated by unreadable memory")

// ErrNoStoppedThread is returned when an operation needs a thread in a
// trace stop and every thread of the process is running.
var ErrNoStoppedThread = errors.New("no stopped thread")

var errAlreadyTraced = errors.New("process is already traced")
