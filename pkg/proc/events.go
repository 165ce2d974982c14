package proc

import (
	"context"
	"sort"
)

// EventKind is the type of an Event.
type EventKind uint8

const (
	EventAttached EventKind = iota
	EventProcessExit
	EventThreadCreate
	EventThreadExit
	EventModuleLoad
	EventModuleUnload
	// EventBreakpoint is a trap instruction that is not in the breakpoint
	// table. Hits of table breakpoints go to the breakpoint callback.
	EventBreakpoint
	EventSingleStep
	EventIllegalInstruction
	EventSegfault
	EventDivideByZero
	EventPrivilegedInstruction
	EventUnknownException
)

var eventKindNames = [...]string{
	EventAttached:              "attached",
	EventProcessExit:           "process-exit",
	EventThreadCreate:          "thread-create",
	EventThreadExit:            "thread-exit",
	EventModuleLoad:            "module-load",
	EventModuleUnload:          "module-unload",
	EventBreakpoint:            "breakpoint",
	EventSingleStep:            "single-step",
	EventIllegalInstruction:    "illegal-instruction",
	EventSegfault:              "segmentation-fault",
	EventDivideByZero:          "divide-by-zero",
	EventPrivilegedInstruction: "privileged-instruction",
	EventUnknownException:      "unknown-exception",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// IsException returns true for events that carry a first or second
// chance disposition.
func (k EventKind) IsException() bool {
	switch k {
	case EventBreakpoint, EventIllegalInstruction, EventSegfault, EventDivideByZero, EventPrivilegedInstruction, EventUnknownException:
		return true
	}
	return false
}

// Chance tells whether an exception is seen before (first) or after
// (second) the target had the opportunity to handle it.
type Chance uint8

const (
	FirstChance Chance = iota + 1
	SecondChance
)

func (c Chance) String() string {
	switch c {
	case FirstChance:
		return "first"
	case SecondChance:
		return "second"
	}
	return ""
}

// Event is a notification delivered to an EventHandlers slot.
type Event struct {
	Kind    EventKind
	Process *Process
	Thread  *Thread
	Module  *Module

	// Address is the program counter for exceptions and single steps.
	Address uint64
	// FaultAddress is the memory address that caused a segmentation
	// fault, if known.
	FaultAddress uint64
	Chance       Chance
	Signal       int
	// Breakpoint is set on breakpoint events raised by a breakpoint that
	// has no callback.
	Breakpoint *Breakpoint

	ExitStatus int
	// Killed is set on process-exit when ExitStatus is the number of the
	// signal that terminated the process.
	Killed bool

	suppressed bool
}

// Suppress discards an exception: the target continues as if it had
// never been raised. Without it the exception is forwarded to the target.
func (ev *Event) Suppress() {
	ev.suppressed = true
}

// Suppressed reports whether Suppress was called.
func (ev *Event) Suppressed() bool {
	return ev.suppressed
}

// Handler receives events of one kind. Returning an error stops Main.
type Handler func(ev *Event) error

// EventHandlers has one optional slot per event kind. A nil slot means
// the event is ignored and exceptions are forwarded.
type EventHandlers struct {
	Attached              Handler
	ProcessExit           Handler
	ThreadCreate          Handler
	ThreadExit            Handler
	ModuleLoad            Handler
	ModuleUnload          Handler
	Breakpoint            Handler
	SingleStep            Handler
	IllegalInstruction    Handler
	Segfault              Handler
	DivideByZero          Handler
	PrivilegedInstruction Handler
	UnknownException      Handler
}

func (h *EventHandlers) handler(k EventKind) Handler {
	switch k {
	case EventAttached:
		return h.Attached
	case EventProcessExit:
		return h.ProcessExit
	case EventThreadCreate:
		return h.ThreadCreate
	case EventThreadExit:
		return h.ThreadExit
	case EventModuleLoad:
		return h.ModuleLoad
	case EventModuleUnload:
		return h.ModuleUnload
	case EventBreakpoint:
		return h.Breakpoint
	case EventSingleStep:
		return h.SingleStep
	case EventIllegalInstruction:
		return h.IllegalInstruction
	case EventSegfault:
		return h.Segfault
	case EventDivideByZero:
		return h.DivideByZero
	case EventPrivilegedInstruction:
		return h.PrivilegedInstruction
	case EventUnknownException:
		return h.UnknownException
	}
	return nil
}

// Set installs fn in the slot of kind k.
func (h *EventHandlers) Set(k EventKind, fn Handler) {
	switch k {
	case EventAttached:
		h.Attached = fn
	case EventProcessExit:
		h.ProcessExit = fn
	case EventThreadCreate:
		h.ThreadCreate = fn
	case EventThreadExit:
		h.ThreadExit = fn
	case EventModuleLoad:
		h.ModuleLoad = fn
	case EventModuleUnload:
		h.ModuleUnload = fn
	case EventBreakpoint:
		h.Breakpoint = fn
	case EventSingleStep:
		h.SingleStep = fn
	case EventIllegalInstruction:
		h.IllegalInstruction = fn
	case EventSegfault:
		h.Segfault = fn
	case EventDivideByZero:
		h.DivideByZero = fn
	case EventPrivilegedInstruction:
		h.PrivilegedInstruction = fn
	case EventUnknownException:
		h.UnknownException = fn
	}
}

// EventKinds returns every event kind.
func EventKinds() []EventKind {
	r := make([]EventKind, 0, len(eventKindNames))
	for k := range eventKindNames {
		r = append(r, EventKind(k))
	}
	return r
}

func (c *Core) deliver(ev *Event) error {
	h := ev.Process.handlers.handler(ev.Kind)
	if c.log != nil {
		c.log.Debugf("event %s pid %d", ev.Kind, ev.Process.pid)
	}
	if h == nil {
		return nil
	}
	return h(ev)
}

// Main runs the event dispatch loop until every traced process has
// exited or been detached, Quit is called or ctx is done. An error
// returned by a handler or breakpoint callback stops the loop and is
// returned once the event that produced it has been completed; Main can
// be called again to continue.
func (c *Core) Main(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	defer func() {
		c.cancelMu.Lock()
		c.cancel = nil
		c.cancelMu.Unlock()
	}()

	for {
		if c.quitRequested() {
			return nil
		}
		if len(c.pending) > 0 {
			pe := c.pending[0]
			c.pending = c.pending[1:]
			err := c.deliver(pe.ev)
			if pe.after != nil {
				pe.after()
			}
			if err != nil {
				return err
			}
			continue
		}
		if len(c.processes) == 0 {
			return nil
		}
		stop, err := c.backend.Wait(ctx)
		if err != nil {
			if c.quitRequested() {
				return nil
			}
			return err
		}
		if err := c.handleStop(stop); err != nil {
			return err
		}
	}
}

// Run is Main with a background context.
func (c *Core) Run() error {
	return c.Main(context.Background())
}

func (c *Core) handleStop(stop *Stop) error {
	p := c.processes[stop.Pid]
	if p == nil {
		c.log.Debugf("%s stop for untraced pid %d thread %d", stop.Reason, stop.Pid, stop.Tid)
		return nil
	}
	p.log.Debugf("%s stop thread %d sig %d code %d", stop.Reason, stop.Tid, stop.Signal, stop.Code)
	if stop.Reason == StopProcessExited {
		return p.handleExit(stop)
	}

	thread := p.threads[stop.Tid]
	if stop.Reason == StopThreadExited {
		if thread == nil {
			return nil
		}
		return p.handleThreadExit(thread)
	}

	var err error
	if thread == nil {
		thread = p.addThread(stop.Tid)
		err = c.deliver(&Event{Kind: EventThreadCreate, Process: p, Thread: thread})
	}
	thread.running = false
	thread.regs = nil

	p.rearmDisarmed()
	if thread == p.stepper && (stop.Reason == StopSingleStep || stop.Reason == StopBreakpoint) {
		// the instruction under the breakpoint has been executed, signal
		// and clone stops keep stepping
		if bp := thread.stepOver; bp != nil {
			thread.stepOver = nil
			if rerr := p.rearm(bp); rerr != nil {
				return firstError(err, p.fail(rerr))
			}
		}
		p.unpark()
	}

	var herr error
	switch stop.Reason {
	case StopThreadCreated:
		herr = p.handleThreadCreated(thread, stop)
	case StopSingleStep:
		herr = p.handleSingleStep(thread)
	case StopBreakpoint:
		herr = p.handleTrap(thread)
	case StopSignal:
		herr = p.handleSignal(thread, stop)
	}
	return firstError(err, herr)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// fail gives up on a process after an internal error. The process is
// released and reported as exited, other processes are not affected.
func (p *Process) fail(err error) error {
	p.log.Errorf("giving up on process: %v", err)
	if p.childProcess {
		p.session.Kill()
	} else {
		p.session.Halt()
		p.removeAllBreakpoints()
		p.session.Detach()
	}
	p.state = ProcessExited
	p.core.evict(p)
	return nil
}

func (p *Process) handleThreadCreated(parent *Thread, stop *Stop) error {
	nt := p.addThread(stop.NewTid)
	nt.running = false
	if p.stepper != nil {
		p.park(nt)
	}
	err := p.core.deliver(&Event{Kind: EventThreadCreate, Process: p, Thread: nt})
	p.resume(nt, 0)
	p.resume(parent, 0)
	return err
}

func (p *Process) handleSingleStep(thread *Thread) error {
	if !thread.stepRequested {
		// step over a breakpoint, already rearmed
		p.resume(thread, 0)
		return nil
	}
	thread.stepRequested = false
	pc, _ := thread.PC()
	err := p.core.deliver(&Event{Kind: EventSingleStep, Process: p, Thread: thread, Address: pc})
	p.resume(thread, 0)
	return err
}

func (p *Process) handleTrap(thread *Thread) error {
	pc, err := thread.PC()
	if err != nil {
		return p.fail(err)
	}
	addr := pc
	if p.arch.BreakInstrMovesPC() {
		addr -= uint64(p.arch.BreakpointSize())
	}
	if bp := p.breakpoints[addr]; bp != nil {
		if bp.state == BreakpointInstalled && p.stepper == nil {
			return p.handleBreakpointHit(thread, bp)
		}
		// trapped while another thread steps over a breakpoint, execute
		// the breakpoint again once the step is done
		if err := thread.SetPC(addr); err != nil {
			return p.fail(err)
		}
		if p.stepper != nil {
			p.park(thread)
		} else {
			p.resume(thread, 0)
		}
		return nil
	}
	if p.isLeftoverTrap(addr) {
		if err := thread.SetPC(addr); err != nil {
			return p.fail(err)
		}
		p.resume(thread, 0)
		return nil
	}
	return p.deliverException(&Event{Kind: EventBreakpoint, Process: p, Thread: thread, Address: addr, Signal: sigTRAP})
}

func (p *Process) handleBreakpointHit(thread *Thread, bp *Breakpoint) error {
	if err := thread.SetPC(bp.Addr); err != nil {
		return p.fail(err)
	}
	bp.HitCount++
	var cberr error
	if bp.callback != nil {
		cberr = bp.callback(bp, thread)
	} else {
		cberr = p.core.deliver(&Event{Kind: EventBreakpoint, Process: p, Thread: thread, Address: bp.Addr, Breakpoint: bp})
	}
	if p.detached || p.state == ProcessExited {
		return cberr
	}
	if bp.state == BreakpointInstalled {
		// the callback may have moved the thread somewhere else
		if pc, err := thread.PC(); err == nil && pc == bp.Addr {
			if err := p.stepOver(thread, bp); err != nil {
				return firstError(cberr, p.fail(err))
			}
		}
	}
	p.resume(thread, 0)
	return cberr
}

func (p *Process) handleSignal(thread *Thread, stop *Stop) error {
	kind, ok := p.classify(thread, stop)
	if !ok {
		p.resume(thread, stop.Signal)
		return nil
	}
	pc, _ := thread.PC()
	return p.deliverException(&Event{
		Kind:         kind,
		Process:      p,
		Thread:       thread,
		Address:      pc,
		FaultAddress: stop.FaultAddr,
		Signal:       stop.Signal,
	})
}

// deliverException runs the first chance of an exception and, if it was
// forwarded to a target that will not handle it, the second chance.
func (p *Process) deliverException(ev *Event) error {
	ev.Chance = FirstChance
	h := p.handlers.handler(ev.Kind)
	var err error
	if h != nil {
		err = h(ev)
		if err == nil && !ev.suppressed && p.options&OptionSecondChance != 0 && p.checkValid() == nil && !p.session.HandlesSignal(ev.Signal) {
			second := *ev
			second.Chance = SecondChance
			err = h(&second)
			ev.suppressed = second.suppressed
		}
	}
	sig := ev.Signal
	if ev.suppressed {
		sig = 0
	}
	p.resume(ev.Thread, sig)
	return err
}

func (p *Process) handleThreadExit(thread *Thread) error {
	delete(p.threads, thread.ID)
	if thread.parked {
		p.unparkThread(thread)
	}
	if thread.stepOver != nil {
		p.disarmed = append(p.disarmed, thread.stepOver)
		thread.stepOver = nil
	}
	if thread == p.stepper {
		if len(p.threads) > 0 {
			// the other threads are parked, memory can be written
			p.rearmDisarmed()
		}
		p.unpark()
	}
	thread.running = false
	return p.core.deliver(&Event{Kind: EventThreadExit, Process: p, Thread: thread})
}

func (p *Process) handleExit(stop *Stop) error {
	var firstErr error
	p.stepper = nil
	for _, th := range p.parked {
		th.parked = false
	}
	p.parked = nil
	tids := make([]int, 0, len(p.threads))
	for tid := range p.threads {
		tids = append(tids, tid)
	}
	// the main thread goes last
	sort.Slice(tids, func(i, j int) bool {
		if tids[i] == p.pid || tids[j] == p.pid {
			return tids[j] == p.pid
		}
		return tids[i] < tids[j]
	})
	for _, tid := range tids {
		if err := p.handleThreadExit(p.threads[tid]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.state = ProcessExited
	p.exitStatus = stop.Status
	err := p.core.deliver(&Event{Kind: EventProcessExit, Process: p, ExitStatus: stop.Status, Killed: stop.Killed})
	p.core.evict(p)
	return firstError(firstErr, err)
}
