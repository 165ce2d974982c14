package proc

import (
	"os"
	"sort"

	"github.com/derekparker/trie"

	"github.com/immunityinc/libptrace/pkg/logflags"
)

// Options changes how a process is traced.
type Options uint32

const (
	OptionNone Options = 0
	// OptionSecondChance delivers an exception a second time when the
	// target has no handler of its own for it.
	OptionSecondChance Options = 1 << 0
	// OptionKillOnExit kills the target if the tracer goes away.
	OptionKillOnExit Options = 1 << 2
	// OptionTerminal launches the target on a new pseudo-terminal.
	OptionTerminal Options = 1 << 3
)

// ProcessState describes where a process is in its life cycle.
type ProcessState uint8

const (
	// ProcessSpawning processes have been created or attached but the
	// attached event has not been delivered yet.
	ProcessSpawning ProcessState = iota
	ProcessAttached
	ProcessDetaching
	ProcessExited
)

func (s ProcessState) String() string {
	switch s {
	case ProcessSpawning:
		return "spawning"
	case ProcessAttached:
		return "attached"
	case ProcessDetaching:
		return "detaching"
	case ProcessExited:
		return "exited"
	}
	return "unknown"
}

// Process represents all of the information the engine
// is holding onto regarding a traced process.
type Process struct {
	pid      int
	core     *Core
	session  Session
	arch     *Arch
	conv     CallingConvention
	state    ProcessState
	options  Options
	handlers EventHandlers
	log      logflags.Logger

	childProcess bool // this process was launched, not attached to
	detached     bool
	exitStatus   int

	// List of threads mapped as such: tid -> *Thread
	threads map[int]*Thread

	modules     []*Module
	moduleIndex *trie.Trie

	breakpoints map[uint64]*Breakpoint
	deferred    []deferredBreakpoint
	// addresses of breakpoints that have been cleared
	cleared map[uint64]struct{}
	// breakpoints left restored by a thread that exited mid step
	disarmed   []*Breakpoint
	rendezvous *Breakpoint
	// stepper is the thread stepping over a breakpoint while the threads
	// in parked are halted.
	stepper *Thread
	parked  []*Thread
}

type deferredBreakpoint struct {
	bp   *Breakpoint
	spec AddrSpec
}

func newProcess(c *Core, session Session, handlers *EventHandlers, opts Options, child bool) *Process {
	p := &Process{
		pid:          session.Pid(),
		core:         c,
		session:      session,
		arch:         session.Arch(),
		state:        ProcessSpawning,
		options:      opts,
		childProcess: child,
		threads:      make(map[int]*Thread),
		moduleIndex:  trie.New(),
		breakpoints:  make(map[uint64]*Breakpoint),
		cleared:      make(map[uint64]struct{}),
	}
	if handlers != nil {
		p.handlers = *handlers
	}
	p.conv = p.arch.DefaultConvention()
	p.log = c.log.WithField("pid", p.pid)
	return p
}

// Pid returns the process ID.
func (p *Process) Pid() int {
	return p.pid
}

// State returns the life cycle state of the process.
func (p *Process) State() ProcessState {
	return p.state
}

// Options returns the options the process was created with.
func (p *Process) Options() Options {
	return p.options
}

// Arch returns the architecture of the process.
func (p *Process) Arch() *Arch {
	return p.arch
}

// Core returns the engine tracing the process.
func (p *Process) Core() *Core {
	return p.core
}

// ExitStatus returns the exit status of an exited process.
func (p *Process) ExitStatus() int {
	return p.exitStatus
}

// Terminal returns the master side of the terminal the process was
// launched on, or nil.
func (p *Process) Terminal() *os.File {
	return p.session.Terminal()
}

// CallingConvention returns the convention used to decode arguments of
// functions in this process.
func (p *Process) CallingConvention() CallingConvention {
	return p.conv
}

// SetCallingConvention overrides the calling convention of the process.
func (p *Process) SetCallingConvention(cc CallingConvention) {
	p.conv = cc
}

// Valid returns whether the process is still attached to and
// has not exited.
func (p *Process) Valid() (bool, error) {
	if err := p.checkValid(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Process) checkValid() error {
	if p.detached {
		return ProcessDetachedError{}
	}
	if p.state == ProcessExited {
		return ErrProcessExited{Pid: p.pid, Status: p.exitStatus}
	}
	return nil
}

// Threads returns the live threads of the process sorted by ID. The main
// thread comes first.
func (p *Process) Threads() []*Thread {
	r := make([]*Thread, 0, len(p.threads))
	for _, th := range p.threads {
		r = append(r, th)
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].ID == p.pid || r[j].ID == p.pid {
			return r[i].ID == p.pid
		}
		return r[i].ID < r[j].ID
	})
	return r
}

// FindThread attempts to find the thread with the specified ID.
func (p *Process) FindThread(tid int) (*Thread, bool) {
	th, ok := p.threads[tid]
	return th, ok
}

func (p *Process) addThread(tid int) *Thread {
	if th, ok := p.threads[tid]; ok {
		return th
	}
	th := newThread(p, tid)
	p.threads[tid] = th
	return th
}

// stoppedThread returns a thread in a trace stop, preferring the main
// thread.
func (p *Process) stoppedThread() *Thread {
	if th, ok := p.threads[p.pid]; ok && !th.running {
		return th
	}
	for _, th := range p.Threads() {
		if !th.running {
			return th
		}
	}
	return nil
}

type processMemory struct {
	p *Process
}

func (m processMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return m.p.ReadMemoryInto(buf, addr)
}

func (p *Process) memory() MemoryReader {
	return processMemory{p}
}

// resume continues thread unless the engine is shutting down, the process
// is gone or the thread is held. A thread that has to step over a
// breakpoint or asked for a single step is stepped.
func (p *Process) resume(thread *Thread, sig int) {
	if p.core.quitRequested() || p.detached || p.state == ProcessExited || thread.held || thread.parked || thread.running {
		return
	}
	if _, live := p.threads[thread.ID]; !live {
		return
	}
	var err error
	thread.invalidate()
	if thread.stepOver != nil || thread.stepRequested || thread == p.stepper {
		err = p.session.SingleStep(thread.ID, sig)
	} else {
		err = p.session.Resume(thread.ID, sig)
	}
	if err != nil {
		// the thread most likely died, its exit is reported by Wait
		p.log.Debugf("could not resume thread %d: %v", thread.ID, err)
	}
}

// resumeAll resumes every stopped thread of the process.
func (p *Process) resumeAll() {
	for _, th := range p.Threads() {
		p.resume(th, 0)
	}
}

// Detach removes every breakpoint and releases the process, which keeps
// running untraced. It may be called from an event handler.
func (p *Process) Detach() error {
	if err := p.checkValid(); err != nil {
		return err
	}
	p.state = ProcessDetaching
	if err := p.session.Halt(); err != nil {
		p.log.Errorf("could not stop all threads before detaching: %v", err)
	}
	for _, th := range p.threads {
		th.running = false
		th.parked = false
	}
	p.stepper, p.parked = nil, nil
	err := p.removeAllBreakpoints()
	if derr := p.session.Detach(); derr != nil && err == nil {
		err = derr
	}
	p.detached = true
	p.core.evict(p)
	p.log.Debugf("detached")
	return err
}

// Kill terminates the process. Its exit is reported through the
// dispatch loop like any other exit.
func (p *Process) Kill() error {
	if err := p.checkValid(); err != nil {
		return err
	}
	return p.session.Kill()
}

// CreateRemoteThread starts a new thread in the process executing
// entry(arg). The thread-create event for it is delivered by the dispatch
// loop before the thread runs.
func (p *Process) CreateRemoteThread(entry, arg uint64) (*Thread, error) {
	if err := p.checkValid(); err != nil {
		return nil, InjectionError{Pid: p.pid, Err: err}
	}
	th := p.stoppedThread()
	if th == nil {
		return nil, InjectionError{Pid: p.pid, Err: ErrNoStoppedThread}
	}
	tid, err := p.session.CreateThread(th.ID, entry, arg)
	th.regs = nil
	if err != nil {
		if _, ok := err.(InjectionError); ok {
			return nil, err
		}
		return nil, InjectionError{Pid: p.pid, Err: err}
	}
	nt := p.addThread(tid)
	nt.held = true
	p.core.queue(&Event{Kind: EventThreadCreate, Process: p, Thread: nt}, func() {
		nt.held = false
		if p.state == ProcessAttached {
			p.resume(nt, 0)
		}
	})
	p.log.Debugf("created thread %d at %#x(%#x)", tid, entry, arg)
	return nt, nil
}
