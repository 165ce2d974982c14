package proc

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BreakpointState is the position of a breakpoint in its life cycle:
//
//	Requested -> Installed -> (HitPendingStepOver -> Installed)* -> Removed
type BreakpointState uint8

const (
	// BreakpointRequested breakpoints wait for their module to be loaded.
	BreakpointRequested BreakpointState = iota
	// BreakpointInstalled breakpoints have the trap instruction written.
	BreakpointInstalled
	// BreakpointHitPendingStepOver breakpoints have their original bytes
	// restored while the thread that hit them executes one instruction.
	BreakpointHitPendingStepOver
	// BreakpointRemoved breakpoints are no longer in the table.
	BreakpointRemoved
)

func (s BreakpointState) String() string {
	switch s {
	case BreakpointRequested:
		return "requested"
	case BreakpointInstalled:
		return "installed"
	case BreakpointHitPendingStepOver:
		return "stepping-over"
	case BreakpointRemoved:
		return "removed"
	}
	return "unknown"
}

// BreakpointKind determines the owner of a breakpoint.
type BreakpointKind uint8

const (
	// UserBreakpoint is a breakpoint set by a client of the engine.
	UserBreakpoint BreakpointKind = iota
	// InternalBreakpoint is used by the engine itself, e.g. to follow
	// the dynamic loader.
	InternalBreakpoint
)

// BreakpointFunc is called when a thread hits a breakpoint. The thread
// is stopped with its PC on the breakpoint address.
type BreakpointFunc func(bp *Breakpoint, thread *Thread) error

// Breakpoint represents a software breakpoint. Stores information on the break
// point including the byte of data that originally was stored at that
// address.
type Breakpoint struct {
	Addr         uint64 // Address breakpoint is set for.
	Spec         string // Symbolic location the breakpoint was requested at.
	OriginalData []byte // If software breakpoint, the data we replace with breakpoint instruction.
	Kind         BreakpointKind
	HitCount     int

	state    BreakpointState
	callback BreakpointFunc
	proc     *Process
}

func (bp *Breakpoint) String() string {
	if bp.Spec != "" {
		return fmt.Sprintf("Breakpoint at %#x %s (%s, %d hits)", bp.Addr, bp.Spec, bp.state, bp.HitCount)
	}
	return fmt.Sprintf("Breakpoint at %#x (%s, %d hits)", bp.Addr, bp.state, bp.HitCount)
}

// State returns the life cycle state of the breakpoint.
func (bp *Breakpoint) State() BreakpointState {
	return bp.state
}

// Process returns the process the breakpoint belongs to.
func (bp *Breakpoint) Process() *Process {
	return bp.proc
}

// AddrSpec is the location of a breakpoint: either an absolute address or
// an export of a loaded module.
type AddrSpec struct {
	Addr   uint64
	Module string
	Symbol string
}

// Addr returns the spec of an absolute address.
func Addr(addr uint64) AddrSpec {
	return AddrSpec{Addr: addr}
}

// Export returns the spec of symbol exported by module.
func Export(module, symbol string) AddrSpec {
	return AddrSpec{Module: module, Symbol: symbol}
}

// ParseAddrSpec parses either a number (decimal or 0x prefixed) or a
// "module!export" string.
func ParseAddrSpec(s string) (AddrSpec, error) {
	if i := strings.IndexByte(s, '!'); i >= 0 {
		if i == 0 || i == len(s)-1 {
			return AddrSpec{}, fmt.Errorf("malformed location %q, expected module!export", s)
		}
		return Export(s[:i], s[i+1:]), nil
	}
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return AddrSpec{}, fmt.Errorf("malformed location %q: %v", s, err)
	}
	return Addr(addr), nil
}

// IsSymbolic returns true if the spec names a module export.
func (s AddrSpec) IsSymbolic() bool {
	return s.Symbol != ""
}

func (s AddrSpec) String() string {
	if s.IsSymbolic() {
		return s.Module + "!" + s.Symbol
	}
	return fmt.Sprintf("%#x", s.Addr)
}

// resolve returns the address spec refers to in the currently loaded
// modules.
func (p *Process) resolve(spec AddrSpec) (uint64, error) {
	if !spec.IsSymbolic() {
		return spec.Addr, nil
	}
	m, ok := p.FindModule(spec.Module)
	if !ok {
		return 0, SymbolNotFoundError{Spec: spec.String()}
	}
	addr, err := p.session.LookupSymbol(m, spec.Symbol)
	if err != nil {
		return 0, SymbolNotFoundError{Spec: spec.String()}
	}
	return addr, nil
}

// Resolve returns the address spec refers to. Symbolic specs are looked
// up in the export table of the named module.
func (p *Process) Resolve(spec AddrSpec) (uint64, error) {
	if err := p.checkValid(); err != nil {
		return 0, err
	}
	return p.resolve(spec)
}

// SetBreakpoint resolves spec, saves the original bytes at the resulting
// address and writes the trap instruction there. fn is called every time
// a thread executes the breakpoint.
func (p *Process) SetBreakpoint(spec AddrSpec, fn BreakpointFunc) (*Breakpoint, error) {
	if err := p.checkValid(); err != nil {
		return nil, err
	}
	addr, err := p.resolve(spec)
	if err != nil {
		return nil, err
	}
	bp := &Breakpoint{Addr: addr, callback: fn, proc: p}
	if spec.IsSymbolic() {
		bp.Spec = spec.String()
	}
	if err := p.install(bp); err != nil {
		return nil, err
	}
	return bp, nil
}

// SetBreakpointDeferred is like SetBreakpoint, but if spec names a module
// that is not loaded yet the breakpoint is kept in the requested state
// and installed as soon as a matching module is loaded.
func (p *Process) SetBreakpointDeferred(spec AddrSpec, fn BreakpointFunc) (*Breakpoint, error) {
	bp, err := p.SetBreakpoint(spec, fn)
	if _, notFound := err.(SymbolNotFoundError); !notFound || !spec.IsSymbolic() {
		return bp, err
	}
	if _, loaded := p.FindModule(spec.Module); loaded {
		// the module is there but does not export the symbol
		return nil, err
	}
	bp = &Breakpoint{Spec: spec.String(), callback: fn, proc: p, state: BreakpointRequested}
	p.deferred = append(p.deferred, deferredBreakpoint{bp, spec})
	return bp, nil
}

// SetReturnBreakpoint sets a breakpoint at a return address unless one
// exists there already, in which case the existing breakpoint is
// returned. Function hooks use it to observe return values without
// stacking one breakpoint per call.
func (p *Process) SetReturnBreakpoint(addr uint64, fn BreakpointFunc) (*Breakpoint, error) {
	if bp := p.FindBreakpoint(addr); bp != nil {
		return bp, nil
	}
	return p.SetBreakpoint(Addr(addr), fn)
}

func (p *Process) install(bp *Breakpoint) error {
	if _, exists := p.breakpoints[bp.Addr]; exists {
		return DuplicateBreakpointError{Addr: bp.Addr}
	}
	size := p.arch.BreakpointSize()
	bp.OriginalData = make([]byte, size)
	if err := readFull(p.session, bp.OriginalData, bp.Addr); err != nil {
		return err
	}
	if _, err := p.session.WriteMemory(bp.Addr, p.arch.BreakpointInstruction()); err != nil {
		return AccessError{Addr: bp.Addr, Len: size, Err: err}
	}
	bp.state = BreakpointInstalled
	p.breakpoints[bp.Addr] = bp
	delete(p.cleared, bp.Addr)
	p.log.Debugf("breakpoint set at %#x %s", bp.Addr, bp.Spec)
	return nil
}

// FindBreakpoint returns the breakpoint at addr, or nil.
func (p *Process) FindBreakpoint(addr uint64) *Breakpoint {
	return p.breakpoints[addr]
}

// Breakpoints returns the installed breakpoints sorted by address.
func (p *Process) Breakpoints() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(p.breakpoints))
	for _, bp := range p.breakpoints {
		if bp.Kind == UserBreakpoint {
			r = append(r, bp)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// ClearBreakpoint restores the original bytes of bp and removes it from
// the table. It may be called from bp's own callback.
func (p *Process) ClearBreakpoint(bp *Breakpoint) error {
	if bp.proc != p {
		return NoBreakpointError{Addr: bp.Addr}
	}
	switch bp.state {
	case BreakpointRemoved:
		return NoBreakpointError{Addr: bp.Addr}
	case BreakpointRequested:
		p.dropDeferred(bp)
		bp.state = BreakpointRemoved
		return nil
	case BreakpointInstalled:
		if err := p.checkValid(); err != nil {
			return err
		}
		if _, err := p.session.WriteMemory(bp.Addr, bp.OriginalData); err != nil {
			return AccessError{Addr: bp.Addr, Len: len(bp.OriginalData), Err: err}
		}
	case BreakpointHitPendingStepOver:
		// original bytes are already in place
	}
	p.forget(bp)
	p.cleared[bp.Addr] = struct{}{}
	p.log.Debugf("breakpoint cleared at %#x", bp.Addr)
	return nil
}

// forget drops bp from the table without touching target memory.
func (p *Process) forget(bp *Breakpoint) {
	bp.state = BreakpointRemoved
	delete(p.breakpoints, bp.Addr)
	for _, th := range p.threads {
		if th.stepOver == bp {
			th.stepOver = nil
		}
	}
	for i, pending := range p.disarmed {
		if pending == bp {
			p.disarmed = append(p.disarmed[:i], p.disarmed[i+1:]...)
			break
		}
	}
}

func (p *Process) dropDeferred(bp *Breakpoint) {
	for i := range p.deferred {
		if p.deferred[i].bp == bp {
			p.deferred = append(p.deferred[:i], p.deferred[i+1:]...)
			return
		}
	}
}

// stepOver prepares thread to execute the instruction under bp: the
// other threads are halted, the original bytes are written back and the
// thread is marked so that the next resume is a single step. The halted
// threads stay parked until the step completes.
func (p *Process) stepOver(thread *Thread, bp *Breakpoint) error {
	var others []*Thread
	for _, th := range p.Threads() {
		if th != thread && th.running {
			others = append(others, th)
		}
	}
	if len(others) > 0 {
		if err := p.session.Halt(); err != nil {
			return err
		}
		for _, th := range others {
			th.running = false
			th.regs = nil
			p.park(th)
		}
	}
	if _, err := p.session.WriteMemory(bp.Addr, bp.OriginalData); err != nil {
		p.unpark()
		return AccessError{Addr: bp.Addr, Len: len(bp.OriginalData), Err: err}
	}
	bp.state = BreakpointHitPendingStepOver
	thread.stepOver = bp
	p.stepper = thread
	return nil
}

// park keeps th stopped until the current step over completes.
func (p *Process) park(th *Thread) {
	if th.parked {
		return
	}
	th.parked = true
	p.parked = append(p.parked, th)
}

func (p *Process) unparkThread(th *Thread) {
	th.parked = false
	for i := range p.parked {
		if p.parked[i] == th {
			p.parked = append(p.parked[:i], p.parked[i+1:]...)
			return
		}
	}
}

// unpark ends a step over and resumes the threads parked during it.
func (p *Process) unpark() {
	p.stepper = nil
	parked := p.parked
	p.parked = nil
	for _, th := range parked {
		th.parked = false
		p.resume(th, 0)
	}
}

// rearm writes the trap instruction back after a step over.
func (p *Process) rearm(bp *Breakpoint) error {
	if bp.state != BreakpointHitPendingStepOver {
		return nil
	}
	if _, err := p.session.WriteMemory(bp.Addr, p.arch.BreakpointInstruction()); err != nil {
		return AccessError{Addr: bp.Addr, Len: p.arch.BreakpointSize(), Err: err}
	}
	bp.state = BreakpointInstalled
	return nil
}

// rearmDisarmed re-installs breakpoints whose stepping thread vanished
// before completing the step.
func (p *Process) rearmDisarmed() {
	for len(p.disarmed) > 0 {
		bp := p.disarmed[0]
		p.disarmed = p.disarmed[1:]
		if err := p.rearm(bp); err != nil {
			p.log.Errorf("could not rearm breakpoint at %#x: %v", bp.Addr, err)
		}
	}
}

// isLeftoverTrap returns true if addr had a breakpoint that was removed
// after the trap was raised but before the stop was processed.
func (p *Process) isLeftoverTrap(addr uint64) bool {
	if _, ok := p.cleared[addr]; !ok {
		return false
	}
	buf := make([]byte, p.arch.BreakpointSize())
	if err := readFull(p.session, buf, addr); err != nil {
		return false
	}
	return !bytes.Equal(buf, p.arch.BreakpointInstruction())
}

// removeAllBreakpoints restores the original bytes of every breakpoint.
func (p *Process) removeAllBreakpoints() error {
	var firstErr error
	for _, bp := range p.breakpoints {
		if bp.state == BreakpointInstalled {
			if _, err := p.session.WriteMemory(bp.Addr, bp.OriginalData); err != nil && firstErr == nil {
				firstErr = AccessError{Addr: bp.Addr, Len: len(bp.OriginalData), Err: err}
			}
		}
		p.forget(bp)
	}
	for _, d := range p.deferred {
		d.bp.state = BreakpointRemoved
	}
	p.deferred = nil
	return firstErr
}
