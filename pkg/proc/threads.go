package proc

// Thread represents a single thread in the traced process.
// ID is a unique identifier for the thread, the TID on Linux.
type Thread struct {
	ID int

	proc *Process
	// regs is valid while the thread is stopped, it is dropped on resume
	regs    Registers
	running bool

	// stepOver is the breakpoint the thread is currently stepping over.
	stepOver *Breakpoint
	// stepRequested is set when a client asked for a single step
	// notification.
	stepRequested bool
	// held threads are not resumed until their thread-create event has
	// been delivered.
	held bool
	// parked threads wait for another thread to step over a breakpoint.
	parked bool

	scratch map[interface{}]interface{}
}

func newThread(p *Process, tid int) *Thread {
	return &Thread{ID: tid, proc: p}
}

// Process returns the process the thread belongs to.
func (t *Thread) Process() *Process {
	return t.proc
}

// Running returns true if the thread is executing. Registers and memory
// can only be accessed through a stopped thread.
func (t *Thread) Running() bool {
	return t.running
}

// Registers obtains register values from the debugged process. The result
// is cached until the thread is resumed.
func (t *Thread) Registers() (Registers, error) {
	if t.regs != nil {
		return t.regs, nil
	}
	if err := t.proc.checkValid(); err != nil {
		return nil, err
	}
	regs, err := t.proc.session.Registers(t.ID)
	if err != nil {
		return nil, err
	}
	t.regs = regs
	return regs, nil
}

// PC returns the current program counter of the thread.
func (t *Thread) PC() (uint64, error) {
	regs, err := t.Registers()
	if err != nil {
		return 0, err
	}
	return regs.PC(), nil
}

// SetPC sets the program counter of the thread.
func (t *Thread) SetPC(pc uint64) error {
	if err := t.proc.session.SetPC(t.ID, pc); err != nil {
		return err
	}
	t.regs = nil
	return nil
}

// SingleStep requests that the thread executes exactly one instruction
// when it is next resumed, followed by a single-step event.
func (t *Thread) SingleStep() {
	t.stepRequested = true
}

// Sscanf reads structured data from the memory of the thread's process,
// see (*Process).ReadStructured.
func (t *Thread) Sscanf(addr uint64, format string) ([]uint64, error) {
	return t.proc.ReadStructured(addr, format)
}

// SetScratch stores v in the thread under tag. Scratch slots let a
// function entry breakpoint hand data to the matching return breakpoint
// of the same thread.
func (t *Thread) SetScratch(tag, v interface{}) {
	if t.scratch == nil {
		t.scratch = make(map[interface{}]interface{})
	}
	t.scratch[tag] = v
}

// Scratch returns the value stored under tag.
func (t *Thread) Scratch(tag interface{}) (interface{}, bool) {
	v, ok := t.scratch[tag]
	return v, ok
}

// TakeScratch returns the value stored under tag and clears the slot.
func (t *Thread) TakeScratch(tag interface{}) (interface{}, bool) {
	v, ok := t.scratch[tag]
	delete(t.scratch, tag)
	return v, ok
}

// invalidate drops cached state when the thread starts running.
func (t *Thread) invalidate() {
	t.regs = nil
	t.running = true
}
