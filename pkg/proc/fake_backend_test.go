package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"testing"
)

// fakeBackend is an in-memory Backend. Stops are scripted by the tests
// with push; SingleStep requests complete immediately.
type fakeBackend struct {
	next      *fakeSession
	launchErr error
	sessions  map[int]*fakeSession
	stops     []fakeStop
}

type fakeStop struct {
	stop  Stop
	setPC bool
	pc    uint64
}

var errNoMoreStops = errors.New("fake: no more stops")

func newFakeBackend(s *fakeSession) *fakeBackend {
	b := &fakeBackend{next: s, sessions: make(map[int]*fakeSession)}
	s.b = b
	return b
}

func (b *fakeBackend) Launch(cmd []string, opts LaunchOptions) (Session, error) {
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	b.sessions[b.next.pid] = b.next
	b.next.cmd = cmd
	return b.next, nil
}

func (b *fakeBackend) Attach(pid int) (Session, error) {
	if b.next == nil || b.next.pid != pid {
		return nil, errors.New("no such process")
	}
	b.sessions[pid] = b.next
	return b.next, nil
}

func (b *fakeBackend) Wait(ctx context.Context) (*Stop, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(b.stops) == 0 {
		return nil, errNoMoreStops
	}
	fs := b.stops[0]
	b.stops = b.stops[1:]
	if s := b.sessions[fs.stop.Pid]; s != nil {
		if fs.setPC {
			s.regs[fs.stop.Tid][s.pcName()] = fs.pc
		}
		s.running[fs.stop.Tid] = false
		switch fs.stop.Reason {
		case StopThreadExited:
			delete(s.regs, fs.stop.Tid)
		case StopThreadCreated:
			s.regs[fs.stop.NewTid] = map[string]uint64{s.pcName(): 0, s.spName(): 0}
		}
	}
	stop := fs.stop
	return &stop, nil
}

// push appends a stop to the script.
func (b *fakeBackend) push(stop Stop) {
	b.stops = append(b.stops, fakeStop{stop: stop})
}

// pushTrap scripts thread tid executing the trap instruction at addr.
func (b *fakeBackend) pushTrap(pid, tid int, addr uint64) {
	b.stops = append(b.stops, fakeStop{stop: Stop{Pid: pid, Tid: tid, Reason: StopBreakpoint}, setPC: true, pc: addr + 1})
}

type fakeSession struct {
	b       *fakeBackend
	pid     int
	cmd     []string
	arch    *Arch
	mem     map[uint64]byte
	regs    map[int]map[string]uint64
	running map[int]bool
	modules []Module
	symbols map[string]uint64
	handled map[int]bool
	nextTid int

	log      []string
	halted   bool
	// stepLast queues single-step completions behind the scripted stops.
	stepLast bool
	detached bool
	killed   bool
}

const (
	fakeCodeBase  = 0x400000
	fakeStackBase = 0x7ff000
)

func newFakeSession(pid int, arch *Arch) *fakeSession {
	s := &fakeSession{
		pid:     pid,
		arch:    arch,
		mem:     make(map[uint64]byte),
		regs:    make(map[int]map[string]uint64),
		running: make(map[int]bool),
		symbols: make(map[string]uint64),
		handled: make(map[int]bool),
		nextTid: pid + 100,
	}
	code := make([]byte, pageSize)
	for i := range code {
		code[i] = 0x90
	}
	s.mapBytes(fakeCodeBase, code)
	s.mapBytes(fakeStackBase, make([]byte, pageSize))
	s.addThread(pid)
	s.modules = []Module{{Name: "a.out", Path: "/bin/a.out", Base: fakeCodeBase, Size: pageSize}}
	return s
}

func (s *fakeSession) pcName() string {
	if s.arch.PtrSize() == 4 {
		return "eip"
	}
	return "rip"
}

func (s *fakeSession) spName() string {
	if s.arch.PtrSize() == 4 {
		return "esp"
	}
	return "rsp"
}

func (s *fakeSession) addThread(tid int) {
	s.regs[tid] = map[string]uint64{s.pcName(): fakeCodeBase, s.spName(): fakeStackBase + 0x800}
}

func (s *fakeSession) mapBytes(addr uint64, data []byte) {
	for i, b := range data {
		s.mem[addr+uint64(i)] = b
	}
}

func (s *fakeSession) raw(addr uint64) byte {
	return s.mem[addr]
}

func (s *fakeSession) logf(format string, args ...interface{}) {
	s.log = append(s.log, fmt.Sprintf(format, args...))
}

func (s *fakeSession) logged(entry string) bool {
	for _, l := range s.log {
		if l == entry {
			return true
		}
	}
	return false
}

// index returns the position of the first log entry equal to entry at or
// after from, or -1.
func (s *fakeSession) index(entry string, from int) int {
	for i := from; i < len(s.log); i++ {
		if s.log[i] == entry {
			return i
		}
	}
	return -1
}

func (s *fakeSession) count(entry string) int {
	n := 0
	for _, l := range s.log {
		if l == entry {
			n++
		}
	}
	return n
}

func (s *fakeSession) Pid() int    { return s.pid }
func (s *fakeSession) Arch() *Arch { return s.arch }

func (s *fakeSession) ThreadIDs() ([]int, error) {
	var r []int
	for tid := range s.regs {
		r = append(r, tid)
	}
	sort.Ints(r)
	return r, nil
}

func (s *fakeSession) Modules() ([]Module, error) {
	r := make([]Module, len(s.modules))
	copy(r, s.modules)
	return r, nil
}

func (s *fakeSession) LookupSymbol(m *Module, name string) (uint64, error) {
	if addr, ok := s.symbols[m.Name+"!"+name]; ok {
		return addr, nil
	}
	return 0, errors.New("no such symbol")
}

func (s *fakeSession) HandlesSignal(sig int) bool { return s.handled[sig] }
func (s *fakeSession) Terminal() *os.File         { return nil }

func (s *fakeSession) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		b, ok := s.mem[addr+uint64(i)]
		if !ok {
			return i, errors.New("fault")
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (s *fakeSession) WriteMemory(addr uint64, data []byte) (int, error) {
	for i := range data {
		if _, ok := s.mem[addr+uint64(i)]; !ok {
			return i, errors.New("fault")
		}
	}
	s.mapBytes(addr, data)
	return len(data), nil
}

func (s *fakeSession) Registers(tid int) (Registers, error) {
	m, ok := s.regs[tid]
	if !ok {
		return nil, fmt.Errorf("no thread %d", tid)
	}
	c := make(map[string]uint64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return fakeRegs{pc: s.pcName(), sp: s.spName(), m: c}, nil
}

func (s *fakeSession) SetPC(tid int, pc uint64) error {
	s.regs[tid][s.pcName()] = pc
	return nil
}

func (s *fakeSession) Resume(tid int, sig int) error {
	s.running[tid] = true
	s.logf("cont %d %d", tid, sig)
	return nil
}

func (s *fakeSession) SingleStep(tid int, sig int) error {
	s.running[tid] = true
	s.logf("step %d %d", tid, sig)
	st := fakeStop{stop: Stop{Pid: s.pid, Tid: tid, Reason: StopSingleStep}}
	if s.stepLast {
		s.b.stops = append(s.b.stops, st)
		return nil
	}
	s.b.stops = append([]fakeStop{st}, s.b.stops...)
	return nil
}

func (s *fakeSession) Halt() error {
	s.halted = true
	return nil
}

func (s *fakeSession) Detach() error {
	s.detached = true
	return nil
}

func (s *fakeSession) Kill() error {
	s.killed = true
	return nil
}

func (s *fakeSession) CreateThread(tid int, entry, arg uint64) (int, error) {
	if s.running[tid] {
		return 0, errors.New("thread not stopped")
	}
	s.nextTid++
	ntid := s.nextTid
	s.regs[ntid] = map[string]uint64{s.pcName(): entry, s.spName(): fakeStackBase + 0x400, "rdi": arg}
	s.logf("create %d", ntid)
	return ntid, nil
}

type fakeRegs struct {
	pc, sp string
	m      map[string]uint64
}

func (r fakeRegs) PC() uint64 { return r.m[r.pc] }
func (r fakeRegs) SP() uint64 { return r.m[r.sp] }

func (r fakeRegs) Get(name string) (uint64, error) {
	v, ok := r.m[name]
	if !ok {
		return 0, fmt.Errorf("unknown register %s", name)
	}
	return v, nil
}

// spawnFake returns a Core with a freshly spawned fake process.
func spawnFake(t *testing.T, s *fakeSession, h *EventHandlers, opts Options) (*Core, *fakeBackend, *Process) {
	t.Helper()
	b := newFakeBackend(s)
	c := NewCore(b)
	p, err := c.Spawn("/bin/a.out", nil, h, opts)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return c, b, p
}

// mainUntilDone runs Main and expects it to end because the script ran out
// or every process went away.
func mainUntilDone(t *testing.T, c *Core) {
	t.Helper()
	if err := c.Main(context.Background()); err != nil && err != errNoMoreStops {
		t.Fatalf("Main: %v", err)
	}
}

func (b *fakeBackend) pushExit(pid, status int) {
	b.push(Stop{Pid: pid, Tid: pid, Reason: StopProcessExited, Status: status})
}

func ctx() context.Context {
	return context.Background()
}
