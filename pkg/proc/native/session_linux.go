//go:build linux && (amd64 || 386)

package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/immunityinc/libptrace/pkg/logflags"
	"github.com/immunityinc/libptrace/pkg/proc"
	"github.com/immunityinc/libptrace/pkg/proc/linutil"
)

// nthread is the backend state of a traced thread.
type nthread struct {
	tid      int
	stopped  bool
	stepping bool
	// signal received while we waited for a SIGSTOP, delivered on the
	// next resume
	delayedSig int
	// a SIGSTOP sent by Halt is still queued for this thread
	pendingStop bool
}

// resumed records that th runs again, single stepping if step is set.
func (th *nthread) resumed(step bool) {
	th.stopped = false
	th.stepping = step
}

// session is a process traced by Backend.
type session struct {
	b   *Backend
	pid int
	// child processes are killed instead of detached when they fail
	child bool
	// the process was in group-stop when we attached
	suspended bool

	cmd *exec.Cmd
	tty *os.File

	arch    *proc.Arch
	entry   uint64
	threads map[int]*nthread
	exited  bool
	log     logflags.Logger
}

func (b *Backend) newSession(pid int, child bool) *session {
	return &session{
		b:       b,
		pid:     pid,
		child:   child,
		threads: make(map[int]*nthread),
		log:     b.log.WithField("pid", pid),
	}
}

func (s *session) addThread(tid int) *nthread {
	th := &nthread{tid: tid, stopped: true}
	s.threads[tid] = th
	if _, registered := s.b.sessions[s.pid]; registered {
		s.b.threads[tid] = s
	}
	return th
}

func (s *session) removeThread(tid int) {
	delete(s.threads, tid)
	delete(s.b.threads, tid)
}

// detachAll releases the threads attached so far by a failed Attach.
func (s *session) detachAll() {
	for tid, th := range s.threads {
		sig := th.delayedSig
		var err error
		s.b.execPtraceFunc(func() { err = ptraceDetach(tid, sig) })
		if err != nil {
			s.log.Debugf("could not detach thread %d: %v", tid, err)
		}
		s.removeThread(tid)
	}
}

// initialize reads the information that does not change during the life
// of the process.
func (s *session) initialize() error {
	arch, err := archOf(s.pid)
	if err != nil {
		s.log.Debugf("could not read executable architecture, assuming %s: %v", runtime.GOARCH, err)
		arch = hostArch()
	}
	s.arch = arch
	auxv, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", s.pid))
	if err != nil {
		return fmt.Errorf("could not read auxiliary vector: %w", err)
	}
	s.entry = linutil.EntryPointFromAuxv(auxv, s.arch.PtrSize())
	return nil
}

func hostArch() *proc.Arch {
	if runtime.GOARCH == "386" {
		return proc.I386Arch()
	}
	return proc.AMD64Arch()
}

// attachThread attaches to tid and waits until it is in a trace stop.
func (s *session) attachThread(tid int) error {
	var err error
	s.b.execPtraceFunc(func() { err = ptraceAttach(tid) })
	if err != nil {
		return err
	}
	th := s.addThread(tid)
	for {
		var ws sys.WaitStatus
		if _, err := sys.Wait4(tid, &ws, sys.WALL, nil); err != nil {
			s.removeThread(tid)
			return err
		}
		if ws.Exited() || ws.Signaled() {
			s.removeThread(tid)
			return fmt.Errorf("thread %d exited while attaching", tid)
		}
		if !ws.Stopped() {
			continue
		}
		if sig := ws.StopSignal(); sig != sys.SIGSTOP {
			th.delayedSig = int(sig)
			s.b.execPtraceFunc(func() { err = ptraceCont(tid, 0) })
			if err != nil {
				s.removeThread(tid)
				return err
			}
			continue
		}
		break
	}
	s.b.execPtraceFunc(func() { err = sys.PtraceSetOptions(tid, ptraceOptions(false)) })
	if err != nil {
		s.log.Debugf("could not set ptrace options on thread %d: %v", tid, err)
	}
	return nil
}

// adoptClone registers a thread reported by a clone event and waits for
// its initial stop.
func (s *session) adoptClone(tid int) error {
	s.addThread(tid)
	s.b.threads[tid] = s
	if _, ok := s.b.early[tid]; ok {
		delete(s.b.early, tid)
		return nil
	}
	for {
		var ws sys.WaitStatus
		if _, err := sys.Wait4(tid, &ws, sys.WALL, nil); err != nil {
			s.removeThread(tid)
			return err
		}
		if ws.Exited() || ws.Signaled() {
			s.removeThread(tid)
			return fmt.Errorf("thread %d exited before its first stop", tid)
		}
		if ws.Stopped() {
			return nil
		}
	}
}

// threadGone handles the exit of tid and returns the stop to report.
func (s *session) threadGone(tid int, ws sys.WaitStatus) *proc.Stop {
	s.removeThread(tid)
	if tid != s.pid {
		return &proc.Stop{Pid: s.pid, Tid: tid, Reason: proc.StopThreadExited}
	}
	// the leader is reaped once every other thread is gone
	s.exited = true
	for otid := range s.threads {
		s.removeThread(otid)
	}
	s.b.forget(s)
	if s.tty != nil {
		s.tty.Close()
	}
	stop := &proc.Stop{Pid: s.pid, Tid: tid, Reason: proc.StopProcessExited}
	if ws.Signaled() {
		stop.Killed = true
		stop.Status = int(ws.Signal())
	} else {
		stop.Status = ws.ExitStatus()
	}
	return stop
}

func (s *session) resumeQuietly(tid int) {
	th := s.threads[tid]
	if th == nil {
		return
	}
	var err error
	if th.stepping {
		// an unfinished single step goes on
		s.b.execPtraceFunc(func() { err = ptraceSingleStep(tid, 0) })
	} else {
		s.b.execPtraceFunc(func() { err = ptraceCont(tid, 0) })
	}
	if err != nil {
		s.log.Debugf("could not resume thread %d: %v", tid, err)
		return
	}
	th.stopped = false
}

func (s *session) Pid() int { return s.pid }

func (s *session) Arch() *proc.Arch { return s.arch }

// ThreadIDs returns the traced threads, main thread first.
func (s *session) ThreadIDs() ([]int, error) {
	if s.exited {
		return nil, proc.ErrProcessExited{Pid: s.pid}
	}
	tids := make([]int, 0, len(s.threads))
	for tid := range s.threads {
		if tid != s.pid {
			tids = append(tids, tid)
		}
	}
	sort.Ints(tids)
	if _, ok := s.threads[s.pid]; ok {
		tids = append([]int{s.pid}, tids...)
	}
	return tids, nil
}

func (s *session) Modules() ([]proc.Module, error) {
	return linutil.Modules(s.pid, s.entry)
}

// LookupSymbol resolves name in the export table of m. Images that are
// not visible from our mount namespace are read through /proc/<pid>/root.
func (s *session) LookupSymbol(m *proc.Module, name string) (uint64, error) {
	et, err := s.b.exports.Get(m.Path)
	if err != nil {
		var err2 error
		et, err2 = s.b.exports.Get(filepath.Join(fmt.Sprintf("/proc/%d/root", s.pid), m.Path))
		if err2 != nil {
			return 0, err
		}
	}
	if et.Indirect(name) {
		return 0, fmt.Errorf("%s!%s is an indirect function", m.Name, name)
	}
	addr, ok := et.Lookup(m.Base, name)
	if !ok {
		return 0, proc.SymbolNotFoundError{Spec: m.Name + "!" + name}
	}
	return addr, nil
}

func (s *session) HandlesSignal(sig int) bool {
	st, err := linutil.ReadStatus(s.pid)
	if err != nil {
		return false
	}
	return st.Catches(sig)
}

func (s *session) Terminal() *os.File { return s.tty }

// stoppedThread returns a thread in trace stop, preferring the main
// thread.
func (s *session) stoppedThread() *nthread {
	if th := s.threads[s.pid]; th != nil && th.stopped {
		return th
	}
	for _, th := range s.threads {
		if th.stopped {
			return th
		}
	}
	return nil
}

func (s *session) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := processVmRead(s.pid, uintptr(addr), buf)
	if err == nil && n == len(buf) {
		return n, nil
	}
	th := s.stoppedThread()
	if th == nil {
		if err == nil {
			err = errors.New("short read")
		}
		return n, proc.AccessError{Addr: addr, Len: len(buf), Err: err}
	}
	s.b.execPtraceFunc(func() { n, err = sys.PtracePeekData(th.tid, uintptr(addr), buf) })
	if err == nil && n != len(buf) {
		err = errors.New("short read")
	}
	if err != nil {
		return n, proc.AccessError{Addr: addr, Len: len(buf), Err: err}
	}
	return n, nil
}

func (s *session) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	th := s.stoppedThread()
	if th == nil {
		return 0, proc.AccessError{Addr: addr, Len: len(data), Err: proc.ErrNoStoppedThread}
	}
	var (
		n   int
		err error
	)
	s.b.execPtraceFunc(func() { n, err = sys.PtracePokeData(th.tid, uintptr(addr), data) })
	if err == nil && n != len(data) {
		err = errors.New("short write")
	}
	if err != nil {
		return n, proc.AccessError{Addr: addr, Len: len(data), Err: err}
	}
	return n, nil
}

func (s *session) thread(tid int) (*nthread, error) {
	th := s.threads[tid]
	if th == nil {
		return nil, fmt.Errorf("unknown thread %d", tid)
	}
	if !th.stopped {
		return nil, fmt.Errorf("thread %d is running", tid)
	}
	return th, nil
}

func (s *session) Resume(tid int, sig int) error {
	th, err := s.thread(tid)
	if err != nil {
		return err
	}
	if sig == 0 {
		sig = th.delayedSig
	}
	th.delayedSig = 0
	if logflags.Ptrace() {
		s.log.Debugf("cont %d signal %d", tid, sig)
	}
	s.b.execPtraceFunc(func() { err = ptraceCont(tid, sig) })
	if err != nil {
		return err
	}
	th.resumed(false)
	return nil
}

func (s *session) SingleStep(tid int, sig int) error {
	th, err := s.thread(tid)
	if err != nil {
		return err
	}
	if sig == 0 {
		sig = th.delayedSig
	}
	th.delayedSig = 0
	if logflags.Ptrace() {
		s.log.Debugf("step %d signal %d", tid, sig)
	}
	s.b.execPtraceFunc(func() { err = ptraceSingleStep(tid, sig) })
	if err != nil {
		return err
	}
	th.resumed(true)
	return nil
}

// Halt stops every running thread. Stops other than our own SIGSTOP that
// arrive meanwhile are kept: signals are delivered on the next resume,
// breakpoint traps are rewound so that they are hit again, exits are
// queued for Wait.
func (s *session) Halt() error {
	var running []*nthread
	for _, th := range s.threads {
		if !th.stopped {
			running = append(running, th)
		}
	}
	for _, th := range running {
		if err := sys.Tgkill(s.pid, th.tid, sys.SIGSTOP); err != nil && err != sys.ESRCH {
			return fmt.Errorf("could not stop thread %d: %w", th.tid, err)
		}
	}
	for _, th := range running {
		if err := s.waitHalted(th); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) waitHalted(th *nthread) error {
	for {
		var ws sys.WaitStatus
		if _, err := sys.Wait4(th.tid, &ws, sys.WALL, nil); err != nil {
			if err == sys.EINTR {
				continue
			}
			if err == sys.ECHILD {
				s.removeThread(th.tid)
				return nil
			}
			return fmt.Errorf("waiting for thread %d: %w", th.tid, err)
		}
		if ws.Exited() || ws.Signaled() {
			if stop := s.threadGone(th.tid, ws); stop != nil {
				s.b.queued = append(s.b.queued, stop)
			}
			return nil
		}
		if !ws.Stopped() {
			continue
		}
		th.stopped = true
		sig := ws.StopSignal()
		switch {
		case sig == sys.SIGSTOP:
			return nil
		case sig == sys.SIGTRAP && ws.TrapCause() == sys.PTRACE_EVENT_CLONE:
			stop, err := s.b.decode(th.tid, ws)
			if err != nil {
				return err
			}
			if stop != nil {
				s.b.queued = append(s.b.queued, stop)
			}
		case sig == sys.SIGTRAP:
			s.rewindBreakpoint(th)
		default:
			th.delayedSig = int(sig)
		}
		th.pendingStop = true
		return nil
	}
}

// rewindBreakpoint moves the PC of th back onto a breakpoint instruction
// it just executed.
func (s *session) rewindBreakpoint(th *nthread) {
	regs, err := s.Registers(th.tid)
	if err != nil {
		return
	}
	pc := regs.PC()
	bpi := s.arch.BreakpointInstruction()
	buf := make([]byte, len(bpi))
	if _, err := s.ReadMemory(buf, pc-uint64(len(bpi))); err != nil {
		return
	}
	if string(buf) == string(bpi) {
		s.SetPC(th.tid, pc-uint64(len(bpi)))
	}
}

// Detach releases every thread. A process that was stopped when we
// attached is left stopped.
func (s *session) Detach() error {
	var firstErr error
	for _, th := range s.threads {
		sig := th.delayedSig
		var err error
		s.b.execPtraceFunc(func() { err = ptraceDetach(th.tid, sig) })
		if err != nil && err != sys.ESRCH && firstErr == nil {
			firstErr = fmt.Errorf("could not detach thread %d: %w", th.tid, err)
		}
		if th.pendingStop && !s.suspended {
			// discards the SIGSTOP sent by Halt that is still queued
			sys.Tgkill(s.pid, th.tid, sys.SIGCONT)
		}
	}
	s.forgetQueued()
	s.b.forget(s)
	s.threads = map[int]*nthread{}
	if s.suspended {
		sys.Kill(s.pid, sys.SIGSTOP)
		return firstErr
	}
	// Sleep to give the process time to settle. The stopped state can
	// take a while to appear in /proc.
	time.Sleep(50 * time.Millisecond)
	if st, err := linutil.ReadStatus(s.pid); err == nil && st.State == linutil.StateStopped {
		sys.Kill(s.pid, sys.SIGCONT)
	}
	return firstErr
}

func (s *session) forgetQueued() {
	q := s.b.queued[:0]
	for _, stop := range s.b.queued {
		if stop.Pid != s.pid {
			q = append(q, stop)
		}
	}
	s.b.queued = q
}

// Kill sends SIGKILL to the process. Children launched by us are in their
// own process group which is killed as a whole.
func (s *session) Kill() error {
	if s.exited {
		return nil
	}
	if s.cmd != nil && s.tty == nil {
		if err := sys.Kill(-s.pid, sys.SIGKILL); err == nil {
			return nil
		}
	}
	return sys.Kill(s.pid, sys.SIGKILL)
}
