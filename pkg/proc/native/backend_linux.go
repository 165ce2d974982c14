//go:build linux && (amd64 || 386)

// Package native implements the proc.Backend interface on top of the Linux
// ptrace(2) API.
package native

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/creack/pty"
	sys "golang.org/x/sys/unix"

	"github.com/immunityinc/libptrace/pkg/logflags"
	"github.com/immunityinc/libptrace/pkg/proc"
	"github.com/immunityinc/libptrace/pkg/proc/linutil"
)

// Config tunes the backend.
type Config struct {
	// PollInterval is how long Wait sleeps when no thread has a pending
	// stop.
	PollInterval time.Duration
	// ExportCacheSize is the number of ELF export tables kept in memory.
	ExportCacheSize int
}

const (
	defaultPollInterval    = 5 * time.Millisecond
	defaultExportCacheSize = 64
)

// Backend traces any number of processes. All ptrace requests are made
// from a single goroutine locked to its OS thread, the kernel only accepts
// them from the thread that attached.
type Backend struct {
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	sessions map[int]*session
	// owner of every traced thread
	threads map[int]*session
	// initial stops of clones whose creation was not reported yet
	early map[int]sys.WaitStatus
	// stops collected while waiting for something else
	queued []*proc.Stop

	pollInterval time.Duration
	exports      *linutil.ExportCache
	log          logflags.Logger
}

// New starts the ptrace goroutine and returns a Backend.
func New(cfg Config) (*Backend, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ExportCacheSize <= 0 {
		cfg.ExportCacheSize = defaultExportCacheSize
	}
	exports, err := linutil.NewExportCache(cfg.ExportCacheSize)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		sessions:       make(map[int]*session),
		threads:        make(map[int]*session),
		early:          make(map[int]sys.WaitStatus),
		pollInterval:   cfg.PollInterval,
		exports:        exports,
		log:            logflags.PtraceLogger(),
	}
	go b.handlePtraceFuncs()
	return b, nil
}

func (b *Backend) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range b.ptraceChan {
		fn()
		b.ptraceDoneChan <- nil
	}
}

func (b *Backend) execPtraceFunc(fn func()) {
	b.ptraceChan <- fn
	<-b.ptraceDoneChan
}

func ptraceOptions(killOnExit bool) int {
	opts := sys.PTRACE_O_TRACECLONE
	if killOnExit {
		opts |= sys.PTRACE_O_EXITKILL
	}
	return opts
}

// Launch creates and begins tracing a new process. First entry in
// `cmd` is the program to run, and then rest are the arguments
// to be supplied to that process. The process is stopped right after
// execve, before its first instruction.
func (b *Backend) Launch(cmd []string, opts proc.LaunchOptions) (proc.Session, error) {
	if len(cmd) == 0 {
		return nil, errors.New("empty command line")
	}
	var (
		process *exec.Cmd
		master  *os.File
		err     error
	)
	b.execPtraceFunc(func() {
		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		if opts.Terminal {
			var tty *os.File
			master, tty, err = pty.Open()
			if err != nil {
				return
			}
			defer tty.Close()
			process.Stdin = tty
			process.Stdout = tty
			process.Stderr = tty
			process.SysProcAttr.Setpgid = false
			process.SysProcAttr.Setsid = true
			process.SysProcAttr.Setctty = true
		}
		if opts.WorkingDir != "" {
			process.Dir = opts.WorkingDir
		}
		err = process.Start()
	})
	if err != nil {
		if master != nil {
			master.Close()
		}
		return nil, proc.LaunchError{Path: cmd[0], Err: err}
	}
	pid := process.Process.Pid
	s := b.newSession(pid, true)
	s.cmd = process
	s.tty = master

	var ws sys.WaitStatus
	if _, err := sys.Wait4(pid, &ws, sys.WALL, nil); err != nil {
		return nil, proc.LaunchError{Path: cmd[0], Err: fmt.Errorf("waiting for target execve failed: %w", err)}
	}
	if !ws.Stopped() {
		return nil, proc.LaunchError{Path: cmd[0], Err: fmt.Errorf("target did not stop after execve (status %#x)", uint32(ws))}
	}
	b.execPtraceFunc(func() { err = sys.PtraceSetOptions(pid, ptraceOptions(opts.KillOnExit)) })
	if err != nil {
		sys.Kill(pid, sys.SIGKILL)
		return nil, proc.LaunchError{Path: cmd[0], Err: fmt.Errorf("could not set ptrace options: %w", err)}
	}
	s.addThread(pid)
	if err := s.initialize(); err != nil {
		sys.Kill(pid, sys.SIGKILL)
		return nil, proc.LaunchError{Path: cmd[0], Err: err}
	}
	b.register(s)
	b.log.Debugf("launched %q as pid %d", cmd, pid)
	return s, nil
}

// Attach stops every thread of pid and starts tracing them.
func (b *Backend) Attach(pid int) (proc.Session, error) {
	if _, traced := b.sessions[pid]; traced {
		return nil, proc.AttachError{Pid: pid, Err: errors.New("already traced")}
	}
	st, err := linutil.ReadStatus(pid)
	if err != nil {
		return nil, proc.AttachError{Pid: pid, Err: err}
	}
	s := b.newSession(pid, false)
	s.suspended = st.State == linutil.StateStopped

	// threads can be created while we attach, repeat until the list is
	// stable
	for {
		tids, err := linutil.Threads(pid)
		if err != nil {
			s.detachAll()
			return nil, proc.AttachError{Pid: pid, Err: err}
		}
		sort.Slice(tids, func(i, j int) bool { return tids[i] == pid || (tids[j] != pid && tids[i] < tids[j]) })
		added := false
		for _, tid := range tids {
			if _, ok := s.threads[tid]; ok {
				continue
			}
			if err := s.attachThread(tid); err != nil {
				if tid == pid {
					s.detachAll()
					return nil, proc.AttachError{Pid: pid, Err: err}
				}
				// the thread exited in the meantime
				b.log.Debugf("could not attach to thread %d: %v", tid, err)
				continue
			}
			added = true
		}
		if !added {
			break
		}
	}
	if err := s.initialize(); err != nil {
		s.detachAll()
		return nil, proc.AttachError{Pid: pid, Err: err}
	}
	b.register(s)
	b.log.Debugf("attached to pid %d, %d threads", pid, len(s.threads))
	return s, nil
}

func (b *Backend) register(s *session) {
	b.sessions[s.pid] = s
	for tid := range s.threads {
		b.threads[tid] = s
	}
}

func (b *Backend) forget(s *session) {
	delete(b.sessions, s.pid)
	for tid, owner := range b.threads {
		if owner == s {
			delete(b.threads, tid)
		}
	}
}

// archOf reads the architecture of the executable of pid.
func archOf(pid int) (*proc.Arch, error) {
	f, err := elf.Open(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return linutil.ArchOf(f)
}

// Wait returns the next stop of any traced thread.
func (b *Backend) Wait(ctx context.Context) (*proc.Stop, error) {
	for {
		if len(b.queued) > 0 {
			stop := b.queued[0]
			b.queued = b.queued[1:]
			return stop, nil
		}
		var ws sys.WaitStatus
		wpid, err := sys.Wait4(-1, &ws, sys.WALL|sys.WNOHANG, nil)
		if err != nil {
			if err == sys.EINTR {
				continue
			}
			return nil, fmt.Errorf("wait: %w", err)
		}
		if wpid == 0 {
			t := time.NewTimer(b.pollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
			continue
		}
		stop, err := b.decode(wpid, ws)
		if err != nil {
			return nil, err
		}
		if stop != nil {
			return stop, nil
		}
	}
}

// decode turns a wait status into a Stop. It returns nil for stops that
// are consumed by the backend.
func (b *Backend) decode(tid int, ws sys.WaitStatus) (*proc.Stop, error) {
	s := b.threads[tid]
	if s == nil {
		if ws.Stopped() {
			// a new clone reporting before its parent's clone event
			b.early[tid] = ws
		}
		return nil, nil
	}
	if logflags.Ptrace() {
		b.log.Debugf("wait: thread %d status %#x", tid, uint32(ws))
	}
	th := s.threads[tid]
	th.stopped = true

	switch {
	case ws.Exited() || ws.Signaled():
		return s.threadGone(tid, ws), nil
	case !ws.Stopped():
		return nil, nil
	}

	stop := &proc.Stop{Pid: s.pid, Tid: tid}
	sig := ws.StopSignal()
	if sig == sys.SIGTRAP && ws.TrapCause() == sys.PTRACE_EVENT_CLONE {
		var msg uint
		var err error
		b.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(tid) })
		if err != nil {
			if err == sys.ESRCH {
				// thread died while we were adding it
				return nil, nil
			}
			return nil, fmt.Errorf("could not get event message: %w", err)
		}
		ntid := int(msg)
		if err := s.adoptClone(ntid); err != nil {
			b.log.Debugf("clone %d of thread %d vanished: %v", ntid, tid, err)
			s.resumeQuietly(tid)
			return nil, nil
		}
		stop.Reason = proc.StopThreadCreated
		stop.NewTid = ntid
		return stop, nil
	}
	if sig == sys.SIGSTOP && th.pendingStop {
		// left over from Halt
		th.pendingStop = false
		s.resumeQuietly(tid)
		return nil, nil
	}
	if ws.TrapCause() > 0 {
		// other ptrace events are not requested
		s.resumeQuietly(tid)
		return nil, nil
	}

	var si siginfo
	var err error
	b.execPtraceFunc(func() { si, err = ptraceGetSiginfo(tid) })
	if err != nil {
		if err == sys.EINVAL {
			// group-stop, the thread continues when resumed without a
			// signal
			stop.Reason = proc.StopSignal
			return stop, nil
		}
		if err == sys.ESRCH {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read siginfo of thread %d: %w", tid, err)
	}
	if sig == sys.SIGTRAP {
		if reason, ok := trapReason(th.stepping, si.Code); ok {
			th.stepping = false
			stop.Reason = reason
			return stop, nil
		}
	}
	stop.Reason = proc.StopSignal
	stop.Signal = int(sig)
	stop.Code = si.Code
	stop.FaultAddr = si.Addr
	return stop, nil
}

const (
	siKernel  = 0x80
	trapBrkpt = 1
)

// trapReason classifies a SIGTRAP with si_code code raised by a thread
// that was single stepped if stepping is set. Traps that are neither
// single steps nor breakpoints are ordinary signals.
func trapReason(stepping bool, code int) (proc.StopReason, bool) {
	switch {
	case stepping && code != siKernel:
		return proc.StopSingleStep, true
	case code == siKernel || code == trapBrkpt:
		return proc.StopBreakpoint, true
	}
	return 0, false
}
