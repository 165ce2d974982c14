//go:build linux && (amd64 || 386)

package native

import (
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/immunityinc/libptrace/pkg/proc"
)

const (
	injectCloneFlags = sys.CLONE_VM | sys.CLONE_FS | sys.CLONE_FILES | sys.CLONE_SIGHAND | sys.CLONE_THREAD | sys.CLONE_SYSVSEM
	// code page followed by the stack of the new thread
	injectPageSize  = 0x1000
	injectStackSize = 0x10000
)

var errInjectExited = errors.New("thread exited during injection")

// waitInjected resumes tid, or single steps it, until it reports a stop
// with signal want. Unrelated signals are saved for the next resume.
func (s *session) waitInjected(tid int, step bool, want sys.Signal) (sys.WaitStatus, error) {
	th := s.threads[tid]
	for {
		var err error
		if step {
			s.b.execPtraceFunc(func() { err = ptraceSingleStep(tid, 0) })
		} else {
			s.b.execPtraceFunc(func() { err = ptraceCont(tid, 0) })
		}
		if err != nil {
			return 0, err
		}
		var ws sys.WaitStatus
		for {
			_, err = sys.Wait4(tid, &ws, sys.WALL, nil)
			if err != sys.EINTR {
				break
			}
		}
		if err != nil {
			return 0, err
		}
		if ws.Exited() || ws.Signaled() {
			if stop := s.threadGone(tid, ws); stop != nil {
				s.b.queued = append(s.b.queued, stop)
			}
			return ws, errInjectExited
		}
		if !ws.Stopped() {
			continue
		}
		if sig := ws.StopSignal(); sig == want {
			return ws, nil
		} else if ws.TrapCause() <= 0 {
			th.delayedSig = int(sig)
		}
	}
}

// checkSyscall converts a raw syscall return value into an error.
func checkSyscall(name string, ret int64) error {
	if ret < 0 && ret > -4096 {
		return fmt.Errorf("%s: %w", name, sys.Errno(-ret))
	}
	return nil
}

// cloneInjected resumes tid over an injected clone system call, adopts the
// thread it creates and runs tid to the trap that ends the stub.
func (s *session) cloneInjected(tid int) (int, error) {
	ws, err := s.waitInjected(tid, false, sys.SIGTRAP)
	if err != nil {
		return 0, err
	}
	if ws.TrapCause() != sys.PTRACE_EVENT_CLONE {
		return 0, errors.New("clone did not create a thread")
	}
	var msg uint
	s.b.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(tid) })
	if err != nil {
		return 0, err
	}
	ntid := int(msg)
	if err := s.adoptClone(ntid); err != nil {
		return 0, err
	}
	if _, err := s.waitInjected(tid, false, sys.SIGTRAP); err != nil {
		return ntid, err
	}
	return ntid, nil
}

func (s *session) injectionError(err error) error {
	return proc.InjectionError{Pid: s.pid, Err: err}
}
