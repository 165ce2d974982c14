//go:build linux && amd64

package native

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/immunityinc/libptrace/pkg/proc"
	"github.com/immunityinc/libptrace/pkg/proc/linutil"
)

func newTestCore(t *testing.T) *proc.Core {
	b, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	return proc.NewCore(b)
}

// skipIfNoPtrace skips tests in containers and sandboxes that forbid
// ptrace.
func skipIfNoPtrace(t *testing.T, err error) {
	if errors.Is(err, sys.EPERM) || errors.Is(err, sys.ENOSYS) {
		t.Skipf("ptrace not permitted: %v", err)
	}
}

func run(t *testing.T, c *proc.Core) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Main(ctx); err != nil {
		t.Fatalf("Main: %v", err)
	}
}

func TestSpawnExitStatus(t *testing.T) {
	c := newTestCore(t)
	status := -1
	_, err := c.Spawn("/bin/sh", []string{"-c", "exit 3"}, &proc.EventHandlers{
		ProcessExit: func(ev *proc.Event) error {
			status = ev.ExitStatus
			if ev.Killed {
				t.Errorf("process reported as killed")
			}
			return nil
		},
	}, proc.OptionKillOnExit)
	skipIfNoPtrace(t, err)
	if err != nil {
		t.Fatal(err)
	}
	run(t, c)
	if status != 3 {
		t.Fatalf("exit status %d, want 3", status)
	}
}

func TestSpawnMissingProgram(t *testing.T) {
	c := newTestCore(t)
	_, err := c.Spawn("/nonexistent/program", nil, &proc.EventHandlers{}, proc.OptionNone)
	if _, ok := err.(proc.LaunchError); !ok {
		t.Fatalf("expected LaunchError, got %v", err)
	}
}

func TestBreakpointOnExport(t *testing.T) {
	c := newTestCore(t)
	hits := 0
	status := uint64(1)
	var bpErr error
	_, err := c.Spawn("/bin/true", nil, &proc.EventHandlers{
		Attached: func(ev *proc.Event) error {
			_, bpErr = ev.Process.SetBreakpointDeferred(proc.Export("libc", "exit"), func(bp *proc.Breakpoint, th *proc.Thread) error {
				hits++
				args, err := th.Args("%d")
				if err != nil {
					return err
				}
				status = args[0]
				return nil
			})
			return nil
		},
	}, proc.OptionKillOnExit)
	skipIfNoPtrace(t, err)
	if err != nil {
		t.Fatal(err)
	}
	run(t, c)
	if bpErr != nil {
		t.Fatal(bpErr)
	}
	if hits == 0 {
		t.Fatalf("breakpoint on libc!exit was not hit")
	}
	if status != 0 {
		t.Fatalf("exit called with %d, want 0", status)
	}
}

func startSleep(t *testing.T) *exec.Cmd {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("could not start sleep: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	// let it reach nanosleep
	time.Sleep(100 * time.Millisecond)
	return cmd
}

func TestAttachDetach(t *testing.T) {
	cmd := startSleep(t)
	pid := cmd.Process.Pid
	c := newTestCore(t)
	attached := false
	_, err := c.Attach(pid, &proc.EventHandlers{
		Attached: func(ev *proc.Event) error {
			attached = true
			return ev.Process.Detach()
		},
	}, proc.OptionNone)
	skipIfNoPtrace(t, err)
	if err != nil {
		t.Fatal(err)
	}
	run(t, c)
	if !attached {
		t.Fatalf("attached event not delivered")
	}
	st, err := linutil.ReadStatus(pid)
	if err != nil {
		t.Fatal(err)
	}
	if st.TracerPid != 0 {
		t.Fatalf("still traced by %d", st.TracerPid)
	}
	if st.State == linutil.StateStopped || st.State == linutil.StateTraceStop {
		t.Fatalf("process left stopped (state %c)", st.State)
	}
}

func TestAttachNonexistent(t *testing.T) {
	c := newTestCore(t)
	_, err := c.Attach(1<<30, &proc.EventHandlers{}, proc.OptionNone)
	if _, ok := err.(proc.AttachError); !ok {
		t.Fatalf("expected AttachError, got %v", err)
	}
}

func TestAttachAlreadyTraced(t *testing.T) {
	cmd := startSleep(t)
	pid := cmd.Process.Pid
	c := newTestCore(t)
	_, err := c.Attach(pid, &proc.EventHandlers{}, proc.OptionNone)
	skipIfNoPtrace(t, err)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = newTestCore(t).Attach(pid, &proc.EventHandlers{}, proc.OptionNone)
	if _, ok := err.(proc.AttachError); !ok {
		t.Fatalf("expected AttachError, got %v", err)
	}
	st, err := linutil.ReadStatus(pid)
	if err != nil {
		t.Fatal(err)
	}
	if st.TracerPid != os.Getpid() {
		t.Fatalf("tracer changed to %d after a failed attach", st.TracerPid)
	}
}

func TestTrapClassification(t *testing.T) {
	const (
		siUser    = 0
		trapTrace = 2
	)
	th := &nthread{tid: 1}
	th.resumed(true)
	if r, ok := trapReason(th.stepping, trapTrace); !ok || r != proc.StopSingleStep {
		t.Fatalf("single step classified as %v %v", r, ok)
	}
	if r, ok := trapReason(th.stepping, siKernel); !ok || r != proc.StopBreakpoint {
		t.Fatalf("int3 while stepping classified as %v %v", r, ok)
	}

	// a step interrupted by a signal stop, then a plain continue
	th.resumed(false)
	if th.stepping {
		t.Fatalf("stepping still set after continue")
	}
	if _, ok := trapReason(th.stepping, siUser); ok {
		t.Fatalf("SIGTRAP sent by kill treated as a trap")
	}
	if r, ok := trapReason(th.stepping, trapBrkpt); !ok || r != proc.StopBreakpoint {
		t.Fatalf("breakpoint classified as %v %v", r, ok)
	}
}

func TestCreateRemoteThread(t *testing.T) {
	cmd := startSleep(t)
	c := newTestCore(t)
	var (
		injected  int
		created   []int
		exited    bool
		injectErr error
	)
	_, err := c.Attach(cmd.Process.Pid, &proc.EventHandlers{
		Attached: func(ev *proc.Event) error {
			entry, err := ev.Process.Resolve(proc.Export("libc", "getpid"))
			if err != nil {
				injectErr = err
				return ev.Process.Detach()
			}
			th, err := ev.Process.CreateRemoteThread(entry, 0)
			if err != nil {
				injectErr = err
				return ev.Process.Detach()
			}
			injected = th.ID
			return nil
		},
		ThreadCreate: func(ev *proc.Event) error {
			created = append(created, ev.Thread.ID)
			return nil
		},
		ThreadExit: func(ev *proc.Event) error {
			if ev.Thread.ID == injected {
				exited = true
				return ev.Process.Detach()
			}
			return nil
		},
	}, proc.OptionNone)
	skipIfNoPtrace(t, err)
	if err != nil {
		t.Fatal(err)
	}
	run(t, c)
	if injectErr != nil {
		t.Fatal(injectErr)
	}
	found := false
	for _, tid := range created {
		found = found || tid == injected
	}
	if !found {
		t.Fatalf("no thread-create for injected thread %d (got %v)", injected, created)
	}
	if !exited {
		t.Fatalf("injected thread %d did not exit", injected)
	}
	// the target must still be alive and sleeping
	if err := cmd.Process.Signal(sys.Signal(0)); err != nil {
		t.Fatalf("target died: %v", err)
	}
	if _, err := os.Stat("/proc/" + strconv.Itoa(cmd.Process.Pid)); err != nil {
		t.Fatal(err)
	}
}
