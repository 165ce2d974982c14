package proc

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// recorder collects a line per delivered event.
type recorder struct {
	lines []string
}

func (r *recorder) add(ev *Event) error {
	switch {
	case ev.Module != nil:
		r.lines = append(r.lines, fmt.Sprintf("%s %s", ev.Kind, ev.Module.Name))
	case ev.Thread != nil && !ev.Kind.IsException():
		r.lines = append(r.lines, fmt.Sprintf("%s %d", ev.Kind, ev.Thread.ID))
	case ev.Kind == EventProcessExit:
		r.lines = append(r.lines, fmt.Sprintf("%s %d", ev.Kind, ev.ExitStatus))
	default:
		r.lines = append(r.lines, ev.Kind.String())
	}
	return nil
}

func (r *recorder) handlers() *EventHandlers {
	return &EventHandlers{
		Attached:     r.add,
		ProcessExit:  r.add,
		ThreadCreate: r.add,
		ThreadExit:   r.add,
		ModuleLoad:   r.add,
		ModuleUnload: r.add,
	}
}

func TestSpawnEventOrder(t *testing.T) {
	s := newFakeSession(1000, AMD64Arch())
	s.modules = append(s.modules, Module{Name: "libc.so.6", Path: "/lib/libc.so.6", Base: 0x7f0000000000, Size: 0x1000})
	var r recorder
	c, b, p := spawnFake(t, s, r.handlers(), OptionNone)

	if p.State() != ProcessSpawning {
		t.Fatalf("state before attached: %s", p.State())
	}
	if len(s.log) != 0 {
		t.Fatalf("target resumed before the attached event: %v", s.log)
	}
	b.push(Stop{Pid: 1000, Tid: 1000, Reason: StopThreadCreated, NewTid: 1001})
	b.push(Stop{Pid: 1000, Tid: 1001, Reason: StopThreadExited})
	b.pushExit(1000, 3)
	if err := c.Main(ctx()); err != nil {
		t.Fatalf("Main: %v", err)
	}

	want := []string{
		"thread-create 1000",
		"module-load a.out",
		"module-load libc.so.6",
		"attached",
		"thread-create 1001",
		"thread-exit 1001",
		"thread-exit 1000",
		"process-exit 3",
	}
	if !reflect.DeepEqual(r.lines, want) {
		t.Fatalf("got events %q\nwant %q", r.lines, want)
	}
	if p.State() != ProcessExited || p.ExitStatus() != 3 {
		t.Fatalf("state %s status %d", p.State(), p.ExitStatus())
	}
	if _, ok := c.FindProcess(1000); ok {
		t.Fatalf("exited process still registered")
	}
	if !s.logged("cont 1001 0") {
		t.Fatalf("new thread not resumed: %v", s.log)
	}
	var exited ErrProcessExited
	if _, err := p.ReadMemory(fakeCodeBase, 1); !errors.As(err, &exited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
}

func TestAttachEventOrder(t *testing.T) {
	s := newFakeSession(1000, AMD64Arch())
	s.addThread(1003)
	s.addThread(1001)
	var r recorder
	b := newFakeBackend(s)
	c := NewCore(b)
	h := r.handlers()
	h.Attached = func(ev *Event) error {
		r.add(ev)
		return ev.Process.Detach()
	}
	p, err := c.Attach(1000, h, OptionNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Attach(1000, h, OptionNone); err == nil {
		t.Fatalf("attached twice to the same process")
	}
	if err := c.Main(ctx()); err != nil {
		t.Fatalf("Main: %v", err)
	}
	want := []string{"thread-create 1000", "thread-create 1001", "thread-create 1003", "module-load a.out", "attached"}
	if !reflect.DeepEqual(r.lines, want) {
		t.Fatalf("got events %q\nwant %q", r.lines, want)
	}
	if !s.detached || len(s.log) != 0 {
		t.Fatalf("detached %v log %v", s.detached, s.log)
	}
	if _, err := p.Valid(); err == nil {
		t.Fatalf("detached process still valid")
	}
}

func TestAttachFailure(t *testing.T) {
	c := NewCore(newFakeBackend(newFakeSession(1000, AMD64Arch())))
	_, err := c.Attach(4242, nil, OptionNone)
	var ae AttachError
	if !errors.As(err, &ae) || ae.Pid != 4242 {
		t.Fatalf("expected AttachError, got %v", err)
	}
}

func TestSpawnFailure(t *testing.T) {
	b := newFakeBackend(newFakeSession(1000, AMD64Arch()))
	b.launchErr = errors.New("no such file or directory")
	c := NewCore(b)
	_, err := c.Spawn("/nonexistent", nil, nil, OptionNone)
	var le LaunchError
	if !errors.As(err, &le) || le.Path != "/nonexistent" {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if len(c.Processes()) != 0 {
		t.Fatalf("failed spawn registered a process")
	}
}

func segfaultStop() Stop {
	return Stop{Pid: 1000, Tid: 1000, Reason: StopSignal, Signal: sigSEGV, Code: 1, FaultAddr: 0x10}
}

func TestSecondChance(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		handled  bool
		suppress Chance
		chances  []Chance
		sig      int
	}{
		{"forwarded", OptionNone, false, 0, []Chance{FirstChance}, sigSEGV},
		{"second-chance", OptionSecondChance, false, 0, []Chance{FirstChance, SecondChance}, sigSEGV},
		{"target-handles", OptionSecondChance, true, 0, []Chance{FirstChance}, sigSEGV},
		{"suppress-first", OptionSecondChance, false, FirstChance, []Chance{FirstChance}, 0},
		{"suppress-second", OptionSecondChance, false, SecondChance, []Chance{FirstChance, SecondChance}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newFakeSession(1000, AMD64Arch())
			s.handled[sigSEGV] = tc.handled
			var chances []Chance
			var faultAddr uint64
			h := &EventHandlers{Segfault: func(ev *Event) error {
				chances = append(chances, ev.Chance)
				faultAddr = ev.FaultAddress
				if ev.Chance == tc.suppress {
					ev.Suppress()
				}
				return nil
			}}
			c, b, _ := spawnFake(t, s, h, tc.opts)
			b.push(segfaultStop())
			mainUntilDone(t, c)

			if !reflect.DeepEqual(chances, tc.chances) {
				t.Fatalf("chances %v want %v", chances, tc.chances)
			}
			if faultAddr != 0x10 {
				t.Fatalf("fault address %#x", faultAddr)
			}
			if want := fmt.Sprintf("cont 1000 %d", tc.sig); s.log[len(s.log)-1] != want {
				t.Fatalf("last resume %q want %q", s.log[len(s.log)-1], want)
			}
		})
	}
}

func TestForwardedSegfaultKillsProcess(t *testing.T) {
	s := newFakeSession(1000, AMD64Arch())
	var chances []Chance
	var exit *Event
	h := &EventHandlers{
		Segfault: func(ev *Event) error {
			chances = append(chances, ev.Chance)
			return nil
		},
		ProcessExit: func(ev *Event) error {
			exit = ev
			return nil
		},
	}
	c, b, p := spawnFake(t, s, h, OptionNone)
	b.push(segfaultStop())
	b.push(Stop{Pid: 1000, Tid: 1000, Reason: StopProcessExited, Status: sigSEGV, Killed: true})
	mainUntilDone(t, c)

	if !reflect.DeepEqual(chances, []Chance{FirstChance}) {
		t.Fatalf("chances %v, want a single first chance", chances)
	}
	if !s.logged("cont 1000 11") {
		t.Fatalf("segfault not forwarded: %v", s.log)
	}
	if exit == nil || !exit.Killed || exit.ExitStatus != sigSEGV {
		t.Fatalf("wrong process-exit event %+v", exit)
	}
	if p.State() != ProcessExited {
		t.Fatalf("state %s", p.State())
	}
	if _, ok := c.FindProcess(1000); ok {
		t.Fatalf("exited process still registered")
	}
}

func TestExceptionWithoutHandlerIsForwarded(t *testing.T) {
	s := newFakeSession(1000, AMD64Arch())
	c, b, _ := spawnFake(t, s, nil, OptionSecondChance)
	b.push(segfaultStop())
	mainUntilDone(t, c)
	if !s.logged("cont 1000 11") {
		t.Fatalf("signal not forwarded: %v", s.log)
	}
}

func TestClassifyStops(t *testing.T) {
	const hltAddr = fakeCodeBase + 0x10
	tests := []struct {
		name string
		stop Stop
		pc   uint64
		kind EventKind
		ok   bool
	}{
		{"gp-on-hlt", Stop{Signal: sigSEGV, Code: siKERNEL}, hltAddr, EventPrivilegedInstruction, true},
		{"gp-on-nop", Stop{Signal: sigSEGV, Code: siKERNEL}, fakeCodeBase, EventSegfault, true},
		{"segv-maperr", Stop{Signal: sigSEGV, Code: 1, FaultAddr: 8}, fakeCodeBase, EventSegfault, true},
		{"bus", Stop{Signal: sigBUS, Code: 2}, fakeCodeBase, EventSegfault, true},
		{"ill-opcode", Stop{Signal: sigILL, Code: 1}, fakeCodeBase, EventIllegalInstruction, true},
		{"ill-privileged", Stop{Signal: sigILL, Code: illPRVOPC}, fakeCodeBase, EventPrivilegedInstruction, true},
		{"int-div", Stop{Signal: sigFPE, Code: fpeINTDIV}, fakeCodeBase, EventDivideByZero, true},
		{"flt-div", Stop{Signal: sigFPE, Code: fpeFLTDIV}, fakeCodeBase, EventDivideByZero, true},
		{"int-overflow", Stop{Signal: sigFPE, Code: 2}, fakeCodeBase, EventUnknownException, true},
		{"trap", Stop{Signal: sigTRAP, Code: 2}, fakeCodeBase, EventUnknownException, true},
		{"kill-segv", Stop{Signal: sigSEGV, Code: 0}, fakeCodeBase, 0, false},
		{"sigusr1", Stop{Signal: 10, Code: -6}, fakeCodeBase, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newFakeSession(1000, AMD64Arch())
			s.mapBytes(hltAddr, []byte{0xf4})
			s.regs[1000]["rip"] = tc.pc
			_, _, p := spawnFake(t, s, nil, OptionNone)
			th, _ := p.FindThread(1000)
			kind, ok := p.classify(th, &tc.stop)
			if ok != tc.ok || (ok && kind != tc.kind) {
				t.Fatalf("got %s %v want %s %v", kind, ok, tc.kind, tc.ok)
			}
		})
	}
}

func TestNonExceptionSignalPassedThrough(t *testing.T) {
	s := newFakeSession(1000, AMD64Arch())
	var r recorder
	h := r.handlers()
	h.Segfault = r.add
	c, b, _ := spawnFake(t, s, h, OptionSecondChance)
	b.push(Stop{Pid: 1000, Tid: 1000, Reason: StopSignal, Signal: sigSEGV, Code: 0})
	mainUntilDone(t, c)
	for _, l := range r.lines {
		if l == EventSegfault.String() {
			t.Fatalf("kill(SIGSEGV) reported as an exception")
		}
	}
	if !s.logged("cont 1000 11") {
		t.Fatalf("signal not delivered: %v", s.log)
	}
}

func TestHandlerErrorStopsMain(t *testing.T) {
	s := newFakeSession(1000, AMD64Arch())
	boom := errors.New("boom")
	h := &EventHandlers{Segfault: func(ev *Event) error { return boom }}
	c, b, _ := spawnFake(t, s, h, OptionNone)
	b.push(segfaultStop())
	b.pushExit(1000, 0)

	if err := c.Main(ctx()); err != boom {
		t.Fatalf("expected handler error, got %v", err)
	}
	if !s.logged("cont 1000 11") {
		t.Fatalf("event not completed before returning: %v", s.log)
	}
	if _, ok := c.FindProcess(1000); !ok {
		t.Fatalf("process dropped after handler error")
	}
	if err := c.Main(ctx()); err != nil {
		t.Fatalf("second Main: %v", err)
	}
	if _, ok := c.FindProcess(1000); ok {
		t.Fatalf("process still registered after exit")
	}
}

func TestQuitLeavesThreadsStopped(t *testing.T) {
	s := newFakeSession(1000, AMD64Arch())
	var c *Core
	h := &EventHandlers{Attached: func(ev *Event) error {
		c.Quit()
		return nil
	}}
	c, _, _ = spawnFake(t, s, h, OptionNone)
	if err := c.Main(ctx()); err != nil {
		t.Fatalf("Main: %v", err)
	}
	if len(s.log) != 0 {
		t.Fatalf("threads resumed after Quit: %v", s.log)
	}
}

func TestStopOfUnknownThread(t *testing.T) {
	s := newFakeSession(1000, AMD64Arch())
	var r recorder
	c, b, p := spawnFake(t, s, r.handlers(), OptionNone)
	s.addThread(1007)
	b.push(Stop{Pid: 1000, Tid: 1007, Reason: StopSignal, Signal: 10})
	mainUntilDone(t, c)
	if _, ok := p.FindThread(1007); !ok {
		t.Fatalf("thread not registered")
	}
	if r.lines[len(r.lines)-1] != "thread-create 1007" {
		t.Fatalf("events %q", r.lines)
	}
	if !s.logged("cont 1007 10") {
		t.Fatalf("stop signal not passed on: %v", s.log)
	}
}

func TestSetLogSink(t *testing.T) {
	s := newFakeSession(1000, AMD64Arch())
	c, _, _ := spawnFake(t, s, nil, OptionNone)
	var lines []string
	c.SetLogSink(func(line string) { lines = append(lines, line) })
	mainUntilDone(t, c)
	if len(lines) == 0 {
		t.Fatalf("no diagnostics reached the sink")
	}
}
