package starbind

import (
	"bytes"
	"strings"
	"testing"

	"go.starlark.net/starlark"

	"github.com/immunityinc/libptrace/pkg/proc"
)

func newTestEnv(t *testing.T, script string) (*Env, *bytes.Buffer) {
	out := new(bytes.Buffer)
	env := New(proc.NewCore(nil), out)
	if err := env.Execute("test.star", script); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return env, out
}

func TestConv(t *testing.T) {
	script := `
# A list global that we'll unmarshal into a slice.
x = [1,2]
`
	globals, err := starlark.ExecFile(&starlark.Thread{}, "test.star", script, nil)
	if err != nil {
		t.Fatal(err)
	}
	starlarkVal, ok := globals["x"]
	if !ok {
		t.Fatal("missing global 'x'")
	}
	var x []int
	err = unmarshalStarlarkValue(starlarkVal, &x, "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(x) != 2 || x[0] != 1 || x[1] != 2 {
		t.Fatalf("expected [1 2], got: %v", x)
	}
}

func TestUnpackArgs(t *testing.T) {
	var in struct {
		Pid    int
		Addr   uint64
		Format string
		Fn     starlark.Value
	}
	args := starlark.Tuple{starlark.MakeInt(42), starlark.MakeInt(-1)}
	kwargs := []starlark.Tuple{
		{starlark.String("format"), starlark.String("%p%u")},
		{starlark.String("fn"), starlark.None},
	}
	if err := unpackArgs("f", args, kwargs, &in); err != nil {
		t.Fatal(err)
	}
	if in.Pid != 42 || in.Addr != ^uint64(0) || in.Format != "%p%u" || in.Fn != nil {
		t.Fatalf("got %+v", in)
	}
	if err := unpackArgs("f", args, []starlark.Tuple{{starlark.String("nope"), starlark.None}}, &in); err == nil {
		t.Fatalf("unknown keyword accepted")
	}
	if err := unpackArgs("f", starlark.Tuple{starlark.String("x")}, nil, &in); err == nil {
		t.Fatalf("string accepted as pid")
	}
}

func TestArgName(t *testing.T) {
	for _, tc := range []struct{ in, out string }{
		{"Pid", "pid"},
		{"FaultAddress", "fault_address"},
		{"Fn", "fn"},
	} {
		if got := argName(tc.in); got != tc.out {
			t.Errorf("argName(%q) = %q, want %q", tc.in, got, tc.out)
		}
	}
}

func TestHandlerDiscovery(t *testing.T) {
	env, out := newTestEnv(t, `
def thread_create(ev):
    print("thread", ev.Tid)

def segmentation_fault(ev):
    print(ev.Kind, ev.Chance, "0x%x" % ev.FaultAddress)
    if ev.FaultAddress == 0:
        return "suppress"

def helper():
    pass
`)
	h := env.Handlers()
	if h.ThreadCreate == nil || h.Segfault == nil {
		t.Fatalf("handlers not installed: %+v", h)
	}
	if h.Attached != nil || h.Breakpoint != nil {
		t.Fatalf("unexpected handlers installed")
	}

	ev := &proc.Event{Kind: proc.EventSegfault, Chance: proc.FirstChance}
	if err := h.Segfault(ev); err != nil {
		t.Fatal(err)
	}
	if !ev.Suppressed() {
		t.Fatalf("exception not suppressed")
	}
	ev = &proc.Event{Kind: proc.EventSegfault, Chance: proc.SecondChance, FaultAddress: 0x10}
	if err := h.Segfault(ev); err != nil {
		t.Fatal(err)
	}
	if ev.Suppressed() {
		t.Fatalf("exception suppressed")
	}
	want := "segmentation-fault first 0x0\nsegmentation-fault second 0x10\n"
	if out.String() != want {
		t.Fatalf("output %q, want %q", out.String(), want)
	}
}

func TestBreakpointEventFields(t *testing.T) {
	env, out := newTestEnv(t, `
def breakpoint(ev):
    print(ev.Breakpoint.Spec, ev.Breakpoint.HitCount, "0x%x" % ev.Address)
`)
	h := env.Handlers()
	if h.Breakpoint == nil {
		t.Fatalf("breakpoint handler not installed")
	}
	bp := &proc.Breakpoint{Addr: 0x7f0000001000, Spec: "libc!exit", HitCount: 1}
	if err := h.Breakpoint(&proc.Event{Kind: proc.EventBreakpoint, Address: bp.Addr, Breakpoint: bp}); err != nil {
		t.Fatal(err)
	}
	if want := "libc!exit 1 0x7f0000001000\n"; out.String() != want {
		t.Fatalf("output %q, want %q", out.String(), want)
	}
}

func TestHandlerNotAFunction(t *testing.T) {
	env := New(proc.NewCore(nil), new(bytes.Buffer))
	if err := env.Execute("test.star", "attached = 1\n"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHandlerError(t *testing.T) {
	env, _ := newTestEnv(t, `
def process_exit(ev):
    fail("exit status %d" % ev.ExitStatus)
`)
	err := env.Handlers().ProcessExit(&proc.Event{Kind: proc.EventProcessExit, ExitStatus: 3})
	if err == nil || !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("got %v", err)
	}
}

func TestBuiltinErrorPosition(t *testing.T) {
	env := New(proc.NewCore(nil), new(bytes.Buffer))
	err := env.Execute("test.star", "x = 1\ndetach(4242)\n")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "test.star:2") || !strings.Contains(err.Error(), "4242") {
		t.Fatalf("error %q lacks position or pid", err)
	}
}

func TestProcessesBuiltin(t *testing.T) {
	_, out := newTestEnv(t, `
print(len(processes()))
print(type(time.now()))
`)
	if out.String() != "0\ntime.time\n" {
		t.Fatalf("output %q", out.String())
	}
}

func TestAddrSpec(t *testing.T) {
	spec, err := addrSpec(starlark.MakeUint64(0x401000))
	if err != nil || spec.IsSymbolic() || spec.Addr != 0x401000 {
		t.Fatalf("got %v %v", spec, err)
	}
	spec, err = addrSpec(starlark.String("libc!malloc"))
	if err != nil || spec.Module != "libc" || spec.Symbol != "malloc" {
		t.Fatalf("got %v %v", spec, err)
	}
	if _, err := addrSpec(starlark.True); err == nil {
		t.Fatalf("bool accepted as address")
	}
}

func TestEventValue(t *testing.T) {
	env := New(proc.NewCore(nil), new(bytes.Buffer))
	v := env.interfaceToStarlarkValue(newEvent(&proc.Event{
		Kind:   proc.EventModuleLoad,
		Module: &proc.Module{Name: "libc.so.6", Base: 0x7f0000000000},
	}))
	s, ok := v.(starlark.HasAttrs)
	if !ok {
		t.Fatalf("event is a %T", v)
	}
	kind, err := s.Attr("Kind")
	if err != nil || kind != starlark.String("module-load") {
		t.Fatalf("Kind = %v, %v", kind, err)
	}
	mod, err := s.Attr("Module")
	if err != nil {
		t.Fatal(err)
	}
	name, err := mod.(starlark.HasAttrs).Attr("Name")
	if err != nil || name != starlark.String("libc.so.6") {
		t.Fatalf("Name = %v, %v", name, err)
	}
	if _, err := s.Attr("suppressed"); err == nil {
		t.Fatalf("unexported field visible")
	}
}
