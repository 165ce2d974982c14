package cmds

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/immunityinc/libptrace/pkg/proc"
)

func TestCommandLine(t *testing.T) {
	defer func() { argsLine = "" }()

	argsLine = ""
	got, err := commandLine([]string{"/bin/echo", "a b"})
	if err != nil || len(got) != 2 || got[1] != "a b" {
		t.Fatalf("got %q %v", got, err)
	}

	argsLine = `/bin/echo 'hello world' "x y" z`
	got, err = commandLine(nil)
	if err != nil {
		t.Fatal(err)
	}
	tgt := []string{"/bin/echo", "hello world", "x y", "z"}
	if len(got) != len(tgt) {
		t.Fatalf("expected %#v, got %#v (len mismatch)", tgt, got)
	}
	for i := range tgt {
		if tgt[i] != got[i] {
			t.Fatalf("expected %#v, got %#v (mismatch at %d)", tgt, got, i)
		}
	}

	for _, bad := range []string{"echo `id`", "a | b"} {
		argsLine = bad
		if _, err := commandLine(nil); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}

	argsLine = "/bin/true"
	if _, err := commandLine([]string{"/bin/false"}); err == nil {
		t.Fatalf("--args and positional program accepted together")
	}
}

func TestParsePid(t *testing.T) {
	for _, tc := range []struct {
		in  string
		pid int
		ok  bool
	}{
		{"1234", 1234, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"abc", 0, false},
	} {
		pid, err := parsePid(tc.in)
		if (err == nil) != tc.ok || pid != tc.pid {
			t.Errorf("parsePid(%q) = %d, %v", tc.in, pid, err)
		}
	}
}

func TestSplitArgs(t *testing.T) {
	var script, target []string
	cmd := &cobra.Command{
		Use: "script",
		Run: func(cmd *cobra.Command, args []string) {
			script, target = splitArgs(cmd, args)
		},
	}
	cmd.SetArgs([]string{"trace.star", "--", "/bin/ls", "-l"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(script) != 1 || script[0] != "trace.star" {
		t.Fatalf("script args %q", script)
	}
	if len(target) != 2 || target[0] != "/bin/ls" || target[1] != "-l" {
		t.Fatalf("target args %q", target)
	}
}

func TestOptions(t *testing.T) {
	defer func() { secondChance, tty = false, false }()
	secondChance, tty = false, false
	if options() != proc.OptionKillOnExit {
		t.Fatalf("got %#x", options())
	}
	secondChance, tty = true, true
	if want := proc.OptionKillOnExit | proc.OptionSecondChance | proc.OptionTerminal; options() != want {
		t.Fatalf("got %#x, want %#x", options(), want)
	}
}

func TestEventJSON(t *testing.T) {
	line, err := eventJSON(&proc.Event{
		Kind:         proc.EventSegfault,
		Thread:       &proc.Thread{ID: 42},
		Address:      0x401000,
		FaultAddress: 0xffffffffff600000,
		Chance:       proc.SecondChance,
		Signal:       11,
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(line, "\n") {
		t.Fatalf("multi line event %q", line)
	}
	r := gjson.Parse(line)
	if got := r.Get("kind").String(); got != "segmentation-fault" {
		t.Errorf("kind = %q", got)
	}
	if got := r.Get("tid").Int(); got != 42 {
		t.Errorf("tid = %d", got)
	}
	if got := r.Get("address").Uint(); got != 0x401000 {
		t.Errorf("address = %#x", got)
	}
	if got := r.Get("fault_address").Uint(); got != 0xffffffffff600000 {
		t.Errorf("fault_address = %#x", got)
	}
	if got := r.Get("chance").String(); got != "second" {
		t.Errorf("chance = %q", got)
	}
	if r.Get("exit_status").Exists() || r.Get("module").Exists() {
		t.Errorf("unrelated fields set: %s", line)
	}

	line, err = eventJSON(&proc.Event{
		Kind:   proc.EventModuleLoad,
		Module: &proc.Module{Name: "libc.so.6", Path: "/lib/libc.so.6", Base: 0x7f0000000000, Size: 0x1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	r = gjson.Parse(line)
	if got := r.Get("module.path").String(); got != "/lib/libc.so.6" {
		t.Errorf("module.path = %q", got)
	}
	if got := r.Get("module.base").Uint(); got != 0x7f0000000000 {
		t.Errorf("module.base = %#x", got)
	}
	if r.Get("chance").Exists() {
		t.Errorf("chance set on module-load: %s", line)
	}

	line, err = eventJSON(&proc.Event{
		Kind:       proc.EventBreakpoint,
		Address:    0x7f0000001000,
		Breakpoint: &proc.Breakpoint{Addr: 0x7f0000001000, Spec: "libc!exit", HitCount: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	r = gjson.Parse(line)
	if got := r.Get("breakpoint.spec").String(); got != "libc!exit" {
		t.Errorf("breakpoint.spec = %q", got)
	}
	if got := r.Get("breakpoint.hits").Int(); got != 2 {
		t.Errorf("breakpoint.hits = %d", got)
	}
	if got := eventText(&proc.Event{Kind: proc.EventBreakpoint, Breakpoint: &proc.Breakpoint{Spec: "libc!exit"}}); !strings.HasSuffix(got, " libc!exit") {
		t.Errorf("breakpoint spec missing from %q", got)
	}
}

func TestEventPrinter(t *testing.T) {
	out := new(bytes.Buffer)
	pr := newEventPrinter(out, false)
	h := pr.handlers()
	for _, k := range proc.EventKinds() {
		ev := &proc.Event{Kind: k}
		if k == proc.EventProcessExit {
			ev.ExitStatus = 9
			ev.Killed = true
		}
		if err := pr.print(ev); err != nil {
			t.Fatal(err)
		}
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != len(proc.EventKinds()) {
		t.Fatalf("%d lines for %d events:\n%s", len(lines), len(proc.EventKinds()), out.String())
	}
	if lines[1] != "[0] process-exit signal=9" {
		t.Errorf("process-exit printed as %q", lines[1])
	}
	if pr.exitStatus != 9 {
		t.Errorf("exit status %d", pr.exitStatus)
	}
	if h.Breakpoint == nil || h.UnknownException == nil {
		t.Errorf("handlers missing")
	}

	out.Reset()
	pr = newEventPrinter(out, true)
	if err := pr.print(&proc.Event{Kind: proc.EventThreadCreate, Thread: &proc.Thread{ID: 7}}); err != nil {
		t.Fatal(err)
	}
	if !gjson.Valid(out.String()) || gjson.Get(out.String(), "tid").Int() != 7 {
		t.Fatalf("bad json line %q", out.String())
	}
}

func TestWithCallingConvention(t *testing.T) {
	h := &proc.EventHandlers{}
	withCallingConvention(h, proc.SysVAMD64)
	if h.Attached == nil {
		t.Fatal("attached handler not installed")
	}
	if h.ProcessExit != nil || h.Breakpoint != nil {
		t.Fatal("unrelated handlers installed")
	}
}

func TestListProcesses(t *testing.T) {
	out := new(bytes.Buffer)
	if err := listProcesses(out); err != nil {
		t.Skipf("no /proc: %v", err)
	}
	self := strconv.Itoa(os.Getpid())
	found := false
	for _, line := range strings.Split(out.String(), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[0] == self {
			found = true
		}
	}
	if !found {
		t.Fatalf("own pid %s not listed:\n%s", self, out.String())
	}
}

func TestCommandTree(t *testing.T) {
	os.Setenv("XDG_CONFIG_HOME", t.TempDir())
	defer os.Unsetenv("XDG_CONFIG_HOME")
	root := New()
	for _, name := range []string{"exec", "attach", "script", "ps", "version", "log"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %s missing", name)
		}
	}
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "libptrace\nVersion: ") {
		t.Fatalf("version output %q", out.String())
	}
	root.SetArgs([]string{"attach"})
	if err := root.Execute(); err == nil {
		t.Fatalf("attach without pid accepted")
	}
}
