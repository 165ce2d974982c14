// Package starbind runs Starlark scripts as tracer event handlers.
package starbind

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/immunityinc/libptrace/pkg/logflags"
	"github.com/immunityinc/libptrace/pkg/proc"
)

const (
	ptraceContextName = "ptrace_context"
	helpBuiltinName   = "help"
	// a handler returning this string suppresses the exception
	suppressResult = "suppress"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Env is the environment used to evaluate starlark scripts.
type Env struct {
	env       starlark.StringDict
	doc       map[string]string
	contextMu sync.Mutex
	thread    *starlark.Thread
	cancelfn  context.CancelFunc

	core     *proc.Core
	handlers proc.EventHandlers
	opts     proc.Options
	out      io.Writer
	log      logflags.Logger
}

// New creates a new starlark binding environment driving core.
func New(core *proc.Core, out io.Writer) *Env {
	env := &Env{
		core: core,
		out:  out,
		doc:  make(map[string]string),
		log:  logflags.ScriptLogger(),
	}

	// Make the "time" module available to Starlark scripts.
	starlark.Universe["time"] = startime.Module

	env.env = env.starlarkPredeclare()

	env.env[helpBuiltinName] = starlark.NewBuiltin(helpBuiltinName, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		switch len(args) {
		case 0:
			fmt.Fprintln(env.out, "Available builtins:")
			bins := make([]string, 0, len(env.env))
			for name, value := range env.env {
				switch value.(type) {
				case *starlark.Builtin:
					bins = append(bins, name)
				}
			}
			sort.Strings(bins)
			for _, bin := range bins {
				fmt.Fprintf(env.out, "\t%s\n", bin)
			}
		case 1:
			switch x := args[0].(type) {
			case *starlark.Builtin:
				if env.doc[x.Name()] != "" {
					fmt.Fprintf(env.out, "%s\n", env.doc[x.Name()])
				} else {
					fmt.Fprintf(env.out, "no help for builtin %s\n", x.Name())
				}
			case *starlark.Function:
				fmt.Fprintf(env.out, "user defined function %s\n", x.Name())
				if doc := x.Doc(); doc != "" {
					fmt.Fprintln(env.out, doc)
				}
			default:
				fmt.Fprintf(env.out, "no help for object of type %T\n", args[0])
			}
		default:
			fmt.Fprintln(env.out, "wrong number of arguments ", len(args))
		}
		return starlark.None, nil
	})
	env.doc[helpBuiltinName] = "help(Object)\n\nhelp prints help for Object."

	return env
}

// SetOptions changes the options used by the spawn and attach builtins.
func (env *Env) SetOptions(opts proc.Options) {
	env.opts = opts
}

// Handlers returns the handlers defined by the scripts executed so far.
// Processes created with them are driven by the scripts.
func (env *Env) Handlers() *proc.EventHandlers {
	return &env.handlers
}

func (env *Env) printFunc() func(_ *starlark.Thread, msg string) {
	return func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) }
}

// Execute executes a script. Path is the name of the file to execute and
// source is the source code to execute.
// Source can be either a []byte, a string or a io.Reader. If source is nil
// Execute will execute the file specified by 'path'.
// Every top level function named after an event kind, with dashes
// replaced by underscores, becomes the handler of that kind.
func (env *Env) Execute(path string, source interface{}) (_err error) {
	defer func() {
		err := recover()
		if err == nil {
			return
		}
		_err = fmt.Errorf("panic executing starlark script: %v", err)
		fmt.Fprintf(env.out, "panic executing starlark script: %v\n", err)
		for i := 0; ; i++ {
			pc, file, line, ok := runtime.Caller(i)
			if !ok {
				break
			}
			fname := "<unknown>"
			fn := runtime.FuncForPC(pc)
			if fn != nil {
				fname = fn.Name()
			}
			fmt.Fprintf(env.out, "%s\n\tin %s:%d\n", fname, file, line)
		}
	}()

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return err
	}
	return env.exportGlobals(globals)
}

// handlerName returns the name of the script function handling k.
func handlerName(k proc.EventKind) string {
	return strings.Replace(k.String(), "-", "_", -1)
}

// exportGlobals installs event handlers and saves globals with a name
// starting with a capital letter into the environment.
func (env *Env) exportGlobals(globals starlark.StringDict) error {
	for _, k := range proc.EventKinds() {
		val, ok := globals[handlerName(k)]
		if !ok {
			continue
		}
		fn, ok := val.(starlark.Callable)
		if !ok {
			return fmt.Errorf("%s is not a function", handlerName(k))
		}
		env.handlers.Set(k, env.handler(fn))
	}
	for name, val := range globals {
		if name[0] >= 'A' && name[0] <= 'Z' {
			env.env[name] = val
		}
	}
	return nil
}

// Event is the value received by script handlers.
type Event struct {
	Kind         string
	Pid          int
	Tid          int
	Address      uint64
	FaultAddress uint64
	Chance       string
	Signal       int
	ExitStatus   int
	Killed       bool
	Module       *proc.Module
	Breakpoint   *proc.Breakpoint
}

func newEvent(ev *proc.Event) *Event {
	r := &Event{
		Kind:         ev.Kind.String(),
		Address:      ev.Address,
		FaultAddress: ev.FaultAddress,
		Chance:       ev.Chance.String(),
		Signal:       ev.Signal,
		ExitStatus:   ev.ExitStatus,
		Killed:       ev.Killed,
		Module:       ev.Module,
		Breakpoint:   ev.Breakpoint,
	}
	if ev.Process != nil {
		r.Pid = ev.Process.Pid()
	}
	if ev.Thread != nil {
		r.Tid = ev.Thread.ID
	}
	return r
}

func (env *Env) handler(fn starlark.Callable) proc.Handler {
	return func(ev *proc.Event) error {
		if logflags.Script() {
			env.log.Debugf("calling %s for %s", fn.Name(), ev.Kind)
		}
		v, err := starlark.Call(env.newThread(), fn, starlark.Tuple{env.interfaceToStarlarkValue(newEvent(ev))}, nil)
		if err != nil {
			return err
		}
		if s, ok := v.(starlark.String); ok && string(s) == suppressResult {
			ev.Suppress()
		}
		return nil
	}
}

// Cancel cancels the execution of a currently running script or function.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.contextMu.Lock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
	env.contextMu.Unlock()
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: env.printFunc(),
	}
	env.contextMu.Lock()
	var ctx context.Context
	ctx, env.cancelfn = context.WithCancel(context.Background())
	env.thread = thread
	env.contextMu.Unlock()
	thread.SetLocal(ptraceContextName, ctx)
	return thread
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(ptraceContextName).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}
