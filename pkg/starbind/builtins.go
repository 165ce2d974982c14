package starbind

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/immunityinc/libptrace/pkg/proc"
)

type builtinFunc func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// builtin registers fn under name. Errors are decorated with the position
// of the caller in the script.
func (env *Env) builtin(r starlark.StringDict, name, args, descr string, fn builtinFunc) {
	r[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		v, err := fn(thread, args, kwargs)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return v, nil
	})
	env.doc[name] = name + args + "\n\n" + name + " " + descr
}

func (env *Env) process(pid int) (*proc.Process, error) {
	p, ok := env.core.FindProcess(pid)
	if !ok {
		return nil, fmt.Errorf("no traced process with pid %d", pid)
	}
	return p, nil
}

func (env *Env) findThread(pid, tid int) (*proc.Thread, error) {
	p, err := env.process(pid)
	if err != nil {
		return nil, err
	}
	th, ok := p.FindThread(tid)
	if !ok {
		return nil, fmt.Errorf("no thread %d in process %d", tid, pid)
	}
	return th, nil
}

// addrSpec converts an integer or a "module!export" string.
func addrSpec(v starlark.Value) (proc.AddrSpec, error) {
	switch v := v.(type) {
	case starlark.Int:
		n, ok := v.Uint64()
		if !ok {
			return proc.AddrSpec{}, fmt.Errorf("address %s out of range", v)
		}
		return proc.Addr(n), nil
	case starlark.String:
		return proc.ParseAddrSpec(string(v))
	case nil:
		return proc.AddrSpec{}, fmt.Errorf("missing address")
	}
	return proc.AddrSpec{}, fmt.Errorf("can not use %s as an address", v.Type())
}

func (env *Env) starlarkPredeclare() starlark.StringDict {
	r := starlark.StringDict{}

	env.builtin(r, "spawn", "(Path, Args)", "starts a program under the tracer and returns its pid. Events of the new process are delivered to the handlers of the script.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Path string
			Args []string
		}
		if err := unpackArgs("spawn", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.core.Spawn(in.Path, in.Args, &env.handlers, env.opts)
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt(p.Pid()), nil
	})

	env.builtin(r, "attach", "(Pid)", "starts tracing a running process.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct{ Pid int }
		if err := unpackArgs("attach", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.core.Attach(in.Pid, &env.handlers, env.opts)
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt(p.Pid()), nil
	})

	env.builtin(r, "detach", "(Pid)", "removes every breakpoint and releases the process.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct{ Pid int }
		if err := unpackArgs("detach", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		return starlark.None, p.Detach()
	})

	env.builtin(r, "kill", "(Pid)", "terminates the process.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct{ Pid int }
		if err := unpackArgs("kill", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		return starlark.None, p.Kill()
	})

	env.builtin(r, "quit", "()", "stops the event loop after the current event. Threads are left stopped.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		env.core.Quit()
		return starlark.None, nil
	})

	env.builtin(r, "processes", "()", "returns the traced processes.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return env.interfaceToStarlarkValue(env.core.Processes()), nil
	})

	env.builtin(r, "modules", "(Pid)", "returns the modules loaded in the process.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct{ Pid int }
		if err := unpackArgs("modules", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(p.Modules()), nil
	})

	env.builtin(r, "breakpoint_set", "(Pid, Spec, Fn)", `sets a breakpoint at Spec, an address or a "module!export" string. Fn is called as Fn(pid, tid, address) every time the breakpoint is hit. Breakpoints on modules that are not loaded yet are installed when the module is loaded.`, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid  int
			Spec starlark.Value
			Fn   starlark.Value
		}
		if err := unpackArgs("breakpoint_set", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		spec, err := addrSpec(in.Spec)
		if err != nil {
			return nil, err
		}
		var fn starlark.Callable
		if in.Fn != nil && in.Fn != starlark.None {
			var ok bool
			if fn, ok = in.Fn.(starlark.Callable); !ok {
				return nil, fmt.Errorf("breakpoint callback is a %s, not a function", in.Fn.Type())
			}
		}
		bp, err := p.SetBreakpointDeferred(spec, env.breakpointFunc(fn))
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(bp), nil
	})

	env.builtin(r, "breakpoint_find", "(Pid, Addr)", "returns the breakpoint at Addr or None.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid  int
			Addr uint64
		}
		if err := unpackArgs("breakpoint_find", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(p.FindBreakpoint(in.Addr)), nil
	})

	env.builtin(r, "breakpoint_clear", "(Pid, Addr)", "removes the breakpoint at Addr, restoring the original code.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid  int
			Addr uint64
		}
		if err := unpackArgs("breakpoint_clear", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		bp := p.FindBreakpoint(in.Addr)
		if bp == nil {
			return nil, proc.NoBreakpointError{Addr: in.Addr}
		}
		return starlark.None, p.ClearBreakpoint(bp)
	})

	env.builtin(r, "breakpoints", "(Pid)", "returns the breakpoints of the process sorted by address.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct{ Pid int }
		if err := unpackArgs("breakpoints", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(p.Breakpoints()), nil
	})

	env.builtin(r, "args_get", "(Pid, Tid, Format)", `decodes the arguments of the function the thread just entered. Format holds one %p, %u, %l, %z, %d, %i or %q per argument.`, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid    int
			Tid    int
			Format string
		}
		if err := unpackArgs("args_get", args, kwargs, &in); err != nil {
			return nil, err
		}
		th, err := env.findThread(in.Pid, in.Tid)
		if err != nil {
			return nil, err
		}
		vals, err := th.Args(in.Format)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(vals), nil
	})

	env.builtin(r, "retaddr_get", "(Pid, Tid)", "returns the return address of the function the thread just entered.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid int
			Tid int
		}
		if err := unpackArgs("retaddr_get", args, kwargs, &in); err != nil {
			return nil, err
		}
		th, err := env.findThread(in.Pid, in.Tid)
		if err != nil {
			return nil, err
		}
		addr, err := th.ReturnAddress()
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(addr), nil
	})

	env.builtin(r, "retval_get", "(Pid, Tid)", "returns the return value register of the thread.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid int
			Tid int
		}
		if err := unpackArgs("retval_get", args, kwargs, &in); err != nil {
			return nil, err
		}
		th, err := env.findThread(in.Pid, in.Tid)
		if err != nil {
			return nil, err
		}
		v, err := th.ReturnValue()
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(v), nil
	})

	env.builtin(r, "single_step", "(Pid, Tid)", "requests a single-step event for the thread when it is resumed.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid int
			Tid int
		}
		if err := unpackArgs("single_step", args, kwargs, &in); err != nil {
			return nil, err
		}
		th, err := env.findThread(in.Pid, in.Tid)
		if err != nil {
			return nil, err
		}
		th.SingleStep()
		return starlark.None, nil
	})

	env.builtin(r, "read", "(Pid, Addr, Len)", "reads Len bytes of target memory.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid  int
			Addr uint64
			Len  int
		}
		if err := unpackArgs("read", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		buf, err := p.ReadMemory(in.Addr, in.Len)
		if err != nil {
			return nil, err
		}
		return starlark.Bytes(buf), nil
	})

	env.builtin(r, "write", "(Pid, Addr, Data)", "writes the bytes Data to target memory.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid  int
			Addr uint64
			Data []byte
		}
		if err := unpackArgs("write", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		return starlark.None, p.WriteMemory(in.Addr, in.Data)
	})

	env.builtin(r, "read_utf16", "(Pid, Addr)", "reads a zero terminated UTF-16 string.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid  int
			Addr uint64
		}
		if err := unpackArgs("read_utf16", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		s, err := p.ReadUTF16(in.Addr)
		if err != nil {
			return nil, err
		}
		return starlark.String(s), nil
	})

	env.builtin(r, "sscanf", "(Pid, Addr, Format)", "reads a structure laid out as described by Format, see args_get.", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid    int
			Addr   uint64
			Format string
		}
		if err := unpackArgs("sscanf", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		vals, err := p.Sscanf(in.Addr, in.Format)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(vals), nil
	})

	env.builtin(r, "thread_create", "(Pid, Entry, Arg)", `starts a thread in the process calling Entry(Arg). Entry is an address or a "module!export" string. Returns the new thread id.`, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var in struct {
			Pid   int
			Entry starlark.Value
			Arg   uint64
		}
		if err := unpackArgs("thread_create", args, kwargs, &in); err != nil {
			return nil, err
		}
		p, err := env.process(in.Pid)
		if err != nil {
			return nil, err
		}
		spec, err := addrSpec(in.Entry)
		if err != nil {
			return nil, err
		}
		entry, err := p.Resolve(spec)
		if err != nil {
			return nil, err
		}
		th, err := p.CreateRemoteThread(entry, in.Arg)
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt(th.ID), nil
	})

	return r
}

func (env *Env) breakpointFunc(fn starlark.Callable) proc.BreakpointFunc {
	if fn == nil {
		return nil
	}
	return func(bp *proc.Breakpoint, th *proc.Thread) error {
		if env.log != nil {
			env.log.Debugf("breakpoint %s hit by thread %d", bp, th.ID)
		}
		_, err := starlark.Call(env.newThread(), fn, starlark.Tuple{
			starlark.MakeInt(th.Process().Pid()),
			starlark.MakeInt(th.ID),
			starlark.MakeUint64(bp.Addr),
		}, nil)
		return err
	}
}
