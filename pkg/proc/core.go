package proc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/immunityinc/libptrace/pkg/logflags"
)

// Core is the process wide tracing context. It owns the registry of traced
// processes and runs the event dispatch loop. Apart from Quit, its methods
// must be called from the goroutine running Main, or while Main is not
// running.
type Core struct {
	backend   Backend
	processes map[int]*Process
	pending   []pendingEvent

	quit     int32
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	log logflags.Logger
}

type pendingEvent struct {
	ev    *Event
	after func()
}

// NewCore returns a tracing context driving backend.
func NewCore(backend Backend) *Core {
	return &Core{
		backend:   backend,
		processes: make(map[int]*Process),
		log:       logflags.EngineLogger(),
	}
}

// SetLogSink routes every engine diagnostic to sink, independently of
// the --log-output configuration.
func (c *Core) SetLogSink(sink func(line string)) {
	c.log = logflags.WithSink(logflags.EngineLogger(), sink)
	for _, p := range c.processes {
		p.log = c.log.WithField("pid", p.pid)
	}
}

// Quit makes Main return after the event being dispatched, if any. Threads
// stopped at that point are left stopped. Quit is safe to call from any
// goroutine.
func (c *Core) Quit() {
	atomic.StoreInt32(&c.quit, 1)
	c.cancelMu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancelMu.Unlock()
}

func (c *Core) quitRequested() bool {
	return atomic.LoadInt32(&c.quit) != 0
}

// Spawn starts path with args under the tracer. Before the program executes
// its first instruction the dispatch loop delivers thread-create for the
// main thread, module-load for every mapped image and then attached.
func (c *Core) Spawn(path string, args []string, handlers *EventHandlers, opts Options) (*Process, error) {
	cmd := append([]string{path}, args...)
	session, err := c.backend.Launch(cmd, LaunchOptions{
		Terminal:   opts&OptionTerminal != 0,
		KillOnExit: opts&OptionKillOnExit != 0,
	})
	if err != nil {
		if _, ok := err.(LaunchError); ok {
			return nil, err
		}
		return nil, LaunchError{Path: path, Err: err}
	}
	p, err := c.register(session, handlers, opts, true)
	if err != nil {
		session.Kill()
		return nil, LaunchError{Path: path, Err: err}
	}
	return p, nil
}

// Attach starts tracing the running process pid. The dispatch loop
// delivers thread-create for every thread, module-load for every mapped
// image and then attached.
func (c *Core) Attach(pid int, handlers *EventHandlers, opts Options) (*Process, error) {
	if _, ok := c.processes[pid]; ok {
		return nil, AttachError{Pid: pid, Err: errAlreadyTraced}
	}
	session, err := c.backend.Attach(pid)
	if err != nil {
		if _, ok := err.(AttachError); ok {
			return nil, err
		}
		return nil, AttachError{Pid: pid, Err: err}
	}
	p, err := c.register(session, handlers, opts, false)
	if err != nil {
		session.Detach()
		return nil, AttachError{Pid: pid, Err: err}
	}
	return p, nil
}

func (c *Core) register(session Session, handlers *EventHandlers, opts Options, child bool) (*Process, error) {
	p := newProcess(c, session, handlers, opts, child)
	tids, err := session.ThreadIDs()
	if err != nil {
		return nil, err
	}
	for _, tid := range tids {
		p.addThread(tid)
	}
	mods, err := session.Modules()
	if err != nil {
		return nil, err
	}
	c.processes[p.pid] = p

	for _, th := range p.Threads() {
		c.queue(&Event{Kind: EventThreadCreate, Process: p, Thread: th}, nil)
	}
	for i := range mods {
		m := p.addModule(mods[i])
		c.queue(&Event{Kind: EventModuleLoad, Process: p, Module: m}, nil)
	}
	p.trackLoader()
	c.queue(&Event{Kind: EventAttached, Process: p}, func() {
		if p.state != ProcessSpawning {
			return
		}
		p.state = ProcessAttached
		p.resumeAll()
	})
	p.log.Debugf("registered %d threads, %d modules", len(p.threads), len(p.modules))
	return p, nil
}

// queue schedules a synthetic event, delivered before the next stop is
// waited for. after, if not nil, runs once the event was delivered.
func (c *Core) queue(ev *Event, after func()) {
	c.pending = append(c.pending, pendingEvent{ev, after})
}

// evict removes p from the registry along with its queued events.
func (c *Core) evict(p *Process) {
	delete(c.processes, p.pid)
	pending := c.pending[:0]
	for _, pe := range c.pending {
		if pe.ev.Process != p {
			pending = append(pending, pe)
		}
	}
	c.pending = pending
}

// FindProcess returns the traced process with the given pid.
func (c *Core) FindProcess(pid int) (*Process, bool) {
	p, ok := c.processes[pid]
	return p, ok
}

// ProcessInfo is a snapshot of a traced process.
type ProcessInfo struct {
	Pid     int
	Path    string
	State   ProcessState
	Threads int
	Modules int
	Child   bool
}

// Processes returns a snapshot of the traced processes sorted by pid.
func (c *Core) Processes() []ProcessInfo {
	r := make([]ProcessInfo, 0, len(c.processes))
	for _, p := range c.processes {
		info := ProcessInfo{
			Pid:     p.pid,
			State:   p.state,
			Threads: len(p.threads),
			Modules: len(p.modules),
			Child:   p.childProcess,
		}
		if len(p.modules) > 0 {
			info.Path = p.modules[0].Path
		}
		r = append(r, info)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Pid < r[j].Pid })
	return r
}

// Close releases every process still registered: children launched with
// OptionKillOnExit are killed, everything else is detached.
func (c *Core) Close() error {
	var firstErr error
	for _, p := range c.processes {
		var err error
		if p.childProcess && p.options&OptionKillOnExit != 0 {
			err = p.session.Kill()
			p.state = ProcessExited
			c.evict(p)
		} else {
			err = p.Detach()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
