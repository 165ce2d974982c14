package proc

import (
	"strings"

	"github.com/derekparker/trie"
)

// Module is an executable image mapped in the address space of a process.
type Module struct {
	Name string // base name of Path
	Path string
	Base uint64
	Size uint64
}

// Contains returns true if addr falls inside the module.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

// Modules returns the modules currently loaded in the process in load
// order.
func (p *Process) Modules() []*Module {
	r := make([]*Module, len(p.modules))
	copy(r, p.modules)
	return r
}

// FindModule looks up a loaded module by name. A name containing a slash
// is compared with the module path. Otherwise an exact base name match
// wins, then the shortest base name that starts with name followed by
// '.' or '-', so that "libc" finds "libc.so.6".
func (p *Process) FindModule(name string) (*Module, bool) {
	if strings.Contains(name, "/") {
		for _, m := range p.modules {
			if m.Path == name {
				return m, true
			}
		}
		return nil, false
	}
	if n, ok := p.moduleIndex.Find(name); ok {
		if mods := n.Meta().([]*Module); len(mods) > 0 {
			return mods[0], true
		}
	}
	best := ""
	for _, key := range p.moduleIndex.PrefixSearch(name) {
		if len(key) <= len(name) || (key[len(name)] != '.' && key[len(name)] != '-') {
			continue
		}
		if best == "" || len(key) < len(best) || (len(key) == len(best) && key < best) {
			best = key
		}
	}
	if best == "" {
		return nil, false
	}
	n, _ := p.moduleIndex.Find(best)
	return n.Meta().([]*Module)[0], true
}

// ModuleAt returns the module containing addr.
func (p *Process) ModuleAt(addr uint64) (*Module, bool) {
	for _, m := range p.modules {
		if m.Contains(addr) {
			return m, true
		}
	}
	return nil, false
}

func (p *Process) addModule(m Module) *Module {
	nm := &m
	p.modules = append(p.modules, nm)
	p.indexModule(nm)
	return nm
}

func (p *Process) indexModule(m *Module) {
	var mods []*Module
	if n, ok := p.moduleIndex.Find(m.Name); ok {
		mods = n.Meta().([]*Module)
	}
	p.moduleIndex.Add(m.Name, append(mods, m))
}

func (p *Process) removeModule(m *Module) {
	for i := range p.modules {
		if p.modules[i] == m {
			p.modules = append(p.modules[:i], p.modules[i+1:]...)
			break
		}
	}
	p.moduleIndex = trie.New()
	for _, m := range p.modules {
		p.indexModule(m)
	}
	// breakpoints inside the image are gone with it
	for _, bp := range p.breakpoints {
		if m.Contains(bp.Addr) && bp.Kind == UserBreakpoint {
			p.forget(bp)
		}
	}
}

// rendezvousSymbol is called by the dynamic loader every time the list
// of loaded objects changes.
const rendezvousSymbol = "_dl_debug_state"

// trackLoader places an internal breakpoint on the dynamic loader's
// rendezvous function, used to detect module loads and unloads.
func (p *Process) trackLoader() {
	var ld *Module
	for _, m := range p.modules {
		if strings.HasPrefix(m.Name, "ld-") || strings.HasPrefix(m.Name, "ld.so") {
			ld = m
			break
		}
	}
	if ld == nil {
		p.log.Debugf("no dynamic loader mapped, module events limited to the initial images")
		return
	}
	addr, err := p.session.LookupSymbol(ld, rendezvousSymbol)
	if err != nil {
		p.log.Debugf("could not find %s in %s: %v", rendezvousSymbol, ld.Path, err)
		return
	}
	bp := &Breakpoint{Addr: addr, Spec: ld.Name + "!" + rendezvousSymbol, Kind: InternalBreakpoint, proc: p}
	bp.callback = func(*Breakpoint, *Thread) error {
		return p.rescanModules()
	}
	if err := p.install(bp); err != nil {
		p.log.Errorf("could not set loader breakpoint: %v", err)
		return
	}
	p.rendezvous = bp
}

// rescanModules compares the mapped images with the module list and
// delivers module-load and module-unload events for the differences.
func (p *Process) rescanModules() error {
	mods, err := p.session.Modules()
	if err != nil {
		p.log.Errorf("could not enumerate modules: %v", err)
		return nil
	}
	type key struct {
		path string
		base uint64
	}
	current := make(map[key]bool, len(mods))
	for _, m := range mods {
		current[key{m.Path, m.Base}] = true
	}
	known := make(map[key]bool, len(p.modules))
	var firstErr error
	for _, m := range p.Modules() {
		known[key{m.Path, m.Base}] = true
		if current[key{m.Path, m.Base}] {
			continue
		}
		p.removeModule(m)
		err := p.core.deliver(&Event{Kind: EventModuleUnload, Process: p, Module: m})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := range mods {
		if known[key{mods[i].Path, mods[i].Base}] {
			continue
		}
		m := p.addModule(mods[i])
		err := p.core.deliver(&Event{Kind: EventModuleLoad, Process: p, Module: m})
		if err != nil && firstErr == nil {
			firstErr = err
		}
		p.resolveDeferred()
	}
	return firstErr
}

// resolveDeferred installs the requested breakpoints whose module is now
// loaded.
func (p *Process) resolveDeferred() {
	pending := p.deferred[:0]
	for _, d := range p.deferred {
		addr, err := p.resolve(d.spec)
		if err != nil {
			pending = append(pending, d)
			continue
		}
		d.bp.Addr = addr
		if err := p.install(d.bp); err != nil {
			p.log.Errorf("could not install deferred breakpoint %s: %v", d.spec, err)
			d.bp.state = BreakpointRemoved
		}
	}
	p.deferred = pending
}
