package linutil

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/immunityinc/libptrace/pkg/proc"
)

const pageSize = 0x1000

// STT_GNU_IFUNC, missing from debug/elf
const sttGNUIFunc = elf.STT_LOOS

// ExportTable holds the defined symbols of an ELF image, relative to the
// image's lowest loadable segment.
type ExportTable struct {
	Path    string
	Arch    *proc.Arch
	symbols map[string]uint64
	// indirect functions, their symbol value is the resolver
	indirect map[string]bool
	// vaddr of the first PT_LOAD segment, page aligned
	loadBase uint64
}

// ReadExportTable reads the dynamic and static symbol tables of the ELF
// file at path. Dynamic symbols take precedence.
func ReadExportTable(path string) (*ExportTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return newExportTable(path, f)
}

func newExportTable(path string, f *elf.File) (*ExportTable, error) {
	arch, err := ArchOf(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	et := &ExportTable{Path: path, Arch: arch, symbols: make(map[string]uint64), indirect: make(map[string]bool)}

	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if first || prog.Vaddr < et.loadBase {
			et.loadBase = prog.Vaddr
			first = false
		}
	}
	et.loadBase &^= pageSize - 1

	add := func(syms []elf.Symbol, err error) error {
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return err
		}
		et.add(syms)
		return nil
	}
	if err := add(f.DynamicSymbols()); err != nil {
		return nil, fmt.Errorf("%s: dynamic symbols: %w", path, err)
	}
	if err := add(f.Symbols()); err != nil {
		return nil, fmt.Errorf("%s: symbols: %w", path, err)
	}
	return et, nil
}

// add records the defined symbols of syms that are not known yet.
func (et *ExportTable) add(syms []elf.Symbol) {
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Value == 0 || sym.Name == "" {
			continue
		}
		if _, dup := et.symbols[sym.Name]; dup {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
		case sttGNUIFunc:
			et.indirect[sym.Name] = true
		default:
			continue
		}
		et.symbols[sym.Name] = sym.Value
	}
}

// Lookup returns the runtime address of name for the image loaded at base.
// Indirect functions are not found: the implementation they resolve to
// is only known at run time.
func (et *ExportTable) Lookup(base uint64, name string) (uint64, bool) {
	v, ok := et.symbols[name]
	if !ok || et.indirect[name] {
		return 0, false
	}
	return base + v - et.loadBase, true
}

// Indirect returns true if name is a GNU indirect function.
func (et *ExportTable) Indirect(name string) bool {
	return et.indirect[name]
}

// Len returns the number of symbols in the table.
func (et *ExportTable) Len() int {
	return len(et.symbols)
}

// ArchOf returns the architecture of an ELF file.
func ArchOf(f *elf.File) (*proc.Arch, error) {
	switch {
	case f.Class == elf.ELFCLASS64 && f.Machine == elf.EM_X86_64:
		return proc.AMD64Arch(), nil
	case f.Class == elf.ELFCLASS32 && f.Machine == elf.EM_386:
		return proc.I386Arch(), nil
	}
	return nil, fmt.Errorf("unsupported architecture %s/%s", f.Class, f.Machine)
}

// ExportCache caches export tables by path, invalidating entries when the
// file changes on disk.
type ExportCache struct {
	cache *lru.Cache
}

type exportCacheEntry struct {
	modTime time.Time
	size    int64
	table   *ExportTable
}

// NewExportCache returns a cache holding at most size export tables.
func NewExportCache(size int) (*ExportCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ExportCache{cache: c}, nil
}

// Get returns the export table of path, reading it if it is not cached
// or changed since it was cached.
func (ec *ExportCache) Get(path string) (*ExportTable, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if v, ok := ec.cache.Get(path); ok {
		e := v.(*exportCacheEntry)
		if e.modTime.Equal(fi.ModTime()) && e.size == fi.Size() {
			return e.table, nil
		}
	}
	et, err := ReadExportTable(path)
	if err != nil {
		return nil, err
	}
	ec.cache.Add(path, &exportCacheEntry{modTime: fi.ModTime(), size: fi.Size(), table: et})
	return et, nil
}

// Len returns the number of cached tables.
func (ec *ExportCache) Len() int {
	return ec.cache.Len()
}
