package linutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/immunityinc/libptrace/pkg/proc"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Inode      uint64
	Path       string
}

// Executable returns true if the mapping has execute permission.
func (m *Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

const deletedSuffix = " (deleted)"

// ParseMappings parses the contents of /proc/<pid>/maps.
func ParseMappings(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}
		m, err := parseMapping(line)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, s.Err()
}

func parseMapping(line string) (Mapping, error) {
	var m Mapping
	rest := line
	field := func() string {
		rest = strings.TrimLeft(rest, " ")
		i := strings.IndexByte(rest, ' ')
		if i < 0 {
			f := rest
			rest = ""
			return f
		}
		f := rest[:i]
		rest = rest[i:]
		return f
	}
	addrs, perms, off, _, inode := field(), field(), field(), field(), field()
	dash := strings.IndexByte(addrs, '-')
	if dash < 0 || len(perms) < 4 {
		return m, fmt.Errorf("malformed maps line %q", line)
	}
	var err error
	if m.Start, err = strconv.ParseUint(addrs[:dash], 16, 64); err != nil {
		return m, fmt.Errorf("malformed maps line %q: %v", line, err)
	}
	if m.End, err = strconv.ParseUint(addrs[dash+1:], 16, 64); err != nil {
		return m, fmt.Errorf("malformed maps line %q: %v", line, err)
	}
	if m.Offset, err = strconv.ParseUint(off, 16, 64); err != nil {
		return m, fmt.Errorf("malformed maps line %q: %v", line, err)
	}
	if m.Inode, err = strconv.ParseUint(inode, 10, 64); err != nil {
		return m, fmt.Errorf("malformed maps line %q: %v", line, err)
	}
	m.Perms = perms
	m.Path = strings.TrimSuffix(strings.TrimLeft(rest, " "), deletedSuffix)
	return m, nil
}

// ModulesFromMappings groups file backed mappings by path into modules.
// Anonymous and pseudo mappings ([stack], [vdso], ...) are skipped, as are
// files that are not mapped executable. The result is in address order.
func ModulesFromMappings(maps []Mapping) []proc.Module {
	type span struct {
		start, end uint64
		exec       bool
		order      int
	}
	spans := make(map[string]*span)
	var paths []string
	for _, m := range maps {
		if m.Path == "" || m.Path[0] != '/' {
			continue
		}
		sp, ok := spans[m.Path]
		if !ok {
			sp = &span{start: m.Start, end: m.End, order: len(paths)}
			spans[m.Path] = sp
			paths = append(paths, m.Path)
		}
		if m.Start < sp.start {
			sp.start = m.Start
		}
		if m.End > sp.end {
			sp.end = m.End
		}
		sp.exec = sp.exec || m.Executable()
	}
	var mods []proc.Module
	for _, path := range paths {
		sp := spans[path]
		if !sp.exec {
			continue
		}
		mods = append(mods, proc.Module{
			Name: filepath.Base(path),
			Path: path,
			Base: sp.start,
			Size: sp.end - sp.start,
		})
	}
	return mods
}

// Modules returns the executable images mapped by process pid. If entry is
// not zero the module containing it, the main executable, comes first.
func Modules(pid int, entry uint64) ([]proc.Module, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	maps, err := ParseMappings(f)
	if err != nil {
		return nil, err
	}
	mods := ModulesFromMappings(maps)
	for i := range mods {
		if mods[i].Contains(entry) {
			exe := mods[i]
			copy(mods[1:i+1], mods[:i])
			mods[0] = exe
			break
		}
	}
	return mods, nil
}
