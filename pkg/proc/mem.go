package proc

import (
	"errors"

	"golang.org/x/text/encoding/unicode"
)

const cacheEnabled = true

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from the actual
// target memory or possibly a cache.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	return addr >= m.cacheAddr && end >= addr && end <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

// cacheMemory reads size bytes at addr in a single request and serves
// later reads inside that range from the copy. If the range is not
// readable as a whole mem is returned unchanged.
func cacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	n, err := mem.ReadMemory(cache, addr)
	if err != nil || n != size {
		return mem
	}
	return &memCache{addr, cache, mem}
}

// readFull reads exactly len(buf) bytes or fails with an AccessError.
func readFull(mem MemoryReader, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil || n != len(buf) {
		if err == nil {
			err = errors.New("short read")
		}
		return AccessError{Addr: addr, Len: len(buf), Err: err}
	}
	return nil
}

// ReadMemory reads n bytes of target memory at addr. Installed software
// breakpoints are not visible: the bytes they replaced are returned.
func (p *Process) ReadMemory(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := p.ReadMemoryInto(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadMemoryInto implements MemoryReader on top of ReadMemory.
func (p *Process) ReadMemoryInto(buf []byte, addr uint64) (int, error) {
	if err := p.checkValid(); err != nil {
		return 0, err
	}
	if err := readFull(p.session, buf, addr); err != nil {
		return 0, err
	}
	p.maskBreakpoints(buf, addr)
	return len(buf), nil
}

// WriteMemory writes data to target memory at addr. Writes that overlap
// installed software breakpoints update the saved original bytes and
// leave the breakpoint armed.
func (p *Process) WriteMemory(addr uint64, data []byte) error {
	if err := p.checkValid(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.shadowBreakpoints(buf, addr)
	n, err := p.session.WriteMemory(addr, buf)
	if err != nil || n != len(buf) {
		if err == nil {
			err = errors.New("short write")
		}
		return AccessError{Addr: addr, Len: len(buf), Err: err}
	}
	return nil
}

// maskBreakpoints replaces trap bytes in buf, which was read at addr,
// with the original instruction bytes.
func (p *Process) maskBreakpoints(buf []byte, addr uint64) {
	p.overlappingBreakpoints(addr, len(buf), func(bp *Breakpoint, bufOff, bpOff int) {
		buf[bufOff] = bp.OriginalData[bpOff]
	})
}

// shadowBreakpoints stores the bytes of buf that fall on installed
// breakpoints as their new original data and puts the trap back in buf.
func (p *Process) shadowBreakpoints(buf []byte, addr uint64) {
	instr := p.arch.BreakpointInstruction()
	p.overlappingBreakpoints(addr, len(buf), func(bp *Breakpoint, bufOff, bpOff int) {
		bp.OriginalData[bpOff] = buf[bufOff]
		buf[bufOff] = instr[bpOff]
	})
}

func (p *Process) overlappingBreakpoints(addr uint64, n int, fn func(bp *Breakpoint, bufOff, bpOff int)) {
	end := addr + uint64(n)
	for _, bp := range p.breakpoints {
		if bp.state != BreakpointInstalled {
			continue
		}
		for i := range bp.OriginalData {
			a := bp.Addr + uint64(i)
			if a >= addr && a < end {
				fn(bp, int(a-addr), i)
			}
		}
	}
}

// ReadUint32 reads a 32 bit little endian value.
func (p *Process) ReadUint32(addr uint64) (uint32, error) {
	buf, err := p.ReadMemory(addr, 4)
	if err != nil {
		return 0, err
	}
	return p.arch.ByteOrder().Uint32(buf), nil
}

// ReadUint64 reads a 64 bit little endian value.
func (p *Process) ReadUint64(addr uint64) (uint64, error) {
	buf, err := p.ReadMemory(addr, 8)
	if err != nil {
		return 0, err
	}
	return p.arch.ByteOrder().Uint64(buf), nil
}

// ReadPointer reads a pointer sized value.
func (p *Process) ReadPointer(addr uint64) (uint64, error) {
	buf, err := p.ReadMemory(addr, p.arch.PtrSize())
	if err != nil {
		return 0, err
	}
	return p.arch.uintptr(buf), nil
}

// ReadStructured reads consecutive fields described by a scanf style
// format (see ParseFormat) starting at addr. Fields are packed, each one
// starts right after the previous one. Either all fields are read or an
// AccessError is returned.
func (p *Process) ReadStructured(addr uint64, format string) ([]uint64, error) {
	fields, err := ParseFormat(format, p.arch.PtrSize())
	if err != nil {
		return nil, err
	}
	offsets := make([]int, len(fields))
	size := 0
	for i, f := range fields {
		offsets[i] = size
		size += f.Size
	}
	buf, err := p.ReadMemory(addr, size)
	if err != nil {
		return nil, err
	}
	r := make([]uint64, len(fields))
	bo := p.arch.ByteOrder()
	for i, f := range fields {
		b := buf[offsets[i]:]
		var v uint64
		if f.Size == 4 {
			v = uint64(bo.Uint32(b))
		} else {
			v = bo.Uint64(b)
		}
		r[i] = f.narrow(v)
	}
	return r, nil
}

// Sscanf is an alias of ReadStructured.
func (p *Process) Sscanf(addr uint64, format string) ([]uint64, error) {
	return p.ReadStructured(addr, format)
}

const (
	wideStringChunk    = 256
	maxWideStringUnits = 1 << 20
	pageSize           = 0x1000
)

// ReadUTF16 reads a zero terminated UTF-16LE string at addr. If the first
// code unit can not be read an AccessError is returned. If memory becomes
// unreadable before the terminator the decoded prefix is returned.
func (p *Process) ReadUTF16(addr uint64) (string, error) {
	s, err := p.ReadUTF16Checked(addr)
	if err == ErrTruncated {
		err = nil
	}
	return s, err
}

// ReadUTF16Checked is like ReadUTF16 but returns ErrTruncated along with
// the prefix when the string ran into unreadable memory.
func (p *Process) ReadUTF16Checked(addr uint64) (string, error) {
	var raw []byte
	var truncated bool
	cur := addr
scan:
	for len(raw)/2 < maxWideStringUnits {
		// never cross a page boundary in a single read
		n := wideStringChunk
		if left := int(pageSize - cur%pageSize); left < n {
			n = left
		}
		n &^= 1
		if n == 0 {
			n = 2
		}
		chunk, err := p.ReadMemory(cur, n)
		if err != nil {
			if len(raw) == 0 {
				return "", err
			}
			truncated = true
			break
		}
		for i := 0; i+1 < len(chunk); i += 2 {
			if chunk[i] == 0 && chunk[i+1] == 0 {
				break scan
			}
			raw = append(raw, chunk[i], chunk[i+1])
		}
		cur += uint64(n)
	}
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	if truncated {
		return string(s), ErrTruncated
	}
	return string(s), nil
}
