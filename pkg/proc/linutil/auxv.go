package linutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	_AT_NULL  = 0
	_AT_ENTRY = 9
)

// readUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}

// ParseAuxv decodes the elf auxiliary vector, as found in
// /proc/<pid>/auxv, into a map from tag to value.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
// System V Application Binary Interface, Intel386 Architecture Processor
// Supplement (fourth edition), section 3-28.
func ParseAuxv(auxv []byte, ptrSize int) map[uint64]uint64 {
	rd := bytes.NewBuffer(auxv)
	r := make(map[uint64]uint64)
	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return r
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil || tag == _AT_NULL {
			return r
		}
		r[tag] = val
	}
}

// EntryPointFromAuxv searches the elf auxiliary vector for the entry point
// address.
func EntryPointFromAuxv(auxv []byte, ptrSize int) uint64 {
	return ParseAuxv(auxv, ptrSize)[_AT_ENTRY]
}
