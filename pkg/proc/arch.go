package proc

import (
	"encoding/binary"
)

// Arch represents a CPU architecture.
type Arch struct {
	Name string // architecture name

	ptrSize               int
	maxInstructionLength  int
	breakpointInstruction []byte
	// breakInstrMovesPC is true if hitting the breakpoint instruction
	// leaves the PC after it.
	breakInstrMovesPC bool
	disasmMode        int

	defaultConvention CallingConvention
}

var x86BreakInstruction = []byte{0xCC}

// AMD64Arch returns an initialized Arch for x86-64 targets.
func AMD64Arch() *Arch {
	return &Arch{
		Name:                  "amd64",
		ptrSize:               8,
		maxInstructionLength:  15,
		breakpointInstruction: x86BreakInstruction,
		breakInstrMovesPC:     true,
		disasmMode:            64,
		defaultConvention:     SysVAMD64,
	}
}

// I386Arch returns an initialized Arch for 32bit x86 targets.
func I386Arch() *Arch {
	return &Arch{
		Name:                  "386",
		ptrSize:               4,
		maxInstructionLength:  15,
		breakpointInstruction: x86BreakInstruction,
		breakInstrMovesPC:     true,
		disasmMode:            32,
		defaultConvention:     Cdecl386,
	}
}

// PtrSize returns the size of a pointer for the architecture.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// MaxInstructionLength is the maximum size in bytes of an instruction.
func (a *Arch) MaxInstructionLength() int {
	return a.maxInstructionLength
}

// BreakpointInstruction is the instruction that will trigger a breakpoint trap for
// the given architecture.
func (a *Arch) BreakpointInstruction() []byte {
	return a.breakpointInstruction
}

// BreakInstrMovesPC is true if hitting the breakpoint instruction advances the
// instruction counter by the size of the breakpoint instruction.
func (a *Arch) BreakInstrMovesPC() bool {
	return a.breakInstrMovesPC
}

// BreakpointSize is the size of the breakpoint instruction for the given architecture.
func (a *Arch) BreakpointSize() int {
	return len(a.breakpointInstruction)
}

// DefaultConvention is the calling convention assumed for processes of
// this architecture.
func (a *Arch) DefaultConvention() CallingConvention {
	return a.defaultConvention
}

// ByteOrder of target memory. Both supported architectures are little
// endian.
func (a *Arch) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

func (a *Arch) uintptr(buf []byte) uint64 {
	if a.ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf))
	}
	return binary.LittleEndian.Uint64(buf)
}
