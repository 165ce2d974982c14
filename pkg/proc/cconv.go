package proc

import (
	"fmt"

	"github.com/immunityinc/libptrace/pkg/logflags"
)

// CallingConvention identifies how function arguments, the return
// address and the return value are laid out when a thread is stopped on
// the first instruction of a function (arguments, return address) or
// just after it returned (return value).
type CallingConvention uint8

const (
	// SysVAMD64 is the System V x86-64 ABI used by Linux.
	SysVAMD64 CallingConvention = iota
	// Cdecl386 passes every argument on the stack in 4 byte slots.
	Cdecl386
	// MSx64 is the Microsoft x64 convention, with a 32 byte shadow area
	// above the return address.
	MSx64
)

// maxArgs bounds the number of arguments a single decode may request.
const maxArgs = 64

type conventionLayout struct {
	name string
	// registers holding the first arguments, in order
	regArgs []string
	// offset from the stack pointer of the first stack argument
	stackOffset uint64
	slotSize    int
	retReg      string
}

var conventionLayouts = map[CallingConvention]*conventionLayout{
	SysVAMD64: {
		name:        "sysv-amd64",
		regArgs:     []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"},
		stackOffset: 8,
		slotSize:    8,
		retReg:      "rax",
	},
	Cdecl386: {
		name:        "cdecl",
		stackOffset: 4,
		slotSize:    4,
		retReg:      "eax",
	},
	MSx64: {
		name:        "ms-x64",
		regArgs:     []string{"rcx", "rdx", "r8", "r9"},
		stackOffset: 8 + 32,
		slotSize:    8,
		retReg:      "rax",
	},
}

func (cc CallingConvention) layout() *conventionLayout {
	l, ok := conventionLayouts[cc]
	if !ok {
		panic(fmt.Sprintf("unknown calling convention %d", cc))
	}
	return l
}

func (cc CallingConvention) String() string {
	if l, ok := conventionLayouts[cc]; ok {
		return l.name
	}
	return fmt.Sprintf("CallingConvention(%d)", cc)
}

// ParseCallingConvention returns the convention named s, as printed by
// String.
func ParseCallingConvention(s string) (CallingConvention, error) {
	for cc, l := range conventionLayouts {
		if l.name == s {
			return cc, nil
		}
	}
	return 0, fmt.Errorf("unknown calling convention %q", s)
}

// Args decodes the arguments of the function thread is stopped at the
// entry of. The format uses the conversions of ParseFormat; each one
// consumes the next argument and narrows it to the size of the
// conversion.
func (cc CallingConvention) Args(thread *Thread, format string) ([]uint64, error) {
	p := thread.proc
	fields, err := ParseFormat(format, p.arch.PtrSize())
	if err != nil {
		return nil, ConventionError{Reason: "invalid format", Err: err}
	}
	if len(fields) > maxArgs {
		return nil, ConventionError{Reason: fmt.Sprintf("too many arguments (%d)", len(fields))}
	}
	l := cc.layout()
	regs, err := thread.Registers()
	if err != nil {
		return nil, ConventionError{Reason: "could not read registers", Err: err}
	}

	var mem MemoryReader = p.memory()
	stackSlots := 0
	for i, f := range fields {
		if i >= len(l.regArgs) {
			stackSlots += slotsFor(f, l.slotSize)
		}
	}
	stackBase := regs.SP() + l.stackOffset
	mem = cacheMemory(mem, stackBase, stackSlots*l.slotSize)

	r := make([]uint64, len(fields))
	slot := 0
	for i, f := range fields {
		var v uint64
		if i < len(l.regArgs) {
			v, err = regs.Get(l.regArgs[i])
			if err != nil {
				return nil, ConventionError{Reason: fmt.Sprintf("argument %d", i), Err: err}
			}
		} else {
			n := slotsFor(f, l.slotSize)
			buf := make([]byte, n*l.slotSize)
			if err := readFull(mem, buf, stackBase+uint64(slot*l.slotSize)); err != nil {
				return nil, ConventionError{Reason: fmt.Sprintf("argument %d beyond readable stack", i), Err: err}
			}
			slot += n
			if len(buf) == 4 {
				v = uint64(p.arch.ByteOrder().Uint32(buf))
			} else {
				v = p.arch.ByteOrder().Uint64(buf)
			}
		}
		r[i] = f.narrow(v)
	}
	if logflags.Cconv() {
		logflags.CconvLogger().Debugf("%s args %q for thread %d: %#x", cc, format, thread.ID, r)
	}
	return r, nil
}

func slotsFor(f Field, slotSize int) int {
	if f.Size > slotSize {
		return f.Size / slotSize
	}
	return 1
}

// ReturnAddress returns the return address of the function thread is
// stopped at the entry of.
func (cc CallingConvention) ReturnAddress(thread *Thread) (uint64, error) {
	regs, err := thread.Registers()
	if err != nil {
		return 0, ConventionError{Reason: "could not read registers", Err: err}
	}
	p := thread.proc
	buf := make([]byte, cc.layout().slotSize)
	if err := readFull(p.memory(), buf, regs.SP()); err != nil {
		return 0, ConventionError{Reason: "return address not readable", Err: err}
	}
	if len(buf) == 4 {
		return uint64(p.arch.ByteOrder().Uint32(buf)), nil
	}
	return p.arch.ByteOrder().Uint64(buf), nil
}

// ReturnValue returns the integer return value of a function, valid when
// thread is stopped on the instruction following the call.
func (cc CallingConvention) ReturnValue(thread *Thread) (uint64, error) {
	regs, err := thread.Registers()
	if err != nil {
		return 0, ConventionError{Reason: "could not read registers", Err: err}
	}
	v, err := regs.Get(cc.layout().retReg)
	if err != nil {
		return 0, ConventionError{Reason: "return value", Err: err}
	}
	return v, nil
}

// Args decodes the arguments of the function the thread is stopped at,
// using the calling convention of its process.
func (t *Thread) Args(format string) ([]uint64, error) {
	return t.proc.conv.Args(t, format)
}

// ReturnAddress is the return address of the function the thread is
// stopped at.
func (t *Thread) ReturnAddress() (uint64, error) {
	return t.proc.conv.ReturnAddress(t)
}

// ReturnValue is the integer return value of the function that just
// returned.
func (t *Thread) ReturnValue() (uint64, error) {
	return t.proc.conv.ReturnValue(t)
}
