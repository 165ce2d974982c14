package linutil

import (
	"fmt"
)

// I386Registers implements the proc.Registers interface for the native/linux
// backend, on I386.
type I386Registers struct {
	Regs *I386PtraceRegs
}

func NewI386Registers(regs *I386PtraceRegs) *I386Registers {
	return &I386Registers{Regs: regs}
}

// I386PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for I386 CPUs.
type I386PtraceRegs struct {
	Ebx      int32
	Ecx      int32
	Edx      int32
	Esi      int32
	Edi      int32
	Ebp      int32
	Eax      int32
	Xds      int32
	Xes      int32
	Xfs      int32
	Xgs      int32
	Orig_eax int32
	Eip      int32
	Xcs      int32
	Eflags   int32
	Esp      int32
	Xss      int32
}

// PC returns the value of EIP register.
func (r *I386Registers) PC() uint64 {
	return uint64(uint32(r.Regs.Eip))
}

// SP returns the value of ESP register.
func (r *I386Registers) SP() uint64 {
	return uint64(uint32(r.Regs.Esp))
}

func (r *I386Registers) reg32(name string) (*int32, bool) {
	switch name {
	case "eax":
		return &r.Regs.Eax, true
	case "ebx":
		return &r.Regs.Ebx, true
	case "ecx":
		return &r.Regs.Ecx, true
	case "edx":
		return &r.Regs.Edx, true
	case "esi":
		return &r.Regs.Esi, true
	case "edi":
		return &r.Regs.Edi, true
	case "ebp":
		return &r.Regs.Ebp, true
	case "esp":
		return &r.Regs.Esp, true
	case "eip":
		return &r.Regs.Eip, true
	case "orig_eax":
		return &r.Regs.Orig_eax, true
	case "eflags":
		return &r.Regs.Eflags, true
	}
	return nil, false
}

// Get returns a register by name, zero extended.
func (r *I386Registers) Get(name string) (uint64, error) {
	p, ok := r.reg32(name)
	if !ok {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return uint64(uint32(*p)), nil
}

// Set changes the value of a register.
func (r *I386Registers) Set(name string, v uint64) error {
	p, ok := r.reg32(name)
	if !ok {
		return fmt.Errorf("unknown register %q", name)
	}
	*p = int32(uint32(v))
	return nil
}

// Copy returns a copy of these registers that is guaranteed not to change.
func (r *I386Registers) Copy() *I386Registers {
	regs := *r.Regs
	return &I386Registers{Regs: &regs}
}
