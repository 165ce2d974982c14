package linutil

import (
	"fmt"
)

// AMD64Registers implements the proc.Registers interface for the native/linux
// backend, on AMD64.
type AMD64Registers struct {
	Regs *AMD64PtraceRegs
}

func NewAMD64Registers(regs *AMD64PtraceRegs) *AMD64Registers {
	return &AMD64Registers{Regs: regs}
}

// AMD64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for AMD64 CPUs.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// PC returns the value of RIP register.
func (r *AMD64Registers) PC() uint64 {
	return r.Regs.Rip
}

// SP returns the value of RSP register.
func (r *AMD64Registers) SP() uint64 {
	return r.Regs.Rsp
}

func (r *AMD64Registers) reg64(name string) (*uint64, bool) {
	switch name {
	case "rax":
		return &r.Regs.Rax, true
	case "rbx":
		return &r.Regs.Rbx, true
	case "rcx":
		return &r.Regs.Rcx, true
	case "rdx":
		return &r.Regs.Rdx, true
	case "rsi":
		return &r.Regs.Rsi, true
	case "rdi":
		return &r.Regs.Rdi, true
	case "rbp":
		return &r.Regs.Rbp, true
	case "rsp":
		return &r.Regs.Rsp, true
	case "r8":
		return &r.Regs.R8, true
	case "r9":
		return &r.Regs.R9, true
	case "r10":
		return &r.Regs.R10, true
	case "r11":
		return &r.Regs.R11, true
	case "r12":
		return &r.Regs.R12, true
	case "r13":
		return &r.Regs.R13, true
	case "r14":
		return &r.Regs.R14, true
	case "r15":
		return &r.Regs.R15, true
	case "rip":
		return &r.Regs.Rip, true
	case "orig_rax":
		return &r.Regs.Orig_rax, true
	case "eflags":
		return &r.Regs.Eflags, true
	case "fs_base":
		return &r.Regs.Fs_base, true
	case "gs_base":
		return &r.Regs.Gs_base, true
	}
	return nil, false
}

// Get returns a register by name. The 32 bit names of the legacy
// registers (eax, esp, ...) return the low half of the 64 bit register.
func (r *AMD64Registers) Get(name string) (uint64, error) {
	if p, ok := r.reg64(name); ok {
		return *p, nil
	}
	if len(name) == 3 && name[0] == 'e' {
		if p, ok := r.reg64("r" + name[1:]); ok {
			return *p & 0xffffffff, nil
		}
	}
	return 0, fmt.Errorf("unknown register %q", name)
}

// Set changes the value of a 64 bit register.
func (r *AMD64Registers) Set(name string, v uint64) error {
	p, ok := r.reg64(name)
	if !ok {
		return fmt.Errorf("unknown register %q", name)
	}
	*p = v
	return nil
}

// Copy returns a copy of these registers that is guaranteed not to change.
func (r *AMD64Registers) Copy() *AMD64Registers {
	regs := *r.Regs
	return &AMD64Registers{Regs: &regs}
}
