package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// privilegedOps are the instructions that raise a general protection
// fault when executed at CPL 3.
var privilegedOps = map[x86asm.Op]bool{
	x86asm.HLT:     true,
	x86asm.CLI:     true,
	x86asm.STI:     true,
	x86asm.IN:      true,
	x86asm.OUT:     true,
	x86asm.INSB:    true,
	x86asm.INSW:    true,
	x86asm.INSD:    true,
	x86asm.OUTSB:   true,
	x86asm.OUTSW:   true,
	x86asm.OUTSD:   true,
	x86asm.LGDT:    true,
	x86asm.LIDT:    true,
	x86asm.LLDT:    true,
	x86asm.LTR:     true,
	x86asm.LMSW:    true,
	x86asm.CLTS:    true,
	x86asm.INVD:    true,
	x86asm.WBINVD:  true,
	x86asm.INVLPG:  true,
	x86asm.RDMSR:   true,
	x86asm.WRMSR:   true,
	x86asm.RDPMC:   true,
	x86asm.SWAPGS:  true,
	x86asm.SYSRET:  true,
	x86asm.SYSEXIT: true,
}

// isPrivilegedInstruction decodes the instruction in mem and reports
// whether it can only be executed in kernel mode.
func isPrivilegedInstruction(mem []byte, mode int) bool {
	inst, err := x86asm.Decode(mem, mode)
	if err != nil {
		return false
	}
	if privilegedOps[inst.Op] {
		return true
	}
	if inst.Op == x86asm.MOV {
		// moves to and from control and debug registers
		for _, arg := range inst.Args {
			if reg, ok := arg.(x86asm.Reg); ok && reg >= x86asm.CR0 && reg <= x86asm.DR15 {
				return true
			}
		}
	}
	return false
}
