package proc

// Linux signal numbers and siginfo codes, as reported in Stop by the
// native backend.
const (
	sigILL  = 4
	sigTRAP = 5
	sigBUS  = 7
	sigFPE  = 8
	sigSEGV = 11

	// si_code values. Codes <= 0 are sent from user space by kill(2),
	// tgkill(2) or sigqueue(3).
	siKERNEL = 0x80

	illPRVOPC = 5
	illPRVREG = 6

	fpeINTDIV = 1
	fpeFLTDIV = 3
)

// classify maps a signal stop to the exception event it represents.
// Signals that are not synchronous CPU exceptions return false and are
// passed to the target untouched.
func (p *Process) classify(thread *Thread, stop *Stop) (EventKind, bool) {
	if stop.Code <= 0 {
		return 0, false
	}
	switch stop.Signal {
	case sigSEGV:
		// privileged instructions raise #GP, which the kernel reports as
		// SIGSEGV with si_code SI_KERNEL and no fault address
		if stop.Code == siKERNEL && stop.FaultAddr == 0 && p.faultsOnPrivileged(thread) {
			return EventPrivilegedInstruction, true
		}
		return EventSegfault, true
	case sigBUS:
		return EventSegfault, true
	case sigILL:
		if stop.Code == illPRVOPC || stop.Code == illPRVREG {
			return EventPrivilegedInstruction, true
		}
		return EventIllegalInstruction, true
	case sigFPE:
		if stop.Code == fpeINTDIV || stop.Code == fpeFLTDIV {
			return EventDivideByZero, true
		}
		return EventUnknownException, true
	case sigTRAP:
		return EventUnknownException, true
	}
	return 0, false
}

func (p *Process) faultsOnPrivileged(thread *Thread) bool {
	pc, err := thread.PC()
	if err != nil {
		return false
	}
	n := p.arch.MaxInstructionLength()
	if left := int(pageSize - pc%pageSize); left < n {
		n = left
	}
	mem, err := p.ReadMemory(pc, n)
	if err != nil {
		return false
	}
	return isPrivilegedInstruction(mem, p.arch.disasmMode)
}
