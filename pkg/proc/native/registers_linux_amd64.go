package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/immunityinc/libptrace/pkg/proc"
	"github.com/immunityinc/libptrace/pkg/proc/linutil"
)

// Registers returns the general purpose registers of tid. 32 bit targets
// are reported with the 64 bit register file, their registers are
// available under the 32 bit names.
func (s *session) Registers(tid int) (proc.Registers, error) {
	return s.getRegs(tid)
}

func (s *session) getRegs(tid int) (*linutil.AMD64Registers, error) {
	if _, err := s.thread(tid); err != nil {
		return nil, err
	}
	var (
		regs linutil.AMD64PtraceRegs
		err  error
	)
	s.b.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, (*sys.PtraceRegs)(&regs)) })
	if err != nil {
		return nil, err
	}
	return linutil.NewAMD64Registers(&regs), nil
}

func (s *session) setRegs(tid int, r *linutil.AMD64Registers) error {
	var err error
	s.b.execPtraceFunc(func() { err = sys.PtraceSetRegs(tid, (*sys.PtraceRegs)(r.Regs)) })
	return err
}

// SetPC sets RIP to the value specified by 'pc'.
func (s *session) SetPC(tid int, pc uint64) error {
	r, err := s.getRegs(tid)
	if err != nil {
		return err
	}
	r.Regs.Rip = pc
	return s.setRegs(tid, r)
}
