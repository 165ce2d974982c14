package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/immunityinc/libptrace/pkg/proc"
	"github.com/immunityinc/libptrace/pkg/proc/linutil"
)

// Registers returns the general purpose registers of tid.
func (s *session) Registers(tid int) (proc.Registers, error) {
	return s.getRegs(tid)
}

func (s *session) getRegs(tid int) (*linutil.I386Registers, error) {
	if _, err := s.thread(tid); err != nil {
		return nil, err
	}
	var (
		regs linutil.I386PtraceRegs
		err  error
	)
	s.b.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, (*sys.PtraceRegs)(&regs)) })
	if err != nil {
		return nil, err
	}
	return linutil.NewI386Registers(&regs), nil
}

func (s *session) setRegs(tid int, r *linutil.I386Registers) error {
	var err error
	s.b.execPtraceFunc(func() { err = sys.PtraceSetRegs(tid, (*sys.PtraceRegs)(r.Regs)) })
	return err
}

// SetPC sets EIP to the value specified by 'pc'.
func (s *session) SetPC(tid int, pc uint64) error {
	r, err := s.getRegs(tid)
	if err != nil {
		return err
	}
	r.Regs.Eip = int32(pc)
	return s.setRegs(tid, r)
}
