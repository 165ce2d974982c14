package native

import (
	sys "golang.org/x/sys/unix"
)

var (
	syscallInsn = []byte{0x0f, 0x05}

	// syscall              ; clone
	// test rax, rax
	// jnz parent
	// mov rdi, r12
	// call r13
	// mov rdi, rax
	// mov eax, 60          ; exit
	// syscall
	// parent: int3
	threadStub = []byte{
		0x0f, 0x05,
		0x48, 0x85, 0xc0,
		0x75, 0x10,
		0x4c, 0x89, 0xe7,
		0x41, 0xff, 0xd5,
		0x48, 0x89, 0xc7,
		0xb8, 0x3c, 0x00, 0x00, 0x00,
		0x0f, 0x05,
		0xcc,
	}
)

// CreateThread makes tid map a page for a stub and a stack, then runs the
// stub, which clones a thread calling entry(arg). The registers and code
// of tid are restored afterwards. The mapped page is not released, the
// new thread may still be using its stack.
func (s *session) CreateThread(tid int, entry, arg uint64) (int, error) {
	if _, err := s.thread(tid); err != nil {
		return 0, s.injectionError(err)
	}
	saved, err := s.getRegs(tid)
	if err != nil {
		return 0, s.injectionError(err)
	}
	pc := saved.PC()
	orig := make([]byte, len(syscallInsn))
	if _, err := s.ReadMemory(orig, pc); err != nil {
		return 0, s.injectionError(err)
	}
	restore := func() {
		if _, ok := s.threads[tid]; !ok {
			return
		}
		s.WriteMemory(pc, orig)
		if err := s.setRegs(tid, saved); err != nil {
			s.log.Errorf("could not restore registers of thread %d: %v", tid, err)
		}
	}
	if _, err := s.WriteMemory(pc, syscallInsn); err != nil {
		return 0, s.injectionError(err)
	}

	r := saved.Copy()
	r.Regs.Rax = sys.SYS_MMAP
	r.Regs.Rdi = 0
	r.Regs.Rsi = injectPageSize + injectStackSize
	r.Regs.Rdx = sys.PROT_READ | sys.PROT_WRITE | sys.PROT_EXEC
	r.Regs.R10 = sys.MAP_PRIVATE | sys.MAP_ANONYMOUS
	r.Regs.R8 = ^uint64(0)
	r.Regs.R9 = 0
	r.Regs.Orig_rax = ^uint64(0)
	r.Regs.Rip = pc
	if err := s.setRegs(tid, r); err != nil {
		restore()
		return 0, s.injectionError(err)
	}
	if _, err := s.waitInjected(tid, true, sys.SIGTRAP); err != nil {
		restore()
		return 0, s.injectionError(err)
	}
	r, err = s.getRegs(tid)
	if err != nil {
		restore()
		return 0, s.injectionError(err)
	}
	page := r.Regs.Rax
	if err := checkSyscall("mmap", int64(page)); err != nil {
		restore()
		return 0, s.injectionError(err)
	}
	s.log.Debugf("injection page for thread %d at %#x", tid, page)

	if _, err := s.WriteMemory(page, threadStub); err != nil {
		restore()
		return 0, s.injectionError(err)
	}
	r = saved.Copy()
	r.Regs.Rax = sys.SYS_CLONE
	r.Regs.Rdi = injectCloneFlags
	r.Regs.Rsi = (page + injectPageSize + injectStackSize) &^ 0xf
	r.Regs.Rdx = 0
	r.Regs.R10 = 0
	r.Regs.R8 = 0
	r.Regs.R12 = arg
	r.Regs.R13 = entry
	r.Regs.Rip = page
	r.Regs.Orig_rax = ^uint64(0)
	if err := s.setRegs(tid, r); err != nil {
		restore()
		return 0, s.injectionError(err)
	}
	ntid, err := s.cloneInjected(tid)
	restore()
	if err != nil {
		return 0, s.injectionError(err)
	}
	return ntid, nil
}
