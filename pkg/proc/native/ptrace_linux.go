//go:build linux && (amd64 || 386)

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(tid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

const _PTRACE_GETSIGINFO = 0x4202

// siginfo is the architecture independent head of the kernel's siginfo_t.
type siginfo struct {
	Signo int
	Errno int
	Code  int
	Addr  uint64
}

// ptraceGetSiginfo returns the siginfo of the signal that caused the
// current stop of tid. It fails with EINVAL for group-stops.
func ptraceGetSiginfo(tid int) (siginfo, error) {
	var buf [128]byte
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, _PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&buf[0])), 0, 0)
	if e1 != 0 {
		return siginfo{}, e1
	}
	si := siginfo{
		Signo: int(*(*int32)(unsafe.Pointer(&buf[0]))),
		Errno: int(*(*int32)(unsafe.Pointer(&buf[4]))),
		Code:  int(*(*int32)(unsafe.Pointer(&buf[8]))),
	}
	// si_addr follows the three ints, padded to pointer alignment
	if unsafe.Sizeof(uintptr(0)) == 8 {
		si.Addr = *(*uint64)(unsafe.Pointer(&buf[16]))
	} else {
		si.Addr = uint64(*(*uint32)(unsafe.Pointer(&buf[12])))
	}
	return si, nil
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	local := sys.Iovec{Base: &data[0]}
	local.SetLen(len(data))
	remote := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(pid), uintptr(unsafe.Pointer(&local)), 1, uintptr(unsafe.Pointer(&remote)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}
