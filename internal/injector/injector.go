// Package injector raises a syscall inside another, non-cooperating
// process by ptrace-attaching to it, overwriting the instruction at its
// saved instruction pointer with the host's single "raise a syscall"
// opcode, loading the requested syscall number and arguments into its
// register file, and resuming it with PTRACE_SYSCALL through the
// syscall-entry and syscall-exit stops before restoring everything it
// touched.
package injector

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/bobuhiro11/kvmintrospect/internal/archprofile"
	"github.com/bobuhiro11/kvmintrospect/internal/procview"
	"github.com/bobuhiro11/kvmintrospect/internal/ptracewrap"
	"golang.org/x/sys/unix"
)

// SyscallError reports that the traced process could not be made to
// return from the injected syscall cleanly.
type SyscallError struct {
	Pid int
	Msg string
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("injector: pid %d: %s", e.Pid, e.Msg)
}

// ExitError reports that the traced process exited or was killed by a
// signal while a syscall was in flight.
type ExitError struct {
	Pid      int
	Code     int
	Signaled bool
}

func (e *ExitError) Error() string {
	if e.Signaled {
		return fmt.Sprintf("injector: pid %d killed by signal %d while injecting syscall", e.Pid, e.Code)
	}

	return fmt.Sprintf("injector: pid %d exited with %d while injecting syscall", e.Pid, e.Code)
}

// ErrIPDrift is returned when the traced process's instruction pointer,
// after a syscall round trip, does not land where the injector expects.
// This would indicate the target ran more than the single injected
// instruction, or a concurrent signal landed during the window.
var ErrIPDrift = errors.New("injector: instruction pointer drifted across syscall injection")

// Session holds one process under active syscall-injection control.
// Callers must call Detach when finished; failing to do so leaves the
// target permanently stopped and traced.
type Session struct {
	pid       int
	tids      []int
	profile   *archprofile.Profile
	savedRegs *unix.PtraceRegs
	savedText uint64
}

// Attach ptrace-attaches to every thread of pid, then overwrites the
// main thread's saved instruction with profile's syscall opcode. The
// returned Session is ready for Syscall/Ioctl calls.
func Attach(pid int, profile *archprofile.Profile) (*Session, error) {
	v, err := procview.Open(pid)
	if err != nil {
		return nil, fmt.Errorf("injector: %w", err)
	}
	defer v.Close()

	tids, err := v.Tasks()
	if err != nil {
		return nil, fmt.Errorf("injector: listing tasks of pid %d: %w", pid, err)
	}

	attached := make([]int, 0, len(tids))

	cleanupAttached := func() {
		for _, tid := range attached {
			_ = ptracewrap.Detach(tid)
		}
	}

	for _, tid := range tids {
		if err := ptracewrap.Attach(tid); err != nil {
			cleanupAttached()

			return nil, fmt.Errorf("injector: attach tid %d: %w", tid, err)
		}

		var status unix.WaitStatus
		if _, err := unix.Wait4(tid, &status, 0, nil); err != nil {
			cleanupAttached()

			return nil, fmt.Errorf("injector: wait for attach stop on tid %d: %w", tid, err)
		}

		if !status.Stopped() {
			cleanupAttached()

			return nil, &SyscallError{Pid: tid, Msg: "did not stop after PTRACE_ATTACH"}
		}

		attached = append(attached, tid)
	}

	regs, err := ptracewrap.GetRegs(pid)
	if err != nil {
		cleanupAttached()

		return nil, fmt.Errorf("injector: %w", err)
	}

	rf := profile.NewRegisterFile(regs)
	if rf.IP() == 0 {
		cleanupAttached()

		return nil, &SyscallError{Pid: pid, Msg: "saved instruction pointer is zero"}
	}

	savedRegsCopy := *regs

	text, err := ptracewrap.PeekWord(pid, uintptr(rf.IP()))
	if err != nil {
		cleanupAttached()

		return nil, fmt.Errorf("injector: %w", err)
	}

	if err := pokeSyscallText(pid, rf.IP(), text, profile.SyscallText, profile.SyscallOpcodeBytes); err != nil {
		cleanupAttached()

		return nil, err
	}

	return &Session{
		pid:       pid,
		tids:      attached,
		profile:   profile,
		savedRegs: &savedRegsCopy,
		savedText: text,
	}, nil
}

// pokeSyscallText replaces the low opcodeBytes bytes of the word at ip
// with syscallText, preserving whatever followed it in the same word.
// opcodeBytes is the real width of the opcode encoding (2 on x86-64's
// `syscall`, 4 on AArch64's `svc #0`) and must not be confused with
// Profile.SyscallInstrLen, which is deliberately wrong on AArch64 for
// the unrelated post-syscall IP-drift assertion.
func pokeSyscallText(pid int, ip uint64, origWord uint64, syscallText uint64, opcodeBytes uint) error {
	mask := uint64(1)<<(8*opcodeBytes) - 1

	newWord := (origWord &^ mask) | (syscallText & mask)

	if err := ptracewrap.PokeWord(pid, uintptr(ip), newWord); err != nil {
		return fmt.Errorf("injector: %w", err)
	}

	return nil
}

// Detach restores the original instruction and registers, then detaches
// from every thread attached by Attach.
func (s *Session) Detach() error {
	ip := s.profile.NewRegisterFile(s.savedRegs).IP()

	if err := ptracewrap.PokeWord(s.pid, uintptr(ip), s.savedText); err != nil {
		return fmt.Errorf("injector: restoring text: %w", err)
	}

	if err := ptracewrap.SetRegs(s.pid, s.savedRegs); err != nil {
		return fmt.Errorf("injector: restoring registers: %w", err)
	}

	var firstErr error

	for _, tid := range s.tids {
		if err := ptracewrap.Detach(tid); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Syscall raises syscall nr inside the traced process with the given
// arguments (at most 6), and returns the raw (possibly negative-as-errno)
// return value register, interpreted as signed.
func (s *Session) Syscall(nr uint64, args ...uint64) (int64, error) {
	if len(args) > 6 {
		return 0, &SyscallError{Pid: s.pid, Msg: "too many syscall arguments"}
	}

	rf := s.profile.NewRegisterFile(s.savedRegs)

	callRegs := *s.savedRegs
	callRf := s.profile.NewRegisterFile(&callRegs)
	callRf.SetSyscallNR(nr)

	for i, v := range args {
		callRf.SetSyscallArg(i, v)
	}

	if err := ptracewrap.SetRegs(s.pid, &callRegs); err != nil {
		return 0, fmt.Errorf("injector: %w", err)
	}

	if err := ptracewrap.SyscallStop(s.pid, 0); err != nil {
		return 0, fmt.Errorf("injector: %w", err)
	}

	status, err := s.wait()
	if err != nil {
		return 0, err
	}

	if status.Stopped() && status.StopSignal()&^0x80 == syscall.SIGTRAP {
		if err := ptracewrap.SyscallStop(s.pid, 0); err != nil {
			return 0, fmt.Errorf("injector: %w", err)
		}

		status, err = s.wait()
		if err != nil {
			return 0, err
		}
	}

	if status.Stopped() {
		result, err := ptracewrap.GetRegs(s.pid)
		if err != nil {
			return 0, fmt.Errorf("injector: %w", err)
		}

		resultRf := s.profile.NewRegisterFile(result)

		if rf.IP() != resultRf.IP()-s.profile.SyscallInstrLen {
			return 0, fmt.Errorf("%w: saved ip %#x, result ip %#x, instr len %d",
				ErrIPDrift, rf.IP(), resultRf.IP(), s.profile.SyscallInstrLen)
		}

		ret := resultRf.SyscallReturn()

		if err := ptracewrap.SetRegs(s.pid, s.savedRegs); err != nil {
			return 0, fmt.Errorf("injector: %w", err)
		}

		return ret, nil
	}

	if status.Exited() {
		return 0, &ExitError{Pid: s.pid, Code: status.ExitStatus()}
	}

	if status.Signaled() {
		return 0, &ExitError{Pid: s.pid, Code: int(status.Signal()), Signaled: true}
	}

	return 0, &SyscallError{Pid: s.pid, Msg: "failed to invoke syscall"}
}

func (s *Session) wait() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	if _, err := unix.Wait4(s.pid, &status, 0, nil); err != nil {
		return 0, fmt.Errorf("injector: waitpid pid %d: %w", s.pid, err)
	}

	return status, nil
}

// Ioctl raises an ioctl(fd, request, arg) syscall inside the traced
// process and returns the 32-bit result, matching the kernel's ioctl
// return convention.
func (s *Session) Ioctl(fd int, request uint64, arg uint64) (int32, error) {
	ret, err := s.Syscall(uint64(ioctlSyscallNR), uint64(fd), request, arg)
	if err != nil {
		return 0, err
	}

	return int32(ret), nil
}

// Pid reports the pid this session is attached to.
func (s *Session) Pid() int { return s.pid }

// Regs reads the traced process's current register file. Callers use
// this for diagnostics (see DecodeFaultingInstruction); it is not part
// of the syscall-injection protocol itself.
func (s *Session) Regs() (*unix.PtraceRegs, error) {
	return ptracewrap.GetRegs(s.pid)
}
