// Package ptracewrap is a thin, checked interface over the kernel's
// tracing primitive: attach, detach, continue, single-step, syscall-stop,
// get/set registers, peek/poke a machine word, and set-options. Every
// call surfaces the underlying errno as an *Errno.
package ptracewrap

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno wraps a ptrace-family syscall failure with the call that caused it.
type Errno struct {
	Op  string
	Tid int
	Err error
}

func (e *Errno) Error() string {
	return fmt.Sprintf("ptracewrap: %s(tid=%d): %v", e.Op, e.Tid, e.Err)
}

func (e *Errno) Unwrap() error { return e.Err }

func wrap(op string, tid int, err error) error {
	if err == nil {
		return nil
	}

	return &Errno{Op: op, Tid: tid, Err: err}
}

// Attach attaches to tid (PTRACE_ATTACH). The caller must then Wait for
// the resulting stop before doing anything else with tid.
func Attach(tid int) error {
	return wrap("attach", tid, unix.PtraceAttach(tid))
}

// Detach detaches from tid, resuming it (PTRACE_DETACH).
func Detach(tid int) error {
	return wrap("detach", tid, unix.PtraceDetach(tid))
}

// Cont resumes tid until the next signal-delivery-stop (PTRACE_CONT).
func Cont(tid int, sig int) error {
	return wrap("cont", tid, unix.PtraceCont(tid, sig))
}

// SyscallStop resumes tid, stopping again at the next syscall-entry or
// syscall-exit boundary (PTRACE_SYSCALL).
func SyscallStop(tid int, sig int) error {
	return wrap("syscall-stop", tid, unix.PtraceSyscall(tid, sig))
}

// SingleStep resumes tid for exactly one instruction (PTRACE_SINGLESTEP).
func SingleStep(tid int, sig int) error {
	return wrap("singlestep", tid, unix.PtraceSingleStep(tid))
}

// SetOptions configures ptrace options for tid (PTRACE_SETOPTIONS).
func SetOptions(tid int, options int) error {
	return wrap("setoptions", tid, unix.PtraceSetOptions(tid, options))
}

// PeekWord reads one machine word from the target's address space at
// addr. Callers must preserve word alignment themselves; ptrace does not
// enforce it but unaligned peeks straddle two words inconsistently
// across architectures.
func PeekWord(tid int, addr uintptr) (uint64, error) {
	var buf [8]byte

	n, err := unix.PtracePeekText(tid, addr, buf[:])
	if err != nil {
		return 0, wrap("peektext", tid, err)
	}

	if n != len(buf) {
		return 0, wrap("peektext", tid, fmt.Errorf("short read: got %d bytes, want %d", n, len(buf)))
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// PokeWord writes one machine word into the target's address space at addr.
func PokeWord(tid int, addr uintptr, word uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], word)

	n, err := unix.PtracePokeText(tid, addr, buf[:])
	if err != nil {
		return wrap("poketext", tid, err)
	}

	if n != len(buf) {
		return wrap("poketext", tid, fmt.Errorf("short write: wrote %d bytes, want %d", n, len(buf)))
	}

	return nil
}

// GetRegs reads tid's general-purpose register file.
func GetRegs(tid int) (*unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, wrap("getregs", tid, err)
	}

	return &regs, nil
}

// SetRegs writes a register file (as produced by GetRegs, possibly
// mutated) back into tid.
func SetRegs(tid int, regs *unix.PtraceRegs) error {
	return wrap("setregs", tid, unix.PtraceSetRegs(tid, regs))
}
