package injector

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

// DecodeFaultingInstruction disassembles the word at regs' instruction
// pointer, for use in diagnostic logging when ErrIPDrift or a
// SyscallError fires and a human needs to see what the target was
// actually executing. It is best-effort: a decode failure is reported
// as text rather than propagated, since callers use this for logging,
// not control flow.
func DecodeFaultingInstruction(pid int, regs *unix.PtraceRegs) string {
	var buf [16]byte

	n, err := unix.PtracePeekText(pid, uintptr(regs.Rip), buf[:])
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}

	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return fmt.Sprintf("<undecodable: %v>", err)
	}

	return x86asm.GNUSyntax(inst, regs.Rip, nil)
}
