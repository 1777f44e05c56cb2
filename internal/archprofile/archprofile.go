// Package archprofile selects, at compile time, the host-ISA details the
// rest of the introspection pipeline needs: pointer width, byte order,
// ELF class/machine, the register-file layout, and the single-instruction
// "raise a syscall" opcode (SYSCALL_TEXT). Each supported GOARCH gets its
// own file; callers never branch on GOARCH themselves.
package archprofile

import "golang.org/x/sys/unix"

// PageSize is the host page size assumed throughout the pipeline.
// The original tool reads this from resource.getpagesize(); Linux's
// is fixed at 4KiB on every architecture this tool supports.
const PageSize = 4096

// RegisterFile is the architecture-specific saved register set. It exposes
// generic accessors so the syscall injector never has to know field names.
type RegisterFile interface {
	// IP returns the instruction pointer.
	IP() uint64
	// SetIP sets the instruction pointer.
	SetIP(uint64)
	// SP returns the stack pointer.
	SP() uint64
	// SyscallNR returns the syscall-number register's value.
	SyscallNR() uint64
	// SetSyscallNR sets the syscall-number register.
	SetSyscallNR(uint64)
	// SetSyscallArg sets the i-th syscall argument register (0-indexed, i < 6).
	SetSyscallArg(i int, v uint64)
	// SyscallReturn returns the syscall return-value register's value,
	// interpreted as signed.
	SyscallReturn() int64
	// Raw returns the underlying platform register struct, for use with
	// the ptrace wrapper's Get/SetRegs.
	Raw() *unix.PtraceRegs
}

// Profile bundles everything that varies by host ISA.
type Profile struct {
	// Name is the GOARCH this profile was built for.
	Name string

	// PointerWidth is 4 or 8.
	PointerWidth int

	// BigEndian reports the host byte order.
	BigEndian bool

	// ELFClass is ELFCLASS32 or ELFCLASS64 (see internal/coredump).
	ELFClass uint8

	// ELFData is ELFDATA2LSB or ELFDATA2MSB.
	ELFData uint8

	// ELFMachine is the e_machine value for the host ISA.
	ELFMachine uint16

	// SyscallText is the machine code of the single "raise syscall"
	// instruction, stored as a full machine word in host byte order
	// (e.g. 0x050F for x86-64's two-byte `syscall`, 0xD4000001 for
	// AArch64's four-byte `svc #0`).
	SyscallText uint64

	// SyscallInstrLen is the length in bytes of SyscallText's instruction
	// (2 on x86-64 and AArch64). The injector asserts
	// saved_regs.ip == result.ip - SyscallInstrLen after each invocation.
	// This is deliberately wrong on AArch64 (svc #0 is actually 4 bytes)
	// to match the tool this was ported from; it is used only for that
	// IP-drift assertion, never for sizing the text patch itself.
	SyscallInstrLen uint64

	// SyscallOpcodeBytes is the real width, in bytes, of SyscallText's
	// opcode encoding (2 on x86-64's `syscall`, 4 on AArch64's `svc #0`).
	// pokeSyscallText uses this to size the mask it ORs SyscallText into,
	// so the whole opcode is replaced and only the bytes after it keep
	// their original values.
	SyscallOpcodeBytes uint

	// NewRegisterFile wraps a ptrace GETREGS result as a RegisterFile.
	// The returned RegisterFile aliases raw: mutating it through the
	// RegisterFile accessors mutates raw in place.
	NewRegisterFile func(raw *unix.PtraceRegs) RegisterFile
}
