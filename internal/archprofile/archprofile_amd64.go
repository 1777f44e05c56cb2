package archprofile

import "golang.org/x/sys/unix"

// amd64Regs wraps unix.PtraceRegs (the x86-64 user_regs_struct).
type amd64Regs struct {
	raw *unix.PtraceRegs
}

func (r *amd64Regs) IP() uint64        { return r.raw.Rip }
func (r *amd64Regs) SetIP(v uint64)    { r.raw.Rip = v }
func (r *amd64Regs) SP() uint64        { return r.raw.Rsp }
func (r *amd64Regs) SyscallNR() uint64 { return r.raw.Orig_rax }

func (r *amd64Regs) SetSyscallNR(v uint64) {
	r.raw.Orig_rax = v
	r.raw.Rax = v
}

// SetSyscallArg sets the i-th argument per the x86-64 syscall ABI
// (rdi, rsi, rdx, r10, r8, r9 — note r10 takes rcx's userspace-ABI slot,
// since the `syscall` instruction itself clobbers rcx).
func (r *amd64Regs) SetSyscallArg(i int, v uint64) {
	switch i {
	case 0:
		r.raw.Rdi = v
	case 1:
		r.raw.Rsi = v
	case 2:
		r.raw.Rdx = v
	case 3:
		r.raw.R10 = v
	case 4:
		r.raw.R8 = v
	case 5:
		r.raw.R9 = v
	}
}

func (r *amd64Regs) SyscallReturn() int64  { return int64(r.raw.Rax) }
func (r *amd64Regs) Raw() *unix.PtraceRegs { return r.raw }

func newAMD64RegisterFile(raw *unix.PtraceRegs) RegisterFile {
	return &amd64Regs{raw: raw}
}

// Current returns the amd64 architecture profile.
func Current() (*Profile, error) {
	return &Profile{
		Name:               "amd64",
		PointerWidth:       8,
		BigEndian:          false,
		ELFClass:           ELFClass64,
		ELFData:            ELFData2LSB,
		ELFMachine:         EMX8664,
		SyscallText:        0x050F, // `syscall`
		SyscallInstrLen:    2,
		SyscallOpcodeBytes: 2,
		NewRegisterFile:    newAMD64RegisterFile,
	}, nil
}
