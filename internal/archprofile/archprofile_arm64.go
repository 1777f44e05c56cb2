package archprofile

import "golang.org/x/sys/unix"

// arm64Regs wraps unix.PtraceRegs (AArch64's user_pt_regs: Regs[31], Sp, Pc, Pstate).
type arm64Regs struct {
	raw *unix.PtraceRegs
}

func (r *arm64Regs) IP() uint64        { return r.raw.Pc }
func (r *arm64Regs) SetIP(v uint64)    { r.raw.Pc = v }
func (r *arm64Regs) SP() uint64        { return r.raw.Sp }
func (r *arm64Regs) SyscallNR() uint64 { return r.raw.Regs[8] } // w8

func (r *arm64Regs) SetSyscallNR(v uint64) { r.raw.Regs[8] = v }

func (r *arm64Regs) SetSyscallArg(i int, v uint64) {
	if i < 0 || i > 5 {
		return
	}

	r.raw.Regs[i] = v // x0..x5
}

func (r *arm64Regs) SyscallReturn() int64  { return int64(r.raw.Regs[0]) } // x0
func (r *arm64Regs) Raw() *unix.PtraceRegs { return r.raw }

func newARM64RegisterFile(raw *unix.PtraceRegs) RegisterFile {
	return &arm64Regs{raw: raw}
}

// Current returns the arm64 architecture profile.
func Current() (*Profile, error) {
	return &Profile{
		Name:         "arm64",
		PointerWidth: 8,
		BigEndian:    false,
		ELFClass:     ELFClass64,
		ELFData:      ELFData2LSB,
		ELFMachine:   EMAArch64,
		SyscallText:  0xD4000001, // `svc #0`
		// The AArch64 `svc #0` encoding is actually 4 bytes, but the
		// post-syscall IP check historically assumes 2 here (carried
		// over from the x86-64 case); see injector's doc comment.
		SyscallInstrLen:    2,
		SyscallOpcodeBytes: 4,
		NewRegisterFile:    newARM64RegisterFile,
	}, nil
}
