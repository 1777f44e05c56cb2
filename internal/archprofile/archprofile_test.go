package archprofile_test

import (
	"testing"

	"github.com/bobuhiro11/kvmintrospect/internal/archprofile"
	"golang.org/x/sys/unix"
)

func TestCurrentProfile(t *testing.T) {
	p, err := archprofile.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	if p.PointerWidth != 8 {
		t.Errorf("PointerWidth = %d, want 8", p.PointerWidth)
	}

	if p.SyscallInstrLen != 2 {
		t.Errorf("SyscallInstrLen = %d, want 2", p.SyscallInstrLen)
	}

	if p.SyscallOpcodeBytes == 0 {
		t.Error("SyscallOpcodeBytes = 0, want the real opcode width")
	}

	if p.NewRegisterFile == nil {
		t.Fatal("NewRegisterFile is nil")
	}
}

func TestRegisterFileRoundTrip(t *testing.T) {
	p, err := archprofile.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	var raw unix.PtraceRegs
	rf := p.NewRegisterFile(&raw)

	rf.SetIP(0x4000)
	if rf.IP() != 0x4000 {
		t.Errorf("IP() = %#x, want 0x4000", rf.IP())
	}

	rf.SetSyscallNR(39) // getpid on amd64; value is arbitrary here
	if rf.SyscallNR() != 39 {
		t.Errorf("SyscallNR() = %d, want 39", rf.SyscallNR())
	}

	for i := 0; i < 6; i++ {
		rf.SetSyscallArg(i, uint64(i+1))
	}

	if rf.Raw() != &raw {
		t.Error("Raw() does not alias the backing PtraceRegs")
	}
}
