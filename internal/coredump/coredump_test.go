package coredump_test

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/kvmintrospect/internal/archprofile"
	"github.com/bobuhiro11/kvmintrospect/internal/coredump"
	"github.com/bobuhiro11/kvmintrospect/internal/memslot"
	"github.com/bobuhiro11/kvmintrospect/internal/procview"
)

// TestWriteSelfMemory dumps a small slice of the test binary's own
// address space, which process_vm_readv is allowed to read from itself,
// and then re-parses the result with debug/elf to check the header and
// program headers it wrote are well-formed.
func TestWriteSelfMemory(t *testing.T) {
	profile, err := archprofile.Current()
	if err != nil {
		t.Fatalf("archprofile.Current: %v", err)
	}

	view, err := procview.Open(os.Getpid())
	if err != nil {
		t.Fatalf("procview.Open: %v", err)
	}
	defer view.Close()

	regions, err := view.Maps()
	if err != nil {
		t.Fatalf("Maps: %v", err)
	}

	var target *procview.Region

	for i := range regions {
		r := &regions[i]
		if r.Flags&procview.FlagRead != 0 && r.Size() >= archprofile.PageSize {
			target = r

			break
		}
	}

	if target == nil {
		t.Skip("no readable region of at least one page found in self")
	}

	slots := []memslot.Slot{
		{
			BaseGFN:       0,
			NPages:        1,
			UserspaceAddr: target.Start,
			Mapping:       *target,
		},
	}

	path := filepath.Join(t.TempDir(), "core.test")

	if err := coredump.Write(path, os.Getpid(), profile, slots); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := elf.Open(path)
	if err != nil {
		t.Fatalf("re-parsing produced core file: %v", err)
	}
	defer f.Close()

	if f.Type != elf.ET_CORE {
		t.Errorf("Type = %v, want ET_CORE", f.Type)
	}

	if len(f.Progs) != 1 {
		t.Fatalf("len(Progs) = %d, want 1", len(f.Progs))
	}

	prog := f.Progs[0]
	if prog.Type != elf.PT_LOAD {
		t.Errorf("Progs[0].Type = %v, want PT_LOAD", prog.Type)
	}

	if prog.Vaddr != target.Start {
		t.Errorf("Progs[0].Vaddr = %#x, want %#x", prog.Vaddr, target.Start)
	}

	if prog.Filesz != archprofile.PageSize {
		t.Errorf("Progs[0].Filesz = %d, want %d", prog.Filesz, archprofile.PageSize)
	}
}

func TestWriteNoSlots(t *testing.T) {
	profile, err := archprofile.Current()
	if err != nil {
		t.Fatalf("archprofile.Current: %v", err)
	}

	path := filepath.Join(t.TempDir(), "core.empty")

	if err := coredump.Write(path, os.Getpid(), profile, nil); err == nil {
		t.Fatal("Write with no slots = nil error, want failure")
	}
}
