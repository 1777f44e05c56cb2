package procview_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/kvmintrospect/internal/procview"
)

// TestMapsFindMapping mirrors spec scenario T1: take the current process's
// own maps, and confirm a local variable's address resolves to a
// read|write|private region.
func TestMapsFindMapping(t *testing.T) {
	v, err := procview.Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	regions, err := v.Maps()
	if err != nil {
		t.Fatalf("Maps: %v", err)
	}

	if len(regions) == 0 {
		t.Fatal("Maps returned no regions for self")
	}

	local := 42

	addr := uint64(uintptr(unsafe.Pointer(&local)))

	r := procview.FindMapping(regions, addr)
	if r == nil {
		t.Fatalf("FindMapping(%#x) = nil, want a region containing the stack", addr)
	}

	want := procview.FlagRead | procview.FlagWrite | procview.FlagPrivate
	if r.Flags&want != want {
		t.Errorf("FindMapping(%#x).Flags = %#x, want at least %#x (rw private)", addr, r.Flags, want)
	}
}

func TestFindMappingNoMatch(t *testing.T) {
	regions := []procview.Region{{Start: 0x1000, Stop: 0x2000}}

	if got := procview.FindMapping(regions, 0x5000); got != nil {
		t.Errorf("FindMapping(0x5000) = %+v, want nil", got)
	}
}

func TestFindMappingBoundaries(t *testing.T) {
	regions := []procview.Region{{Start: 0x1000, Stop: 0x2000}}

	if got := procview.FindMapping(regions, 0x1000); got == nil {
		t.Error("FindMapping(start) = nil, want match (inclusive start)")
	}

	if got := procview.FindMapping(regions, 0x2000); got != nil {
		t.Error("FindMapping(stop) != nil, want nil (exclusive stop)")
	}
}

func TestTasksIncludesSelf(t *testing.T) {
	v, err := procview.Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	tids, err := v.Tasks()
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}

	if len(tids) == 0 {
		t.Fatal("Tasks returned no threads for self")
	}
}

func TestFdsNonEmpty(t *testing.T) {
	v, err := procview.Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	fds, err := v.Fds()
	if err != nil {
		t.Fatalf("Fds: %v", err)
	}

	if len(fds) == 0 {
		t.Fatal("Fds returned no descriptors for self")
	}
}
