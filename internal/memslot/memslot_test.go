package memslot_test

import (
	"testing"

	"github.com/bobuhiro11/kvmintrospect/internal/memslot"
)

func TestSlotGeometry(t *testing.T) {
	s := memslot.Slot{
		BaseGFN:       0x10,
		NPages:        4,
		UserspaceAddr: 0x7f0000000000,
	}

	if got, want := s.Start(), uint64(0x7f0000000000); got != want {
		t.Errorf("Start() = %#x, want %#x", got, want)
	}

	if got, want := s.Size(), uint64(4*4096); got != want {
		t.Errorf("Size() = %#x, want %#x", got, want)
	}

	if got, want := s.Stop(), s.Start()+s.Size(); got != want {
		t.Errorf("Stop() = %#x, want %#x", got, want)
	}

	if got, want := s.PhysicalStart(), uint64(0x10*4096); got != want {
		t.Errorf("PhysicalStart() = %#x, want %#x", got, want)
	}
}
