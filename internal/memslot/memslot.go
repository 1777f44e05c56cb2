// Package memslot recovers the live kvm_memslots table from a running
// KVM instance without its cooperation. It attaches a kprobe on the
// kernel's kvm_vm_ioctl() entry point, then forces the target to take
// that entry point by injecting a harmless KVM_CHECK_EXTENSION ioctl
// through internal/injector, and reads the resulting event off a perf
// ring buffer.
package memslot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"

	"github.com/bobuhiro11/kvmintrospect/internal/archprofile"
	"github.com/bobuhiro11/kvmintrospect/internal/injector"
	"github.com/bobuhiro11/kvmintrospect/internal/kvmdiscover"
	"github.com/bobuhiro11/kvmintrospect/internal/kvmfd"
	"github.com/bobuhiro11/kvmintrospect/internal/procview"
)

// MaxSlots mirrors the kernel's KVM_MEM_SLOTS_NUM for address space 0.
// The kprobe program clamps used_slots to this bound before emitting it.
const MaxSlots = 512

// ErrNoMemslots is returned when the probe observed a kvm_vm_ioctl call
// but the live table reported zero used slots.
var ErrNoMemslots = errors.New("memslot: no memslots observed in target")

// ErrSlotNotBacked is returned when a memslot's userspace_addr does not
// fall inside any region the target process has mapped, which would
// mean the slot was torn down between the probe firing and /proc/<pid>/maps
// being read.
var ErrSlotNotBacked = errors.New("memslot: slot userspace address is not backed by any mapping")

// ErrTimeout is returned when the kprobe never fired within the probe's
// deadline, which usually means the injected ioctl did not reach
// kvm_vm_ioctl (wrong fd, or a kernel without that symbol).
var ErrTimeout = errors.New("memslot: timed out waiting for kvm_vm_ioctl to fire")

// rawEvent mirrors bpf/kvm_memslots.bpf.c's struct memslots_event.
type rawEvent struct {
	UsedSlots uint64
	Slots     [MaxSlots]rawSlot
}

type rawSlot struct {
	BaseGFN       uint64
	NPages        uint64
	UserspaceAddr uint64
}

// Slot is one guest-physical-to-host-virtual mapping recovered from the
// target's memslots table, correlated against its own /proc/<pid>/maps.
type Slot struct {
	BaseGFN       uint64
	NPages        uint64
	UserspaceAddr uint64

	// Mapping is the procview.Region that backs UserspaceAddr.
	Mapping procview.Region
}

// Start is the host-virtual-address start of this slot.
func (s Slot) Start() uint64 { return s.UserspaceAddr }

// Size is the slot's length in bytes, computed from its page count.
func (s Slot) Size() uint64 { return s.NPages * archprofile.PageSize }

// Stop is the host-virtual-address end of this slot (exclusive).
func (s Slot) Stop() uint64 { return s.Start() + s.Size() }

// PhysicalStart is the slot's guest-physical base address.
func (s Slot) PhysicalStart() uint64 { return s.BaseGFN * archprofile.PageSize }

// Probe attaches bpfObjPath's kprobe program, triggers it by injecting
// a CHECK_EXTENSION ioctl into hv's vm fd, and waits up to timeout for
// the resulting perf event. The returned slots are correlated against
// the target's current /proc/<pid>/maps.
func Probe(hv *kvmdiscover.Hypervisor, profile *archprofile.Profile, bpfObjPath string, timeout time.Duration) ([]Slot, error) {
	spec, err := ebpf.LoadCollectionSpec(bpfObjPath)
	if err != nil {
		return nil, fmt.Errorf("memslot: loading BPF object %s: %w", bpfObjPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("memslot: loading BPF collection: %w", err)
	}
	defer coll.Close()

	targetPidMap, ok := coll.Maps["target_pid"]
	if !ok {
		return nil, errors.New("memslot: BPF object has no target_pid map")
	}

	if err := targetPidMap.Put(uint32(0), uint32(hv.PID)); err != nil {
		return nil, fmt.Errorf("memslot: setting target pid: %w", err)
	}

	prog, ok := coll.Programs["on_kvm_vm_ioctl"]
	if !ok {
		return nil, errors.New("memslot: BPF object has no on_kvm_vm_ioctl program")
	}

	kp, err := link.Kprobe("kvm_vm_ioctl", prog, nil)
	if err != nil {
		return nil, fmt.Errorf("memslot: attaching kprobe: %w", err)
	}
	defer kp.Close()

	eventsMap, ok := coll.Maps["memslots"]
	if !ok {
		return nil, errors.New("memslot: BPF object has no memslots perf map")
	}

	reader, err := perf.NewReader(eventsMap, 64*1024)
	if err != nil {
		return nil, fmt.Errorf("memslot: opening perf reader: %w", err)
	}
	defer reader.Close()

	sess, err := injector.Attach(hv.PID, profile)
	if err != nil {
		return nil, fmt.Errorf("memslot: %w", err)
	}
	defer sess.Detach()

	type result struct {
		raw rawEvent
		err error
	}

	done := make(chan result, 1)

	go func() {
		record, err := reader.Read()
		if err != nil {
			done <- result{err: err}

			return
		}

		var raw rawEvent
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &raw); err != nil {
			done <- result{err: fmt.Errorf("decoding perf record: %w", err)}

			return
		}

		done <- result{raw: raw}
	}()

	if _, err := sess.Ioctl(hv.VMFd, kvmfd.CheckExtension, 0); err != nil {
		return nil, fmt.Errorf("memslot: triggering kvm_vm_ioctl: %w", err)
	}

	var raw rawEvent

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("memslot: reading perf event: %w", res.err)
		}

		raw = res.raw
	case <-time.After(timeout):
		return nil, ErrTimeout
	}

	if raw.UsedSlots == 0 {
		return nil, fmt.Errorf("%w: pid %d", ErrNoMemslots, hv.PID)
	}

	view, err := procview.Open(hv.PID)
	if err != nil {
		return nil, fmt.Errorf("memslot: %w", err)
	}
	defer view.Close()

	regions, err := view.Maps()
	if err != nil {
		return nil, fmt.Errorf("memslot: reading target maps: %w", err)
	}

	n := raw.UsedSlots
	if n > MaxSlots {
		n = MaxSlots
	}

	slots := make([]Slot, 0, n)

	for i := uint64(0); i < n; i++ {
		rs := raw.Slots[i]

		if rs.BaseGFN == 0 && rs.NPages == 0 && rs.UserspaceAddr == 0 {
			continue
		}

		mapping := procview.FindMapping(regions, rs.UserspaceAddr)
		if mapping == nil {
			return nil, fmt.Errorf("%w: addr %#x", ErrSlotNotBacked, rs.UserspaceAddr)
		}

		slotStop := rs.UserspaceAddr + rs.NPages*archprofile.PageSize
		if slotStop > mapping.Stop {
			return nil, fmt.Errorf("%w: slot [%#x, %#x) extends past mapping end %#x",
				ErrSlotNotBacked, rs.UserspaceAddr, slotStop, mapping.Stop)
		}

		slots = append(slots, Slot{
			BaseGFN:       rs.BaseGFN,
			NPages:        rs.NPages,
			UserspaceAddr: rs.UserspaceAddr,
			Mapping:       *mapping,
		})
	}

	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: pid %d", ErrNoMemslots, hv.PID)
	}

	return slots, nil
}
