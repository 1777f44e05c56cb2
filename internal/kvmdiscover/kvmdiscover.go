// Package kvmdiscover finds a running KVM VM inside a target process
// without that process's cooperation: it enumerates the target's open
// file descriptors via /proc and classifies each by the symlink target
// /proc puts in its fd directory, then duplicates the interesting ones
// into the caller's table through internal/pidfdbridge.
package kvmdiscover

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/bobuhiro11/kvmintrospect/internal/kvmfd"
	"github.com/bobuhiro11/kvmintrospect/internal/pidfdbridge"
	"github.com/bobuhiro11/kvmintrospect/internal/procview"
	"golang.org/x/sys/unix"
)

func closeFd(fd int) error { return unix.Close(fd) }

// ErrNoVM is returned when a target process has no kvm-vm descriptor.
var ErrNoVM = errors.New("kvmdiscover: no KVM instance found in target process")

// ErrMultipleVMs is returned when a target has more than one kvm-vm
// descriptor open. Correlating vCPUs and memslots across more than one
// VM per process is not supported.
var ErrMultipleVMs = errors.New("kvmdiscover: found multiple VMs in target process")

// ErrDuplicateVCPUID is returned when two vCPU descriptors report the
// same index, which the reference tooling treats as evidence of more
// than one VM sharing the process (e.g. a multi-VM hypervisor), a
// configuration this tool does not support.
var ErrDuplicateVCPUID = errors.New("kvmdiscover: found multiple vcpus with the same id")

// ErrNoVCPUs is returned when a target has a kvm-vm descriptor but no
// kvm-vcpu descriptors at all.
var ErrNoVCPUs = errors.New("kvmdiscover: found KVM instance with no vcpu")

var vcpuTarget = regexp.MustCompile(`^anon_inode:kvm-vcpu:(\d+)$`)

// Hypervisor is a discovered KVM instance: a VM descriptor and its
// vCPU descriptors, duplicated into the caller's own fd table.
type Hypervisor struct {
	PID      int
	VMFd     int
	VCPUFds  []int // ordered by vCPU index
	vcpuByID map[int]int
}

// CPUCount reports the number of discovered vCPUs.
func (h *Hypervisor) CPUCount() int { return len(h.VCPUFds) }

// Close releases every duplicated descriptor.
func (h *Hypervisor) Close() error {
	var firstErr error

	closeOne := func(fd int) {
		if err := closeFd(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	closeOne(h.VMFd)

	for _, fd := range h.VCPUFds {
		closeOne(fd)
	}

	return firstErr
}

// Find scans pid's open file descriptors for exactly one KVM VM
// descriptor and at least one vCPU descriptor, duplicating each one it
// keeps into the caller's process via pidfd_getfd.
func Find(pid int) (*Hypervisor, error) {
	view, err := procview.Open(pid)
	if err != nil {
		return nil, fmt.Errorf("kvmdiscover: %w", err)
	}
	defer view.Close()

	bridge, err := pidfdbridge.Open(pid)
	if err != nil {
		return nil, fmt.Errorf("kvmdiscover: %w", err)
	}
	defer bridge.Close()

	fds, err := view.Fds()
	if err != nil {
		return nil, fmt.Errorf("kvmdiscover: %w", err)
	}

	var vmFds []int
	vcpuByID := map[int]int{}

	cleanup := func() {
		for _, fd := range vmFds {
			_ = closeFd(fd)
		}

		for _, fd := range vcpuByID {
			_ = closeFd(fd)
		}
	}

	for _, targetFd := range fds {
		link, err := view.FdTarget(targetFd)
		if err != nil {
			// The descriptor may have been closed between listing and
			// reading; this is expected under a live, running target.
			continue
		}

		switch {
		case link == kvmfd.VMFDTarget:
			dup, err := bridge.GetFd(targetFd)
			if err != nil {
				cleanup()

				return nil, fmt.Errorf("kvmdiscover: duplicating vm fd: %w", err)
			}

			vmFds = append(vmFds, dup)

		case vcpuTarget.MatchString(link):
			m := vcpuTarget.FindStringSubmatch(link)

			idx, err := strconv.Atoi(m[1])
			if err != nil {
				cleanup()

				return nil, fmt.Errorf("kvmdiscover: parsing vcpu index %q: %w", m[1], err)
			}

			if _, dup := vcpuByID[idx]; dup {
				cleanup()

				return nil, fmt.Errorf("%w: id %d in pid %d", ErrDuplicateVCPUID, idx, pid)
			}

			dupFd, err := bridge.GetFd(targetFd)
			if err != nil {
				cleanup()

				return nil, fmt.Errorf("kvmdiscover: duplicating vcpu fd: %w", err)
			}

			vcpuByID[idx] = dupFd
		}
	}

	if len(vmFds) == 0 {
		return nil, fmt.Errorf("%w: pid %d", ErrNoVM, pid)
	}

	if len(vmFds) > 1 {
		cleanup()

		return nil, fmt.Errorf("%w: pid %d", ErrMultipleVMs, pid)
	}

	if len(vcpuByID) == 0 {
		cleanup()

		return nil, fmt.Errorf("%w: pid %d", ErrNoVCPUs, pid)
	}

	ordered := orderedVCPUFds(vcpuByID)

	return &Hypervisor{
		PID:      pid,
		VMFd:     vmFds[0],
		VCPUFds:  ordered,
		vcpuByID: vcpuByID,
	}, nil
}

func orderedVCPUFds(byID map[int]int) []int {
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	fds := make([]int, 0, len(ids))
	for _, id := range ids {
		fds = append(fds, byID[id])
	}

	return fds
}
