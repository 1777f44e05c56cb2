// Package pidfdbridge duplicates a file descriptor owned by another
// process into the caller's table, using the pidfd_getfd facility
// (Linux 5.6+). This is how the rest of the pipeline ever gets its hands
// on a target's /dev/kvm-derived descriptors without the target's
// cooperation.
package pidfdbridge

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedKernel is returned when the host kernel doesn't implement
// pidfd_getfd (surfaced by the kernel as ENOSYS).
var ErrUnsupportedKernel = errors.New("pidfdbridge: pidfd_getfd not implemented by this kernel")

// ErrPermission is returned when the caller lacks ptrace-level access to
// the target (PTRACE_MODE_ATTACH_REALCREDS).
var ErrPermission = errors.New("pidfdbridge: insufficient permission to duplicate target fd")

// Bridge holds a pidfd for one target process.
type Bridge struct {
	pid   int
	pidfd int
}

// Open opens a pidfd for pid. Callers must call Close.
func Open(pid int) (*Bridge, error) {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, fmt.Errorf("pidfdbridge: pidfd_open(%d): %w", pid, err)
	}

	return &Bridge{pid: pid, pidfd: pidfd}, nil
}

// Close releases the held pidfd.
func (b *Bridge) Close() error {
	return unix.Close(b.pidfd)
}

// GetFd duplicates targetFd, as seen in the target's descriptor table,
// into the caller's table. The returned descriptor is new and local to
// this process, and refers to the same open file description as the
// target's descriptor.
func (b *Bridge) GetFd(targetFd int) (int, error) {
	fd, err := unix.PidfdGetfd(b.pidfd, targetFd, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ENOSYS):
			return -1, ErrUnsupportedKernel
		case errors.Is(err, unix.EPERM):
			return -1, fmt.Errorf("%w: pid %d fd %d: %v", ErrPermission, b.pid, targetFd, err)
		default:
			return -1, fmt.Errorf("pidfdbridge: pidfd_getfd(pid=%d, fd=%d): %w", b.pid, targetFd, err)
		}
	}

	return fd, nil
}

// HasCapability self-tests pidfd_getfd by duplicating the caller's own
// stdout descriptor. It reports false (not an error) on ErrUnsupportedKernel,
// since that's exactly the condition being probed for.
func HasCapability() (bool, error) {
	b, err := Open(os.Getpid())
	if err != nil {
		return false, err
	}
	defer b.Close()

	fd, err := b.GetFd(int(os.Stdout.Fd()))
	if err != nil {
		if errors.Is(err, ErrUnsupportedKernel) {
			return false, nil
		}

		return false, err
	}

	unix.Close(fd)

	return true, nil
}
