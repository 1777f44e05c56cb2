// Package procview inspects a target process's open file descriptors and
// memory mappings via /proc. It keeps /proc/<pid> open as an O_PATH
// directory handle so later lookups are re-derived through
// /proc/self/fd/<handle>/..., reducing TOCTOU exposure if the PID is
// reused out from under us.
package procview

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Flag bits for a Region's permissions, mirroring the teacher's style of
// small bitmask constants (see kvm/memory.go's RegionType enum).
type Flag uint8

const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagExec
	FlagPrivate
	FlagShared
)

// Region is a contiguous VA range in the target's address space, parsed
// once from /proc/<pid>/maps. Immutable after construction.
type Region struct {
	Start, Stop uint64
	Flags       Flag
	Offset      uint64
	MajorDev    uint32
	MinorDev    uint32
	Inode       uint64
	Pathname    string
}

// Size returns Stop - Start.
func (r Region) Size() uint64 { return r.Stop - r.Start }

// ErrIO wraps a failure to read a /proc file for the target.
var ErrIO = errors.New("procview: io error")

// ErrParse wraps a malformed /proc/<pid>/maps line.
var ErrParse = errors.New("procview: parse error")

// View is a scoped handle on a target PID's /proc directory.
type View struct {
	pid  int
	root *os.File // O_PATH|O_DIRECTORY handle on /proc/<pid>
}

// Open opens a scoped view of /proc/<pid>, using O_PATH so the handle
// works even if the target's own /proc/<pid> becomes briefly unreadable.
// Callers must call Close.
func Open(pid int) (*View, error) {
	path := fmt.Sprintf("/proc/%d", pid)

	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	return &View{pid: pid, root: os.NewFile(uintptr(fd), path)}, nil
}

// Close releases the held /proc directory handle.
func (v *View) Close() error {
	return v.root.Close()
}

// PID returns the target PID this view was opened for.
func (v *View) PID() int { return v.pid }

// entry re-derives a path under the target's /proc/<pid> through our own
// fd table, so a PID-reuse race can't redirect us at a stale directory.
func (v *View) entry(name string) string {
	return filepath.Join(fmt.Sprintf("/proc/self/fd/%d", v.root.Fd()), name)
}

// Fds produces the set of open file-descriptor numbers for the target.
// Finite and not restartable: each call rescans.
func (v *View) Fds() ([]int, error) {
	entries, err := os.ReadDir(v.entry("fd"))
	if err != nil {
		return nil, fmt.Errorf("%w: read fd dir for pid %d: %v", ErrIO, v.pid, err)
	}

	fds := make([]int, 0, len(entries))

	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		fds = append(fds, n)
	}

	return fds, nil
}

// FdTarget resolves what descriptor fd in the target points at (e.g.
// "anon_inode:kvm-vm", or a regular file path).
func (v *View) FdTarget(fd int) (string, error) {
	target, err := os.Readlink(v.entry(fmt.Sprintf("fd/%d", fd)))
	if err != nil {
		return "", fmt.Errorf("%w: readlink fd %d for pid %d: %v", ErrIO, fd, v.pid, err)
	}

	return target, nil
}

// Tasks returns the thread IDs of the target, via /proc/<pid>/task.
func (v *View) Tasks() ([]int, error) {
	entries, err := os.ReadDir(v.entry("task"))
	if err != nil {
		return nil, fmt.Errorf("%w: read task dir for pid %d: %v", ErrIO, v.pid, err)
	}

	tids := make([]int, 0, len(entries))

	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		tids = append(tids, n)
	}

	return tids, nil
}

// Maps parses the target's VMA list into address-sorted Region records
// (/proc/<pid>/maps is already emitted in ascending-address order by the
// kernel, so no further sort is needed).
func (v *View) Maps() ([]Region, error) {
	f, err := os.Open(v.entry("maps"))
	if err != nil {
		return nil, fmt.Errorf("%w: open maps for pid %d: %v", ErrIO, v.pid, err)
	}
	defer f.Close()

	var regions []Region

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		r, err := parseMapsLine(scanner.Text())
		if err != nil {
			return nil, err
		}

		regions = append(regions, r)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan maps for pid %d: %v", ErrIO, v.pid, err)
	}

	return regions, nil
}

// parseMapsLine parses one "start-stop perms offset dev inode path" line.
func parseMapsLine(line string) (Region, error) {
	fields := strings.SplitN(line, " ", 6)
	if len(fields) < 5 {
		return Region{}, fmt.Errorf("%w: too few fields: %q", ErrParse, line)
	}

	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return Region{}, fmt.Errorf("%w: malformed address range: %q", ErrParse, fields[0])
	}

	start, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: start addr %q: %v", ErrParse, addrRange[0], err)
	}

	stop, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: stop addr %q: %v", ErrParse, addrRange[1], err)
	}

	flags, err := parsePerms(fields[1])
	if err != nil {
		return Region{}, err
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: offset %q: %v", ErrParse, fields[2], err)
	}

	dev := strings.SplitN(fields[3], ":", 2)
	if len(dev) != 2 {
		return Region{}, fmt.Errorf("%w: malformed dev field: %q", ErrParse, fields[3])
	}

	major, err := strconv.ParseUint(dev[0], 16, 32)
	if err != nil {
		return Region{}, fmt.Errorf("%w: major dev %q: %v", ErrParse, dev[0], err)
	}

	minor, err := strconv.ParseUint(dev[1], 16, 32)
	if err != nil {
		return Region{}, fmt.Errorf("%w: minor dev %q: %v", ErrParse, dev[1], err)
	}

	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: inode %q: %v", ErrParse, fields[4], err)
	}

	var pathname string
	if len(fields) == 6 {
		pathname = strings.TrimSpace(fields[5])
	}

	return Region{
		Start:    start,
		Stop:     stop,
		Flags:    flags,
		Offset:   offset,
		MajorDev: uint32(major),
		MinorDev: uint32(minor),
		Inode:    inode,
		Pathname: pathname,
	}, nil
}

func parsePerms(field string) (Flag, error) {
	if len(field) != 4 {
		return 0, fmt.Errorf("%w: malformed perms field: %q", ErrParse, field)
	}

	var flags Flag

	if field[0] == 'r' {
		flags |= FlagRead
	}

	if field[1] == 'w' {
		flags |= FlagWrite
	}

	if field[2] == 'x' {
		flags |= FlagExec
	}

	if field[3] == 'p' {
		flags |= FlagPrivate
	} else {
		flags |= FlagShared
	}

	return flags, nil
}

// FindMapping returns the region containing addr, or nil if none does.
// Linear scan, as spec'd: at most one match since regions don't overlap.
func FindMapping(regions []Region, addr uint64) *Region {
	for i := range regions {
		if regions[i].Start <= addr && addr < regions[i].Stop {
			return &regions[i]
		}
	}

	return nil
}
