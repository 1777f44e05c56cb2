// Package coredump writes a target's recovered guest-physical memory
// out as an ELF core file: one PT_LOAD segment per memslot, its payload
// filled by a single batched cross-process memory read straight into an
// mmap'd view of the output file. The produced file is not a coherent
// snapshot — the target keeps running while its memory is copied — but
// it is readable by any ELF-aware tool (gdb, readelf, a disassembler)
// the same way a kernel-generated core dump would be.
package coredump

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bobuhiro11/kvmintrospect/internal/archprofile"
	"github.com/bobuhiro11/kvmintrospect/internal/memslot"
	"golang.org/x/sys/unix"
)

func pageAlign(v uint64) uint64 {
	const mask = archprofile.PageSize - 1

	return (v + mask) &^ mask
}

// Write emits pid's memory, as described by slots, to path as an ELF
// core file matching profile's ELF class, data encoding, and machine.
func Write(path string, pid int, profile *archprofile.Profile, slots []memslot.Slot) error {
	if len(slots) == 0 {
		return fmt.Errorf("coredump: no slots to dump for pid %d", pid)
	}

	ehdrSize := binary.Size(elf.Header64{})
	phdrSize := binary.Size(elf.Prog64{})

	headerBlock, err := buildHeaderBlock(profile, slots, ehdrSize, phdrSize)
	if err != nil {
		return err
	}

	offset := pageAlign(uint64(len(headerBlock)))

	var payloadSize uint64
	for _, s := range slots {
		payloadSize += s.Size()
	}

	coreSize := offset + payloadSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("coredump: creating %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(coreSize)); err != nil {
		return fmt.Errorf("coredump: truncating %s to %d bytes: %w", path, coreSize, err)
	}

	if _, err := f.Write(headerBlock); err != nil {
		return fmt.Errorf("coredump: writing header: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("coredump: %w", err)
	}

	if payloadSize == 0 {
		return nil
	}

	region, err := unix.Mmap(int(f.Fd()), int64(offset), int(payloadSize), unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("coredump: mmap output file: %w", err)
	}
	defer unix.Munmap(region)

	local := make([]unix.Iovec, len(slots))
	remote := make([]unix.RemoteIovec, len(slots))

	pos := uint64(0)

	for i, s := range slots {
		local[i] = unix.Iovec{Base: &region[pos]}
		local[i].SetLen(int(s.Size()))

		remote[i] = unix.RemoteIovec{Base: uintptr(s.Start()), Len: int(s.Size())}

		pos += s.Size()
	}

	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("coredump: process_vm_readv pid %d: %w", pid, err)
	}

	if uint64(n) != payloadSize {
		return fmt.Errorf("coredump: short read from pid %d: got %d bytes, want %d", pid, n, payloadSize)
	}

	return nil
}

func buildHeaderBlock(profile *archprofile.Profile, slots []memslot.Slot, ehdrSize, phdrSize int) ([]byte, error) {
	var ident [elf.EI_NIDENT]byte
	ident[elf.EI_MAG0] = '\x7f'
	ident[elf.EI_MAG1] = 'E'
	ident[elf.EI_MAG2] = 'L'
	ident[elf.EI_MAG3] = 'F'
	ident[elf.EI_CLASS] = profile.ELFClass
	ident[elf.EI_DATA] = profile.ELFData
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	ehdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_CORE),
		Machine:   profile.ELFMachine,
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     uint64(ehdrSize),
		Ehsize:    uint16(ehdrSize),
		Phentsize: uint16(phdrSize),
		Phnum:     uint16(len(slots)),
		// No section headers are written (Shoff/Shnum stay 0); Shentsize
		// is still populated with the struct size per convention.
		Shentsize: uint16(binary.Size(elf.Section64{})),
	}

	buf := &bytes.Buffer{}

	order := byteOrder(profile.BigEndian)

	if err := binary.Write(buf, order, &ehdr); err != nil {
		return nil, fmt.Errorf("coredump: encoding ELF header: %w", err)
	}

	fileOffset := pageAlign(uint64(ehdrSize) + uint64(len(slots)*phdrSize))

	for _, s := range slots {
		phdr := elf.Prog64{
			Type: uint32(elf.PT_LOAD),
			// p_flags is left 0 rather than derived from the host
			// region's permissions; see the open-questions note in
			// DESIGN.md.
			Flags:  0,
			Off:    fileOffset,
			Vaddr:  s.Start(),
			Paddr:  0,
			Filesz: s.Size(),
			Memsz:  s.Size(),
			Align:  archprofile.PageSize,
		}

		if err := binary.Write(buf, order, &phdr); err != nil {
			return nil, fmt.Errorf("coredump: encoding program header: %w", err)
		}

		fileOffset += s.Size()
	}

	return buf.Bytes(), nil
}

func byteOrder(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}

	return binary.LittleEndian
}
