// Package kvmfd holds KVM ioctl request codes and the /proc fd symlink
// targets that identify KVM descriptors. Of the request codes, only
// CheckExtension is issued by this tool, relayed into the target process
// through internal/injector; nothing in this package touches a local
// /dev/kvm.
package kvmfd

// Ioctl request codes, encoded the same way Linux's _IO/_IOR/_IOW
// macros would: these are the literal values the kernel's KVM driver
// registers, ported from the reference implementation rather than
// recomputed, since a single off-by-one in the direction or size bits
// changes the request code entirely.
const (
	GetAPIVersion = 0xAE00
	CreateVM      = 0xAE01

	// CheckExtension queries whether the KVM instance backing a vm fd
	// supports a given capability number. The memslot probe calls this
	// with extension 0 purely to trigger a kvm_vm_ioctl() call inside
	// the kernel, which is what the attached kprobe fires on; the
	// actual return value is discarded.
	CheckExtension = 0xAE03

	GetVCPUMMapSize = 0xAE04
	CreateVCPU      = 0xAE41
	RunVCPU         = 0xAE80

	GetRegs  = 0x8090AE81
	SetRegs  = 0x4090AE82
	GetSregs = 0x8138AE83
	SetSregs = 0x4138AE84
)

// VMFDTarget string is the /proc/<pid>/fd/<n> symlink target that
// identifies a KVM VM descriptor.
const VMFDTarget = "anon_inode:kvm-vm"

// VCPUFDTargetPrefix is the symlink-target prefix for a KVM vCPU
// descriptor; the vCPU's index follows as a decimal suffix.
const VCPUFDTargetPrefix = "anon_inode:kvm-vcpu:"
