package injector

// ioctlSyscallNR is the x86-64 syscall number for ioctl.
const ioctlSyscallNR = 16
