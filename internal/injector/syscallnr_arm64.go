package injector

// ioctlSyscallNR is the AArch64 syscall number for ioctl.
const ioctlSyscallNR = 29
