package archprofile

// ELF class/data/machine constants needed by internal/coredump. Kept here,
// rather than re-importing debug/elf, so archprofile stays the single
// source of truth for "what does this host look like".
const (
	ELFClass32 uint8 = 1
	ELFClass64 uint8 = 2

	ELFData2LSB uint8 = 1
	ELFData2MSB uint8 = 2

	EMX8664   uint16 = 62
	EMAArch64 uint16 = 183
)
