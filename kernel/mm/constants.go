package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernelVirtOffset is the offset used to access physical memory from
	// the higher-half kernel address space. It must match the offset used
	// by the boot loader when it sets up the initial mappings.
	KernelVirtOffset = uintptr(0xFFFFFFFF80000000)

	// LowMemoryLimit marks the end of the physical region reserved for the
	// kernel image, the BIOS and the boot page tables. Frames below this
	// address are never handed out by the frame allocator.
	LowMemoryLimit = uintptr(0x200000)
)
