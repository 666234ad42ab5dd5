package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// tableEntryCount is the number of entries in a page table at every level.
	tableEntryCount = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// bootPageTableRoot is the physical address of the top-level page table
	// built by the boot loader. It lives inside the protected low-memory
	// region together with the rest of the early kernel structures.
	bootPageTableRoot = uintptr(0x1000)

	// allocCursorStart is the first virtual address handed out for kernel
	// dynamic mappings. The cursor only ever advances; released virtual
	// ranges are never reused.
	allocCursorStart = uintptr(0xFFFFFFFFC0000000)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each page level uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)
