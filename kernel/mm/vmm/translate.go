package vmm

import "github.com/kitty744/Valen/kernel"

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
//
// Translate honors huge intermediate mappings: an entry carrying FlagHugePage
// terminates the walk and the remaining virtual address bits become the
// offset inside the large page.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		found    bool
	)

	as.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			physAddr = pte.Frame().Address() + PageOffset(virtAddr)
			found = true
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			largePageMask := (uintptr(1) << pageLevelShifts[pteLevel]) - 1
			physAddr = pte.Frame().Address() + (virtAddr & largePageMask)
			found = true
			return false
		}

		return true
	})

	if !found {
		return 0, ErrInvalidMapping
	}

	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
