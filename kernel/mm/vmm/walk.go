package vmm

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. The walk is aborted if walkFn returns false or if the entry at
// the current level points to a table that does not exist.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := as.rootFrame

	for level := uint8(0); level < pageLevels; level++ {
		table := as.tables[tableFrame]
		if table == nil {
			return
		}

		// Extract the bits from the virtual address that correspond to the
		// index in this level's page table.
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &table[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}
