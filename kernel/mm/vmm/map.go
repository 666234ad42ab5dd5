package vmm

import (
	"github.com/kitty744/Valen/kernel"
	"github.com/kitty744/Valen/kernel/mm"
)

// Map establishes a mapping between a virtual page and a physical memory
// frame. Calls to Map will use the frame allocator to initialize missing page
// tables at each paging level; every new intermediate table is zero-filled
// before it is linked into the tree. Re-mapping an already mapped page simply
// overwrites the leaf entry.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	as.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place, flag it as present and flush its TLB entry.
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			as.cpu.FlushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; allocate a physical frame for
		// it and link a zero-filled table into the tree.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = as.frames.AllocFrame()
			if err != nil {
				return false
			}

			as.tables[newTableFrame] = new(pageTable)
			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		return true
	})

	return err
}

// MapRange establishes mappings between the virtual region starting at
// virtAddr and the physical region starting at physAddr, repeating Map at a
// 4KiB stride until size bytes are covered. The size argument is rounded up
// to the nearest page boundary.
func (as *AddressSpace) MapRange(virtAddr, physAddr uintptr, size mm.Size, flags PageTableEntryFlag) *kernel.Error {
	rounded := (uintptr(size) + mm.PageSize - 1) & ^(mm.PageSize - 1)

	for offset := uintptr(0); offset < rounded; offset += mm.PageSize {
		if err := as.Map(mm.PageFromAddress(virtAddr+offset), mm.FrameFromAddress(physAddr+offset), flags); err != nil {
			return err
		}
	}

	return nil
}
