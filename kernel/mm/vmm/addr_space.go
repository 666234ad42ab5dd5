// Package vmm manages the 4-level hardware page-table structure and the
// kernel's dynamic virtual address allocations.
package vmm

import (
	"github.com/kitty744/Valen/kernel"
	"github.com/kitty744/Valen/kernel/hal"
	"github.com/kitty744/Valen/kernel/mm"
	"github.com/kitty744/Valen/kernel/sync"
)

var (
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "attempt to map through a huge page entry"}

	// ErrOutOfVirtualSpace is returned when the kernel dynamic mapping
	// cursor cannot advance by the requested amount.
	ErrOutOfVirtualSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// pageTable holds the 512 entries of a single translation table. Tables are
// addressed by the physical frame that backs them; entries are accessed by
// bounds-checked index instead of raw pointer arithmetic.
type pageTable [tableEntryCount]pageTableEntry

// AddressSpace owns a 4-level page-table tree rooted at the boot-built
// top-level table and a bump cursor for kernel dynamic mappings.
//
// Map and MapRange perform no internal locking: the callers (heap, the
// AllocPages path) are responsible for serializing page-table mutations.
// AllocPages holds its own lock around the whole allocate-then-map sequence.
type AddressSpace struct {
	cpu    hal.CPU
	mem    *hal.Memory
	frames pmmAllocator

	rootFrame mm.Frame
	tables    map[mm.Frame]*pageTable

	cursorLock   sync.Spinlock
	nextVirtAddr uintptr
}

// pmmAllocator is the slice of the frame allocator surface the vmm relies on.
type pmmAllocator interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	AllocFrames(count uint64) (mm.Frame, *kernel.Error)
}

// NewAddressSpace returns an address space rooted at the boot-built top-level
// table. Intermediate tables are allocated on demand from frames.
func NewAddressSpace(cpu hal.CPU, mem *hal.Memory, frames pmmAllocator) *AddressSpace {
	rootFrame := mm.FrameFromAddress(bootPageTableRoot)
	as := &AddressSpace{
		cpu:          cpu,
		mem:          mem,
		frames:       frames,
		rootFrame:    rootFrame,
		tables:       map[mm.Frame]*pageTable{rootFrame: new(pageTable)},
		nextVirtAddr: allocCursorStart,
	}
	return as
}

// Activate installs this address space's root table into the CPU's
// active-translation register.
func (as *AddressSpace) Activate() {
	as.cpu.LoadPageTableRoot(as.rootFrame.Address())
}

// AllocPages reserves pages contiguous physical frames, maps them at the
// current bump cursor position with the supplied flags and returns the
// virtual address of the mapped region.
//
// The cursor advances unconditionally; there is no reclamation path for
// kernel dynamic mappings.
func (as *AddressSpace) AllocPages(pages uint64, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	as.cursorLock.Acquire()
	defer as.cursorLock.Release()

	size := uintptr(pages) * mm.PageSize
	if size == 0 || as.nextVirtAddr+size < as.nextVirtAddr {
		return 0, ErrOutOfVirtualSpace
	}

	frame, err := as.frames.AllocFrames(pages)
	if err != nil {
		return 0, err
	}

	startAddr := as.nextVirtAddr
	as.nextVirtAddr += size

	for i := uintptr(0); i < size; i += mm.PageSize {
		if err = as.Map(mm.PageFromAddress(startAddr+i), frame+mm.Frame(i>>mm.PageShift), flags); err != nil {
			return 0, err
		}
	}

	return startAddr, nil
}
