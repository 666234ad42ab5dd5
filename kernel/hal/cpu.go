// Package hal isolates the privileged hardware operations required by the
// memory and task subsystems behind a small boundary so the allocator and
// scheduler logic stays free of inline assembly and can be exercised against
// a simulated backend.
package hal

// CPU abstracts the privileged per-processor operations used by the virtual
// memory subsystem.
type CPU interface {
	// LoadPageTableRoot installs the physical address of a top-level page
	// table into the CPU's active-translation register (CR3 on x86_64)
	// flushing all cached translations.
	LoadPageTableRoot(physAddr uintptr)

	// PageTableRoot returns the physical address of the currently active
	// top-level page table.
	PageTableRoot() uintptr

	// FlushTLBEntry invalidates the cached translation for a single
	// virtual address.
	FlushTLBEntry(virtAddr uintptr)
}

// SimCPU implements CPU for a simulated processor. It records the active
// page-table root and the history of TLB invalidations so tests can assert
// that mapping operations flush exactly the translations they touch.
//
// SimCPU performs no internal locking; the virtual memory subsystem
// serializes access to it.
type SimCPU struct {
	root       uintptr
	tlbFlushes []uintptr
}

// NewSimCPU returns a simulated CPU with no active page table.
func NewSimCPU() *SimCPU {
	return &SimCPU{}
}

// LoadPageTableRoot implements CPU.
func (c *SimCPU) LoadPageTableRoot(physAddr uintptr) {
	c.root = physAddr
	// A root switch drops all cached translations.
	c.tlbFlushes = c.tlbFlushes[:0]
}

// PageTableRoot implements CPU.
func (c *SimCPU) PageTableRoot() uintptr {
	return c.root
}

// FlushTLBEntry implements CPU.
func (c *SimCPU) FlushTLBEntry(virtAddr uintptr) {
	c.tlbFlushes = append(c.tlbFlushes, virtAddr)
}

// TLBFlushes returns the virtual addresses whose translations were
// invalidated since the last page-table root switch.
func (c *SimCPU) TLBFlushes() []uintptr {
	return c.tlbFlushes
}
