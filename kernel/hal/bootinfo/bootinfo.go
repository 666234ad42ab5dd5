// Package bootinfo loads the physical memory map handed to the kernel by
// the boot loader. The map is a TOML document naming the highest physical
// address and the usable RAM regions; when no document is available a
// conservative 256MiB default is used.
package bootinfo

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/kitty744/Valen/kernel/mm"
	"github.com/kitty744/Valen/kernel/mm/pmm"
)

// Region describes a contiguous range of usable physical memory.
type Region struct {
	Address uint64 `toml:"address"`
	Length  uint64 `toml:"length"`
}

// MemoryMap describes the physical memory layout reported by the boot
// loader.
type MemoryMap struct {
	// MaxPhysical is the highest physical address plus one. It bounds the
	// frame allocator's bitmap.
	MaxPhysical uint64 `toml:"max-physical"`

	// Regions lists the usable RAM ranges. Anything not covered by a
	// region stays reserved.
	Regions []Region `toml:"region"`
}

// defaultMemory is used when the boot loader supplies no memory map.
const defaultMemory = 0x20000000

// Default returns a memory map for a machine with 256MiB of RAM where
// everything above the reserved low region is usable.
func Default() *MemoryMap {
	return &MemoryMap{
		MaxPhysical: defaultMemory,
		Regions: []Region{
			{
				Address: uint64(mm.LowMemoryLimit),
				Length:  defaultMemory - uint64(mm.LowMemoryLimit),
			},
		},
	}
}

// Load parses the memory map from a TOML document at path.
func Load(path string) (*MemoryMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootinfo: %w", err)
	}

	return Parse(data)
}

// Parse decodes a TOML memory map document and validates it.
func Parse(data []byte) (*MemoryMap, error) {
	var m MemoryMap
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bootinfo: %w", err)
	}

	if m.MaxPhysical == 0 {
		return nil, fmt.Errorf("bootinfo: memory map does not declare max-physical")
	}

	for _, r := range m.Regions {
		if r.Length == 0 {
			return nil, fmt.Errorf("bootinfo: region at %#x has zero length", r.Address)
		}
		if r.Address+r.Length > m.MaxPhysical {
			return nil, fmt.Errorf("bootinfo: region %#x-%#x exceeds max-physical %#x",
				r.Address, r.Address+r.Length, m.MaxPhysical)
		}
	}

	return &m, nil
}

// TotalSize returns the size of the machine's physical address space.
func (m *MemoryMap) TotalSize() mm.Size {
	return mm.Size(m.MaxPhysical)
}

// Apply releases the map's usable regions to the frame allocator one page
// at a time. Frames below the reserved low-memory region are left marked
// as used regardless of what the map claims.
func (m *MemoryMap) Apply(frames *pmm.BitmapAllocator) {
	for _, r := range m.Regions {
		addr := uintptr(r.Address)
		end := uintptr(r.Address + r.Length)

		// Partially covered trailing pages are not usable.
		for ; addr+mm.PageSize <= end; addr += mm.PageSize {
			if addr < mm.LowMemoryLimit {
				continue
			}
			frames.MarkFree(addr)
		}
	}
}
