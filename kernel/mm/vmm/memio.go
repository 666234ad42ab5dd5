package vmm

import (
	"github.com/kitty744/Valen/kernel"
	"github.com/kitty744/Valen/kernel/mm"
)

// ReadVirt copies len(p) bytes starting at the mapped virtual address
// virtAddr into p, translating page by page. ErrInvalidMapping is returned if
// any page in the range is not mapped.
func (as *AddressSpace) ReadVirt(virtAddr uintptr, p []byte) *kernel.Error {
	for len(p) > 0 {
		physAddr, err := as.Translate(virtAddr)
		if err != nil {
			return err
		}

		data := as.mem.Frame(mm.FrameFromAddress(physAddr))
		n := copy(p, data[physAddr&(mm.PageSize-1):])
		p = p[n:]
		virtAddr += uintptr(n)
	}

	return nil
}

// WriteVirt copies p to the mapped virtual address virtAddr, translating page
// by page. ErrInvalidMapping is returned if any page in the range is not
// mapped.
func (as *AddressSpace) WriteVirt(virtAddr uintptr, p []byte) *kernel.Error {
	for len(p) > 0 {
		physAddr, err := as.Translate(virtAddr)
		if err != nil {
			return err
		}

		data := as.mem.Frame(mm.FrameFromAddress(physAddr))
		n := copy(data[physAddr&(mm.PageSize-1):], p)
		p = p[n:]
		virtAddr += uintptr(n)
	}

	return nil
}
