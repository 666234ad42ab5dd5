// Package heap implements the kernel heap: a first-fit free-list allocator
// whose node headers live inside the kernel virtual address space, growing
// one page at a time via the address-space allocator.
package heap

import (
	"encoding/binary"

	"github.com/kitty744/Valen/kernel"
	"github.com/kitty744/Valen/kernel/mm"
	"github.com/kitty744/Valen/kernel/mm/vmm"
	"github.com/kitty744/Valen/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied
	// and the heap fails to obtain a fresh page from the address space.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrInvalidSize is returned for zero-size allocation requests.
	ErrInvalidSize = &kernel.Error{Module: "heap", Message: "zero-size allocation"}
)

const (
	// nodeMagic is the integrity tag stamped into every node header. A
	// release request whose header does not carry this tag is dropped.
	nodeMagic = 0x12345678

	// nodeHeaderSize is the encoded size of a node header: magic(4),
	// free(4), payload size(8), next link(8).
	nodeHeaderSize = 24

	// minSplitRemainder is the smallest leftover payload worth carving
	// into a separate free node. Splitting below this threshold would
	// churn the chain with fragments smaller than a header and change.
	minSplitRemainder = nodeHeaderSize + 32

	// allocAlign is the alignment every payload size is rounded up to.
	allocAlign = 8
)

// node is the decoded form of a heap node header. On the wire the header
// is a fixed little-endian layout immediately preceding the payload.
type node struct {
	magic uint32
	free  uint32
	size  uint64
	next  uintptr
}

// Stats describes the heap's utilization counters.
type Stats struct {
	// ArenaBytes is the total number of bytes granted to the heap by the
	// address-space allocator, headers included.
	ArenaBytes uint64

	// LiveBytes is the number of payload bytes currently allocated.
	LiveBytes uint64

	// FreeBytes is the number of payload bytes available for allocation.
	FreeBytes uint64

	// NodeCount is the number of nodes in the chain.
	NodeCount uint64

	// CorruptionDrops counts release requests that were dropped because
	// the node header failed its integrity check.
	CorruptionDrops uint64
}

// Allocator implements the kernel heap. A single lock serializes all
// operations; the page-table mutations performed on its behalf by the
// address-space allocator rely on that serialization.
type Allocator struct {
	lock  sync.Spinlock
	space *vmm.AddressSpace

	head            uintptr
	arenaBytes      uint64
	corruptionDrops uint64
}

// New returns a heap backed by the supplied address space. Init must be
// called before the first allocation.
func New(space *vmm.AddressSpace) *Allocator {
	return &Allocator{space: space}
}

// Init seeds the heap with a single free node spanning one fresh page.
func (a *Allocator) Init() *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	addr, err := a.space.AllocPages(1, vmm.FlagKernelData)
	if err != nil {
		return err
	}

	a.head = addr
	a.arenaBytes = uint64(mm.PageSize)
	return a.writeNode(addr, &node{
		magic: nodeMagic,
		free:  1,
		size:  uint64(mm.PageSize) - nodeHeaderSize,
	})
}

// Alloc reserves size bytes and returns the virtual address of the payload.
// The size is rounded up to an 8-byte boundary. When no free node fits, the
// heap grows by a single page, appends it as a new free node (merging it
// with an adjacent free tail) and retries.
func (a *Allocator) Alloc(size uint64) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if a.head == 0 {
		return 0, ErrOutOfMemory
	}

	size = (size + allocAlign - 1) & ^uint64(allocAlign-1)

	for addr := a.head; addr != 0; {
		n, err := a.readNode(addr)
		if err != nil {
			return 0, err
		}

		if n.free == 1 && n.size >= size {
			if err = a.claim(addr, n, size); err != nil {
				return 0, err
			}
			return addr + nodeHeaderSize, nil
		}

		if n.next == 0 {
			if n.next, err = a.grow(); err != nil {
				return 0, err
			}
			if err = a.writeNode(addr, n); err != nil {
				return 0, err
			}

			// A fresh page that lands right behind a free tail node
			// merges with it, so requests larger than a single page
			// are satisfied once enough adjacent pages accumulate.
			a.coalesce()
			addr = a.head
			continue
		}
		addr = n.next
	}

	return 0, ErrOutOfMemory
}

// claim marks the node at addr as allocated, splitting off the remainder of
// its payload into a new free node when the leftover is worth tracking.
func (a *Allocator) claim(addr uintptr, n *node, size uint64) *kernel.Error {
	if n.size > size+minSplitRemainder {
		splitAddr := addr + nodeHeaderSize + uintptr(size)
		split := &node{
			magic: nodeMagic,
			free:  1,
			size:  n.size - size - nodeHeaderSize,
			next:  n.next,
		}
		if err := a.writeNode(splitAddr, split); err != nil {
			return err
		}

		n.size = size
		n.next = splitAddr
	}

	n.free = 0
	return a.writeNode(addr, n)
}

// grow requests one fresh page from the address-space allocator and shapes it
// into a free node.
func (a *Allocator) grow() (uintptr, *kernel.Error) {
	addr, err := a.space.AllocPages(1, vmm.FlagKernelData)
	if err != nil {
		return 0, err
	}

	if err = a.writeNode(addr, &node{
		magic: nodeMagic,
		free:  1,
		size:  uint64(mm.PageSize) - nodeHeaderSize,
	}); err != nil {
		return 0, err
	}

	a.arenaBytes += uint64(mm.PageSize)
	return addr, nil
}

// Free releases a payload previously returned by Alloc. A pointer whose node
// header fails the integrity check is dropped and counted in Stats. After
// marking the node free, one linear pass merges every run of
// address-adjacent free nodes.
func (a *Allocator) Free(addr uintptr) {
	if addr == 0 {
		return
	}

	a.lock.Acquire()
	defer a.lock.Release()

	nodeAddr := addr - nodeHeaderSize
	n, err := a.readNode(nodeAddr)
	if err != nil || n.magic != nodeMagic {
		a.corruptionDrops++
		return
	}

	n.free = 1
	if err = a.writeNode(nodeAddr, n); err != nil {
		return
	}

	a.coalesce()
}

// coalesce walks the chain once, merging adjacent free nodes. Merging is
// restricted to nodes whose payloads touch: pages granted to the heap are
// virtually contiguous only when no other address-space reservation happened
// in between.
func (a *Allocator) coalesce() {
	for addr := a.head; addr != 0; {
		n, err := a.readNode(addr)
		if err != nil {
			return
		}

		if n.free == 1 && n.next != 0 && addr+nodeHeaderSize+uintptr(n.size) == n.next {
			next, err := a.readNode(n.next)
			if err != nil {
				return
			}
			if next.free == 1 {
				n.size += nodeHeaderSize + next.size
				n.next = next.next
				if a.writeNode(addr, n) != nil {
					return
				}
				continue
			}
		}

		addr = n.next
	}
}

// Stats returns the heap's utilization counters.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()

	stats := Stats{
		ArenaBytes:      a.arenaBytes,
		CorruptionDrops: a.corruptionDrops,
	}

	for addr := a.head; addr != 0; {
		n, err := a.readNode(addr)
		if err != nil {
			break
		}

		stats.NodeCount++
		if n.free == 1 {
			stats.FreeBytes += n.size
		} else {
			stats.LiveBytes += n.size
		}
		addr = n.next
	}

	return stats
}

func (a *Allocator) readNode(addr uintptr) (*node, *kernel.Error) {
	var buf [nodeHeaderSize]byte
	if err := a.space.ReadVirt(addr, buf[:]); err != nil {
		return nil, err
	}

	return &node{
		magic: binary.LittleEndian.Uint32(buf[0:4]),
		free:  binary.LittleEndian.Uint32(buf[4:8]),
		size:  binary.LittleEndian.Uint64(buf[8:16]),
		next:  uintptr(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

func (a *Allocator) writeNode(addr uintptr, n *node) *kernel.Error {
	var buf [nodeHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], n.magic)
	binary.LittleEndian.PutUint32(buf[4:8], n.free)
	binary.LittleEndian.PutUint64(buf[8:16], n.size)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(n.next))
	return a.space.WriteVirt(addr, buf[:])
}
