package heap

import (
	"encoding/binary"
	"testing"

	"github.com/kitty744/Valen/kernel/hal"
	"github.com/kitty744/Valen/kernel/mm"
	"github.com/kitty744/Valen/kernel/mm/pmm"
	"github.com/kitty744/Valen/kernel/mm/vmm"
)

func testHeap(t *testing.T, memSize mm.Size) (*Allocator, *vmm.AddressSpace) {
	t.Helper()

	var frames pmm.BitmapAllocator
	frames.Init(memSize)
	for addr := mm.LowMemoryLimit; addr < uintptr(memSize); addr += mm.PageSize {
		frames.MarkFree(addr)
	}

	as := vmm.NewAddressSpace(hal.NewSimCPU(), hal.NewMemory(), &frames)
	alloc := New(as)
	if err := alloc.Init(); err != nil {
		t.Fatal(err)
	}
	return alloc, as
}

// conservationHolds asserts that live + free payload bytes plus the chain's
// headers account for every byte granted to the heap.
func conservationHolds(t *testing.T, a *Allocator) {
	t.Helper()

	stats := a.Stats()
	if got := stats.LiveBytes + stats.FreeBytes + stats.NodeCount*nodeHeaderSize; got != stats.ArenaBytes {
		t.Fatalf("conservation violated: live %d + free %d + headers %d != arena %d",
			stats.LiveBytes, stats.FreeBytes, stats.NodeCount*nodeHeaderSize, stats.ArenaBytes)
	}
}

func TestInitSeedsSingleFreeNode(t *testing.T) {
	alloc, _ := testHeap(t, 64*mm.Mb)

	stats := alloc.Stats()
	if stats.NodeCount != 1 {
		t.Fatalf("expected a single node after Init; got %d", stats.NodeCount)
	}
	if exp := uint64(mm.PageSize) - nodeHeaderSize; stats.FreeBytes != exp {
		t.Fatalf("expected %d free bytes after Init; got %d", exp, stats.FreeBytes)
	}
	conservationHolds(t, alloc)
}

func TestAllocZeroSize(t *testing.T) {
	alloc, _ := testHeap(t, 64*mm.Mb)

	if addr, err := alloc.Alloc(0); err != ErrInvalidSize || addr != 0 {
		t.Fatalf("expected zero-size allocation to return a null address and ErrInvalidSize; got %x, %v", addr, err)
	}
}

func TestAllocRoundsAndSplits(t *testing.T) {
	alloc, _ := testHeap(t, 64*mm.Mb)

	addr, err := alloc.Alloc(13)
	if err != nil {
		t.Fatal(err)
	}
	if addr == 0 {
		t.Fatal("expected a non-null payload address")
	}

	stats := alloc.Stats()
	if stats.LiveBytes != 16 {
		t.Fatalf("expected the 13-byte request to be rounded to 16 live bytes; got %d", stats.LiveBytes)
	}
	if stats.NodeCount != 2 {
		t.Fatalf("expected the seed node to be split; got %d nodes", stats.NodeCount)
	}
	conservationHolds(t, alloc)
}

func TestAllocDoesNotSplitSmallRemainders(t *testing.T) {
	alloc, _ := testHeap(t, 64*mm.Mb)

	// Request almost the whole seed node: the remainder is below the
	// split threshold and must stay attached to the allocation.
	request := uint64(mm.PageSize) - nodeHeaderSize - minSplitRemainder
	if _, err := alloc.Alloc(request); err != nil {
		t.Fatal(err)
	}

	stats := alloc.Stats()
	if stats.NodeCount != 1 {
		t.Fatalf("expected no split for a sub-threshold remainder; got %d nodes", stats.NodeCount)
	}
	if stats.FreeBytes != 0 {
		t.Fatalf("expected no free bytes; got %d", stats.FreeBytes)
	}
	conservationHolds(t, alloc)
}

func TestFreeReusesBlockWithoutGrowth(t *testing.T) {
	alloc, _ := testHeap(t, 64*mm.Mb)

	first, err := alloc.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = alloc.Alloc(128); err != nil {
		t.Fatal(err)
	}

	arena := alloc.Stats().ArenaBytes
	alloc.Free(first)

	reused, err := alloc.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if reused != first {
		t.Fatalf("expected the freed block at %x to be reused; got %x", first, reused)
	}
	if got := alloc.Stats().ArenaBytes; got != arena {
		t.Fatalf("expected no arena growth; arena went from %d to %d bytes", arena, got)
	}
	conservationHolds(t, alloc)
}

func TestFreeCoalescesAdjacentNodes(t *testing.T) {
	alloc, _ := testHeap(t, 64*mm.Mb)

	first, err := alloc.Alloc(104)
	if err != nil {
		t.Fatal(err)
	}
	second, err := alloc.Alloc(104)
	if err != nil {
		t.Fatal(err)
	}
	// Pin a third allocation so the second block is not adjacent to the
	// trailing free node.
	if _, err = alloc.Alloc(104); err != nil {
		t.Fatal(err)
	}

	before := alloc.Stats().NodeCount

	alloc.Free(first)
	alloc.Free(second)

	stats := alloc.Stats()
	if exp := before - 1; stats.NodeCount != exp {
		t.Fatalf("expected the two adjacent free blocks to merge into one node (%d total); got %d", exp, stats.NodeCount)
	}

	// The merged node's payload is both payloads plus one reclaimed header.
	reused, err := alloc.Alloc(104 + 104 + nodeHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	if reused != first {
		t.Fatalf("expected the merged node at %x to satisfy the request; got %x", first, reused)
	}
	conservationHolds(t, alloc)
}

func TestHeapGrowsByOnePage(t *testing.T) {
	alloc, _ := testHeap(t, 64*mm.Mb)

	// Exhaust the seed page, then trigger growth.
	if _, err := alloc.Alloc(uint64(mm.PageSize) - nodeHeaderSize - minSplitRemainder); err != nil {
		t.Fatal(err)
	}

	if _, err := alloc.Alloc(64); err != nil {
		t.Fatal(err)
	}

	stats := alloc.Stats()
	if exp := uint64(2 * mm.PageSize); stats.ArenaBytes != exp {
		t.Fatalf("expected the heap to grow by exactly one page to %d bytes; got %d", exp, stats.ArenaBytes)
	}
	conservationHolds(t, alloc)
}

func TestAllocFailsWhenMemoryExhausted(t *testing.T) {
	// 3MiB leaves 256 usable frames; the page-table plumbing and the seed
	// page consume a few, a 300-page request cannot be satisfied.
	alloc, _ := testHeap(t, 3*mm.Mb)

	for i := 0; i < 300; i++ {
		if _, err := alloc.Alloc(uint64(mm.PageSize) - nodeHeaderSize - minSplitRemainder); err != nil {
			if err != pmm.ErrOutOfMemory {
				t.Fatalf("expected ErrOutOfMemory; got %v", err)
			}
			return
		}
	}

	t.Fatal("expected the heap to run out of physical memory")
}

func TestFreeCorruptedNodeIsDropped(t *testing.T) {
	alloc, as := testHeap(t, 64*mm.Mb)

	addr, err := alloc.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}

	statsBefore := alloc.Stats()

	// Smash the node's integrity tag the way a heap overflow would.
	var smashed [4]byte
	binary.LittleEndian.PutUint32(smashed[:], 0xdeadbeef)
	if err := as.WriteVirt(addr-nodeHeaderSize, smashed[:]); err != nil {
		t.Fatal(err)
	}

	alloc.Free(addr)

	stats := alloc.Stats()
	if stats.CorruptionDrops != statsBefore.CorruptionDrops+1 {
		t.Fatalf("expected the corrupted release to be counted; drops went from %d to %d",
			statsBefore.CorruptionDrops, stats.CorruptionDrops)
	}
	if stats.LiveBytes != statsBefore.LiveBytes {
		t.Fatalf("expected the corrupted release to be ignored; live bytes went from %d to %d",
			statsBefore.LiveBytes, stats.LiveBytes)
	}

	// Freeing a pointer that was never allocated is dropped the same way.
	alloc.Free(0xFFFFFFFFF0000000)
	if got := alloc.Stats().CorruptionDrops; got != stats.CorruptionDrops+1 {
		t.Fatalf("expected the wild release to be counted; got %d drops", got)
	}
}

func TestFreeNullPointer(t *testing.T) {
	alloc, _ := testHeap(t, 64*mm.Mb)

	stats := alloc.Stats()
	alloc.Free(0)
	if got := alloc.Stats(); got != stats {
		t.Fatalf("expected Free(0) to be a no-op; stats went from %+v to %+v", stats, got)
	}
}
