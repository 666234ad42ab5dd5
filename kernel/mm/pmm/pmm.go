// Package pmm contains the physical memory manager: a bitmap allocator that
// tracks every 4KiB frame of physical memory with a single bit.
package pmm

import (
	"github.com/sirupsen/logrus"

	"github.com/kitty744/Valen/kernel"
	"github.com/kitty744/Valen/kernel/mm"
	"github.com/kitty744/Valen/kernel/sync"
)

// ErrOutOfMemory is returned by the allocation methods when no free frame (or
// no contiguous run of free frames) exists. Callers must treat this as fatal
// for the request; there is no swapping path to fall back to.
var ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

// BitmapAllocator tracks the state of the system's physical frames using one
// bit per frame where a set bit marks a used frame.
//
// Init marks every frame as used: memory becomes allocatable only when the
// boot collaborator explicitly marks the usable regions free. Any region the
// boot memory map does not enumerate therefore stays permanently unusable.
//
// Frames below mm.LowMemoryLimit are never handed out regardless of their
// bitmap state; they back the kernel image, the BIOS data area and the boot
// page tables.
type BitmapAllocator struct {
	lock sync.Spinlock

	bitmap      []byte
	totalFrames uint64
	usedFrames  uint64
}

// Init sizes the bitmap for a physical memory of memSize bytes and marks
// every frame as used.
func (a *BitmapAllocator) Init(memSize mm.Size) {
	a.lock.Acquire()
	a.totalFrames = uint64(memSize) / uint64(mm.PageSize)
	a.usedFrames = a.totalFrames
	a.bitmap = make([]byte, (a.totalFrames+7)/8)
	for i := range a.bitmap {
		a.bitmap[i] = 0xFF
	}
	a.lock.Release()
}

// MarkFree clears the used bit for the frame containing physAddr. Marking an
// already free frame is a no-op and addresses outside the managed range are
// silently ignored.
func (a *BitmapAllocator) MarkFree(physAddr uintptr) {
	a.lock.Acquire()
	a.markFreeLocked(mm.FrameFromAddress(physAddr))
	a.lock.Release()
}

// MarkUsed sets the used bit for the frame containing physAddr. Marking an
// already used frame is a no-op and addresses outside the managed range are
// silently ignored.
func (a *BitmapAllocator) MarkUsed(physAddr uintptr) {
	a.lock.Acquire()
	frame := mm.FrameFromAddress(physAddr)
	if uint64(frame) < a.totalFrames && !a.isSetLocked(frame) {
		a.bitmap[frame>>3] |= 1 << (frame & 7)
		a.usedFrames++
	}
	a.lock.Release()
}

// FreeFrame releases a previously allocated frame back to the allocator. It
// is equivalent to MarkFree.
func (a *BitmapAllocator) FreeFrame(frame mm.Frame) {
	a.MarkFree(frame.Address())
}

func (a *BitmapAllocator) markFreeLocked(frame mm.Frame) {
	if uint64(frame) < a.totalFrames && a.isSetLocked(frame) {
		a.bitmap[frame>>3] &^= 1 << (frame & 7)
		if a.usedFrames > 0 {
			a.usedFrames--
		}
	}
}

func (a *BitmapAllocator) isSetLocked(frame mm.Frame) bool {
	return a.bitmap[frame>>3]&(1<<(frame&7)) != 0
}

// AllocFrame reserves the first free frame above the low-memory limit and
// returns it. ErrOutOfMemory is returned when no free frame exists.
func (a *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	for frame := a.lowFrame(); uint64(frame) < a.totalFrames; frame++ {
		// Fast-forward over fully used bitmap bytes.
		if frame&7 == 0 && a.bitmap[frame>>3] == 0xFF {
			frame += 7
			continue
		}
		if !a.isSetLocked(frame) {
			a.bitmap[frame>>3] |= 1 << (frame & 7)
			a.usedFrames++
			return frame, nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// AllocFrames reserves count contiguous free frames above the low-memory
// limit and returns the first frame of the run. The scan examines individual
// bits so runs that straddle bitmap byte boundaries are found.
func (a *BitmapAllocator) AllocFrames(count uint64) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	a.lock.Acquire()
	defer a.lock.Release()

	var runLen uint64
	runStart := mm.InvalidFrame

	for frame := a.lowFrame(); uint64(frame) < a.totalFrames; frame++ {
		if a.isSetLocked(frame) {
			runLen, runStart = 0, mm.InvalidFrame
			continue
		}

		if runStart == mm.InvalidFrame {
			runStart = frame
		}
		if runLen++; runLen == count {
			for f := runStart; f <= frame; f++ {
				a.bitmap[f>>3] |= 1 << (f & 7)
				a.usedFrames++
			}
			return runStart, nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// lowFrame returns the first frame eligible for allocation.
func (a *BitmapAllocator) lowFrame() mm.Frame {
	return mm.FrameFromAddress(mm.LowMemoryLimit)
}

// TotalKb returns the size of the managed physical memory in KiB.
func (a *BitmapAllocator) TotalKb() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.totalFrames * 4
}

// UsedKb returns the amount of allocated physical memory in KiB.
func (a *BitmapAllocator) UsedKb() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.usedFrames * 4
}

// FreeKb returns the amount of allocatable physical memory in KiB.
func (a *BitmapAllocator) FreeKb() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	if a.totalFrames < a.usedFrames {
		return 0
	}
	return (a.totalFrames - a.usedFrames) * 4
}

// LogUsage emits the allocator's utilization counters, mirroring the memory
// map summary the kernel prints while booting.
func (a *BitmapAllocator) LogUsage(log logrus.FieldLogger) {
	log.WithFields(logrus.Fields{
		"total_kb": a.TotalKb(),
		"used_kb":  a.UsedKb(),
		"free_kb":  a.FreeKb(),
	}).Info("physical memory usage")
}
