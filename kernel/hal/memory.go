package hal

import (
	"github.com/kitty744/Valen/kernel/mm"
	"github.com/kitty744/Valen/kernel/sync"
)

// Memory models the machine's physical memory as a sparse set of 4KiB
// frames. Frames are materialized (zero-filled) the first time they are
// touched, so a multi-gigabyte physical address space costs only as much host
// memory as the frames actually in use.
type Memory struct {
	lock   sync.Spinlock
	frames map[mm.Frame]*[mm.PageSize]byte
}

// NewMemory returns an empty physical memory.
func NewMemory() *Memory {
	return &Memory{
		frames: make(map[mm.Frame]*[mm.PageSize]byte),
	}
}

// Frame returns the backing storage for a physical frame, materializing it if
// this is the first access. Fresh frames are always zero-filled.
func (m *Memory) Frame(frame mm.Frame) *[mm.PageSize]byte {
	m.lock.Acquire()
	data := m.frames[frame]
	if data == nil {
		data = new([mm.PageSize]byte)
		m.frames[frame] = data
	}
	m.lock.Release()
	return data
}

// FrameCount returns the number of frames that have been materialized.
func (m *Memory) FrameCount() int {
	m.lock.Acquire()
	count := len(m.frames)
	m.lock.Release()
	return count
}
