// Package task implements the kernel's multitasking engine: task records in
// a circular run queue, cooperative round-robin scheduling and timer-driven
// deferred preemption.
package task

import "github.com/kitty744/Valen/kernel/hal"

// ID uniquely identifies a task for the lifetime of the kernel. IDs increase
// monotonically and are never reused.
type ID uint32

// None is the ID value designating the absence of a task.
const None = ID(0)

// State describes the lifecycle state of a task. Only the Running to Zombie
// transition is currently driven (via Exit or Kill); the blocking states are
// reserved extension points.
type State uint8

// Task lifecycle states.
const (
	StateRunning State = iota
	StateInterruptible
	StateUninterruptible
	StateZombie
	StateStopped
	StateTraced
)

var stateNames = [...]string{
	StateRunning:         "running",
	StateInterruptible:   "interruptible",
	StateUninterruptible: "uninterruptible",
	StateZombie:          "zombie",
	StateStopped:         "stopped",
	StateTraced:          "traced",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

const (
	// StackSize is the fixed size of the kernel stack owned by each task.
	StackSize = 8192

	// maxNameLen bounds the display name stored with each task.
	maxNameLen = 15

	// Kernel segment selectors and the initial flags register value
	// (interrupts enabled) seeded into every new context.
	kernelCS      = 0x08
	kernelSS      = 0x10
	initialRFLAGS = 0x202

	// calleeSavedWords is the number of zeroed register slots reserved on
	// a fresh stack for the restore path to pop.
	calleeSavedWords = 6
)

// Task is the scheduler's record for a single task: identity, lifecycle
// state, the saved execution context and the owned kernel stack. Tasks link
// into the circular run queue through ID handles rather than pointers.
type Task struct {
	id       ID
	name     string
	state    State
	exitCode int64

	// parent is a non-owning reference to the creating task.
	parent ID

	context   hal.Context
	stackAddr uintptr

	next, prev ID
}

// ID returns the task's unique identifier.
func (t *Task) ID() ID { return t.id }

// Name returns the task's display name.
func (t *Task) Name() string { return t.name }

// State returns the task's lifecycle state.
func (t *Task) State() State { return t.state }

// Parent returns the ID of the task that created this one, or None for tasks
// created before the scheduler ran its first task.
func (t *Task) Parent() ID { return t.parent }

// ExitCode returns the code passed to Exit. It is only meaningful once the
// task reached the Zombie state.
func (t *Task) ExitCode() int64 { return t.exitCode }

// Info is a copyable snapshot of a task's introspectable fields, surfaced to
// the console for its process listing.
type Info struct {
	ID     ID
	Name   string
	State  State
	Parent ID
}

// seedContext initializes the saved context of a fresh task so the first
// switch into it behaves as a direct call into entry with a clean register
// set and kernel segment selectors. The stack slots the restore path pops
// are already zero: heap pages come from zero-filled frames.
func seedContext(ctx *hal.Context, entry func(), stackAddr uintptr) {
	*ctx = hal.Context{
		CS:     kernelCS,
		SS:     kernelSS,
		RFLAGS: initialRFLAGS,
		Entry:  entry,
	}

	stackTop := (stackAddr + StackSize) & ^uintptr(0xF)
	ctx.RSP = uint64(stackTop - calleeSavedWords*8)
}
