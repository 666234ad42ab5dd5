package task

import (
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kitty744/Valen/kernel"
	"github.com/kitty744/Valen/kernel/hal"
	"github.com/kitty744/Valen/kernel/mm/heap"
	"github.com/kitty744/Valen/kernel/sync"
)

var (
	// ErrTaskNotFound is returned when the requested task ID does not
	// designate a live task.
	ErrTaskNotFound = &kernel.Error{Module: "task", Message: "no task with the requested id"}

	// ErrKillCurrent is returned when a kill request targets the
	// currently running task.
	ErrKillCurrent = &kernel.Error{Module: "task", Message: "refusing to kill the current task"}
)

// preemptInterval is the number of timer ticks between two deferred
// preemption requests (0.5s at the PIT's 50Hz).
const preemptInterval = 25

// Scheduler owns the circular run queue and performs round-robin context
// switching. Preemption is soft: the timer interrupt only raises a flag
// which is consumed at the next cooperative checkpoint, so a task that never
// yields is never involuntarily switched out.
//
// Lock discipline: the run-queue lock is always acquired before the
// current-task lock, neither is ever held across a context switch, and Tick
// runs from interrupt context without taking any lock at all.
type Scheduler struct {
	heap   *heap.Allocator
	ctxOps hal.ContextOps
	log    logrus.FieldLogger

	runqueueLock sync.Spinlock
	tasks        map[ID]*Task
	head         ID
	nextID       ID

	currentLock sync.Spinlock
	current     ID

	// Accessed atomically; Tick must not touch the locks above.
	tickCount    uint32
	needSchedule uint32
	tasksExist   uint32
}

// NewScheduler returns a scheduler that allocates task stacks from heapAlloc
// and switches contexts through ctxOps. A nil log discards the scheduler's
// task lifecycle messages.
func NewScheduler(heapAlloc *heap.Allocator, ctxOps hal.ContextOps, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Scheduler{
		heap:   heapAlloc,
		ctxOps: ctxOps,
		log:    log,
		tasks:  make(map[ID]*Task),
		head:   None,
		nextID: 1,
	}
}

// Create allocates a task record and its fixed-size stack, seeds the saved
// context so the first switch into the task calls entry, and inserts the
// task at the head of the run queue.
func (s *Scheduler) Create(entry func(), name string) (*Task, *kernel.Error) {
	stackAddr, err := s.heap.Alloc(StackSize)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = "unknown"
	} else if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}

	s.currentLock.Acquire()
	parent := s.current
	s.currentLock.Release()

	t := &Task{
		name:      name,
		state:     StateRunning,
		parent:    parent,
		stackAddr: stackAddr,
	}
	seedContext(&t.context, entry, stackAddr)

	s.runqueueLock.Acquire()
	t.id = s.nextID
	s.nextID++
	s.tasks[t.id] = t

	if s.head == None {
		t.next, t.prev = t.id, t.id
	} else {
		// Insert at the head of the circular queue.
		head := s.tasks[s.head]
		tail := s.tasks[head.prev]
		t.next = head.id
		t.prev = tail.id
		tail.next = t.id
		head.prev = t.id
	}
	s.head = t.id
	atomic.StoreUint32(&s.tasksExist, 1)
	s.runqueueLock.Release()

	return t, nil
}

// Schedule selects the next task in round-robin order (the queue head when
// no task is current) and switches to it. The very first switch has no
// outgoing context to save, so it performs a one-way jump instead of a
// save/restore pair. Schedule is a no-op when the queue is empty or the
// selected task is already running.
func (s *Scheduler) Schedule() {
	s.runqueueLock.Acquire()
	s.currentLock.Acquire()

	if s.head == None {
		s.currentLock.Release()
		s.runqueueLock.Release()
		return
	}

	old := s.tasks[s.current]

	var next *Task
	if old == nil {
		next = s.tasks[s.head]
	} else {
		next = s.tasks[old.next]
	}

	if next == nil || next == old {
		s.currentLock.Release()
		s.runqueueLock.Release()
		return
	}

	s.current = next.id

	// Both locks must be released before transferring control.
	s.currentLock.Release()
	s.runqueueLock.Release()

	if old != nil {
		s.ctxOps.Switch(&old.context, &next.context)
	} else {
		s.ctxOps.JumpTo(&next.context)
	}
}

// Tick is invoked from timer-interrupt context. It deliberately takes no
// locks: a lock held by the preempted task would deadlock the handler.
// Every preemptInterval ticks it raises the deferred-preemption flag which
// Yield consumes at the next cooperative checkpoint.
func (s *Scheduler) Tick() {
	if atomic.LoadUint32(&s.tasksExist) == 0 {
		return
	}

	if atomic.AddUint32(&s.tickCount, 1)%preemptInterval == 0 {
		atomic.StoreUint32(&s.needSchedule, 1)
	}
}

// Yield is the cooperative checkpoint called from task code. If a deferred
// preemption is pending it is consumed and the processor is handed to the
// next task.
func (s *Scheduler) Yield() {
	if atomic.CompareAndSwapUint32(&s.needSchedule, 1, 0) {
		s.Schedule()
	}
}

// Exit terminates the currently running task: the task turns Zombie, leaves
// the run queue, its stack is released exactly once and the next task is
// scheduled. Exit does not return to the caller's task context.
func (s *Scheduler) Exit(code int64) {
	s.runqueueLock.Acquire()
	s.currentLock.Acquire()

	t := s.tasks[s.current]
	if t == nil {
		s.currentLock.Release()
		s.runqueueLock.Release()
		return
	}

	t.state = StateZombie
	t.exitCode = code
	s.unlinkLocked(t)
	s.current = None

	s.currentLock.Release()
	s.runqueueLock.Release()

	s.log.WithFields(logrus.Fields{
		"pid":  t.id,
		"task": t.name,
		"code": code,
	}).Info("task exiting")

	s.heap.Free(t.stackAddr)
	s.Schedule()
}

// Kill terminates the task with the given ID. Killing the currently running
// task is refused with ErrKillCurrent and an unknown ID reports
// ErrTaskNotFound; in both cases the run queue is left untouched.
func (s *Scheduler) Kill(id ID) *kernel.Error {
	s.runqueueLock.Acquire()
	s.currentLock.Acquire()

	t := s.tasks[id]
	if t == nil {
		s.currentLock.Release()
		s.runqueueLock.Release()
		return ErrTaskNotFound
	}

	if id == s.current {
		s.currentLock.Release()
		s.runqueueLock.Release()
		return ErrKillCurrent
	}

	t.state = StateZombie
	s.unlinkLocked(t)

	s.currentLock.Release()
	s.runqueueLock.Release()

	s.log.WithFields(logrus.Fields{
		"pid":  t.id,
		"task": t.name,
	}).Info("task killed")

	s.heap.Free(t.stackAddr)
	return nil
}

// unlinkLocked removes a task from the run queue and the task arena. Both
// scheduler locks must be held.
func (s *Scheduler) unlinkLocked(t *Task) {
	if t.next == t.id {
		// Only task in the queue.
		s.head = None
		atomic.StoreUint32(&s.tasksExist, 0)
	} else {
		s.tasks[t.prev].next = t.next
		s.tasks[t.next].prev = t.prev
		if s.head == t.id {
			s.head = t.next
		}
	}

	t.next, t.prev = None, None
	delete(s.tasks, t.id)
}

// Find returns the task with the given ID or ErrTaskNotFound.
func (s *Scheduler) Find(id ID) (*Task, *kernel.Error) {
	s.runqueueLock.Acquire()
	t := s.tasks[id]
	s.runqueueLock.Release()

	if t == nil {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// Current returns the currently running task or nil when no task has been
// scheduled yet.
func (s *Scheduler) Current() *Task {
	s.runqueueLock.Acquire()
	s.currentLock.Acquire()
	t := s.tasks[s.current]
	s.currentLock.Release()
	s.runqueueLock.Release()
	return t
}

// CurrentID returns the ID of the currently running task, or None.
func (s *Scheduler) CurrentID() ID {
	s.currentLock.Acquire()
	id := s.current
	s.currentLock.Release()
	return id
}

// TaskCount returns the number of live tasks in the run queue.
func (s *Scheduler) TaskCount() int {
	s.runqueueLock.Acquire()
	count := len(s.tasks)
	s.runqueueLock.Release()
	return count
}

// Tasks returns a snapshot of the run queue in queue order starting at the
// head. It backs the console's process listing.
func (s *Scheduler) Tasks() []Info {
	s.runqueueLock.Acquire()
	defer s.runqueueLock.Release()

	if s.head == None {
		return nil
	}

	infos := make([]Info, 0, len(s.tasks))
	for id := s.head; ; {
		t := s.tasks[id]
		infos = append(infos, Info{ID: t.id, Name: t.name, State: t.state, Parent: t.parent})
		if id = t.next; id == s.head {
			break
		}
	}
	return infos
}
