package hal

import "github.com/kitty744/Valen/kernel/sync"

// Context holds the saved execution state of a task: the full general
// purpose register file, the stack pointer, the kernel segment selectors and
// the flags register. On real hardware the instruction pointer would be part
// of this set; in the simulated backend the Entry function stands in for it.
type Context struct {
	R15, R14, R13, R12 uint64
	R11, R10, R9, R8   uint64
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64

	RSP    uint64
	RFLAGS uint64
	CS, SS uint64

	// Entry is the simulated instruction pointer: the function this
	// context transfers control to.
	Entry func()
}

// ContextOps abstracts the context-switch primitives. On real hardware both
// operations are implemented by a small assembly shim; the simulated backend
// implements them with goroutines.
type ContextOps interface {
	// Switch saves the outgoing context and restores the incoming one,
	// transferring control to it. It returns when the outgoing context is
	// eventually switched back in.
	Switch(prev, next *Context)

	// JumpTo transfers control to the incoming context without saving any
	// outgoing state. It is used for the very first switch where there is
	// no prior frame to save into.
	JumpTo(next *Context)
}

// goContext tracks the simulation state of a single Context.
type goContext struct {
	started bool
	resume  chan struct{}
}

// GoSwitch implements ContextOps on top of goroutines: each context is backed
// by one goroutine which is parked on a channel while it is switched out.
//
// The backend approximates a single logical processor: between resuming the
// incoming context and parking the outgoing one both goroutines are briefly
// runnable. Contexts that are switched out and never switched back in (for
// example a killed task) stay parked until the process exits.
type GoSwitch struct {
	lock     sync.Spinlock
	contexts map[*Context]*goContext
}

// NewGoSwitch returns a goroutine-backed context switcher.
func NewGoSwitch() *GoSwitch {
	return &GoSwitch{
		contexts: make(map[*Context]*goContext),
	}
}

func (g *GoSwitch) ctx(c *Context) *goContext {
	gc := g.contexts[c]
	if gc == nil {
		gc = &goContext{resume: make(chan struct{}, 1)}
		g.contexts[c] = gc
	}
	return gc
}

// transfer starts the incoming context's goroutine on first entry or unparks
// it otherwise.
func (g *GoSwitch) transfer(next *Context) {
	g.lock.Acquire()
	nc := g.ctx(next)
	started := nc.started
	nc.started = true
	g.lock.Release()

	if !started {
		go next.Entry()
		return
	}
	nc.resume <- struct{}{}
}

// Switch implements ContextOps.
func (g *GoSwitch) Switch(prev, next *Context) {
	g.lock.Acquire()
	pc := g.ctx(prev)
	// The outgoing context is the one running this call.
	pc.started = true
	g.lock.Release()

	g.transfer(next)
	<-pc.resume
}

// JumpTo implements ContextOps. The calling context is abandoned: the call
// returns immediately and the caller must not touch scheduler state again.
func (g *GoSwitch) JumpTo(next *Context) {
	g.transfer(next)
}
