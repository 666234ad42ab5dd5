package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/kitty744/Valen/kernel/hal"
	"github.com/kitty744/Valen/kernel/hal/bootinfo"
	"github.com/kitty744/Valen/kernel/mm/heap"
	"github.com/kitty744/Valen/kernel/mm/pmm"
	"github.com/kitty744/Valen/kernel/mm/vmm"
	"github.com/kitty744/Valen/kernel/task"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	memmapPath string
	taskCount  int
	iterations int
	timerHz    int
	debug      bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "Boot brings up the memory managers and runs a set of demo tasks"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - initialize the frame allocator, address space,
heap and scheduler, then run round-robin demo tasks to completion.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.memmapPath, "memmap", "", "path to a TOML memory map; a 256MiB default is used when empty")
	f.IntVar(&b.taskCount, "tasks", 3, "number of demo tasks to create")
	f.IntVar(&b.iterations, "iterations", 8, "work iterations per demo task")
	f.IntVar(&b.timerHz, "hz", 50, "timer tick frequency")
	f.BoolVar(&b.debug, "debug", false, "enable debug logging")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := logrus.New()
	if b.debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if b.taskCount < 1 || b.iterations < 1 || b.timerHz < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	memmap := bootinfo.Default()
	if b.memmapPath != "" {
		var err error
		if memmap, err = bootinfo.Load(b.memmapPath); err != nil {
			log.WithError(err).Error("could not load memory map")
			return subcommands.ExitFailure
		}
	}

	var frames pmm.BitmapAllocator
	frames.Init(memmap.TotalSize())
	memmap.Apply(&frames)
	frames.LogUsage(log)

	space := vmm.NewAddressSpace(hal.NewSimCPU(), hal.NewMemory(), &frames)
	space.Activate()

	heapAlloc := heap.New(space)
	if err := heapAlloc.Init(); err != nil {
		log.WithError(err).Error("heap initialization failed")
		return subcommands.ExitFailure
	}

	sched := task.NewScheduler(heapAlloc, hal.NewGoSwitch(), log)

	var wg sync.WaitGroup
	for i := 0; i < b.taskCount; i++ {
		name := fmt.Sprintf("demo-%d", i)
		wg.Add(1)
		if _, err := sched.Create(b.demoTask(log, heapAlloc, sched, &wg, name), name); err != nil {
			log.WithError(err).Error("could not create task")
			return subcommands.ExitFailure
		}
	}
	logTasks(log, sched)

	stopTimer := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(b.timerHz))
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sched.Tick()
			case <-stopTimer:
				return
			}
		}
	}()

	sched.Schedule()
	wg.Wait()
	close(stopTimer)

	frames.LogUsage(log)
	logHeapUsage(log, heapAlloc)
	return subcommands.ExitSuccess
}

// demoTask builds a task body that allocates heap memory, yields at its
// checkpoints and finally exits through the scheduler.
func (b *Boot) demoTask(log logrus.FieldLogger, heapAlloc *heap.Allocator, sched *task.Scheduler, wg *sync.WaitGroup, name string) func() {
	return func() {
		for i := 0; i < b.iterations; i++ {
			addr, err := heapAlloc.Alloc(256)
			if err != nil {
				log.WithError(err).WithField("task", name).Error("allocation failed")
				break
			}

			log.WithFields(logrus.Fields{
				"task": name,
				"iter": i,
				"addr": fmt.Sprintf("%#x", addr),
			}).Debug("checkpoint")

			time.Sleep(10 * time.Millisecond)
			sched.Yield()
			heapAlloc.Free(addr)
		}

		// Exit switches away for good, so the completion signal has to
		// fire first.
		wg.Done()
		sched.Exit(0)
	}
}

func logTasks(log logrus.FieldLogger, sched *task.Scheduler) {
	for _, info := range sched.Tasks() {
		log.WithFields(logrus.Fields{
			"pid":    info.ID,
			"name":   info.Name,
			"state":  info.State.String(),
			"parent": info.Parent,
		}).Info("task")
	}
}

func logHeapUsage(log logrus.FieldLogger, heapAlloc *heap.Allocator) {
	stats := heapAlloc.Stats()
	log.WithFields(logrus.Fields{
		"arena": stats.ArenaBytes,
		"live":  stats.LiveBytes,
		"free":  stats.FreeBytes,
		"nodes": stats.NodeCount,
	}).Info("heap usage")
}
