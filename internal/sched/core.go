package sched

import (
	"sync"

	"github.com/vermillion-os/vkernel/internal/cpu"
)

// Core is the per-CPU scheduling state: ready queue, sleep queue, current
// thread, and the idle thread that runs when nothing else is ready
//. All per-CPU data is accessed only while this Core's
// mutex is held, standing in for "accessed only with that CPU's interrupts
// disabled; no lock needed on UP builds" — a hosted scheduler
// has more than one goroutine able to call Tick concurrently even for a
// single simulated CPU, so the mutex keeps the single-owner invariant real
// instead of assumed.
type Core struct {
	ID cpu.ID

	mu sync.Mutex

	ready readyQueue
	sleep sleepQueue

	current *TCB
	idle *TCB

	// Controls is this Core's software CR0/CR2/CR3/CR4 file. Tick loads
	// CR3 from the dispatched thread's saved register image, the same
	// point a real core reloads CR3 on a context switch.
	Controls cpu.ControlRegisters

	sliceRemaining int

	ticks uint64
	idleCount uint64
	dispatchCount uint64
}

// Stats is the idle/load observability surface: idle schedule count,
// dispatch count, and ready-queue depth per priority band.
type Stats struct {
	Ticks uint64
	IdleCount uint64
	DispatchCount uint64
	ReadyByPriority [64]int
}

// Stats returns a snapshot of this Core's counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	s.Ticks = c.ticks
	s.IdleCount = c.idleCount
	s.DispatchCount = c.dispatchCount
	for p := 0; p < len(s.ReadyByPriority); p++ {
		s.ReadyByPriority[p] = c.ready.lenAt(uint8(p))
	}
	return s
}

// Current returns the thread currently marked Running on this Core (the
// idle thread if Tick found nothing else Ready). It returns nil if that
// thread has since slept, blocked or exited and no Tick has run since.
func (c *Core) Current() *TCB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ReadyLen returns the number of ready threads on this Core, used by the
// scheduler's least-loaded SMP placement policy.
func (c *Core) ReadyLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready.len()
}
