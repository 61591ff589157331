// Package sched implements the scheduler: per-CPU priority/round-robin
// ready queues, a sleep queue, join/wait, fork/exit, and the
// thread/process tables. The scheduler is modeled as a pure state machine
// over TCBs/PCBs — dispatch decisions are bookkeeping over which TCB is
// current on a Core, not an actual instruction executor; cmd/vkernel-sim
// drives one goroutine per simulated CPU with golang.org/x/sync/errgroup
// to call Tick concurrently, the natural Go stand-in for independent
// per-CPU preemption.
package sched

import (
	"math"

	"github.com/vermillion-os/vkernel/internal/cpu"
	"github.com/vermillion-os/vkernel/internal/kconfig"
)

// State is a thread's scheduling state.
type State int

const (
	Ready State = iota
	Running
	Sleeping
	Blocked
	Zombie
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// TerminationCause distinguishes a normal exit from a fault-induced one.
type TerminationCause int

const (
	CauseNone TerminationCause = iota
	CauseExited
	CauseSegfault
	CauseResourceDestroyed
)

// NoWake is the wake-time sentinel for a thread that is not sleeping.
const NoWake = int64(math.MaxInt64)

// Blocker identifies the kind of object a Blocked thread is waiting on, so
// ResourceDestroyed cancellation
// can report the right cause without a type assertion at every call site.
type Blocker interface {
	// BlockerID distinguishes one mutex/semaphore/futex bucket from another
	// for diagnostics; it carries no behavior of its own.
	BlockerID() uint64
}

// TCB is the thread control block: scheduling state, priority, saved
// register image and kernel stack, and the process/join linkage a
// scheduler operation needs without consulting the PCB.
type TCB struct {
	TID uint32
	PID uint32 // owning process
	ParentPID uint32 // owning process's parent, cached for quick lookup

	State State

	BasePriority uint8 // 0 = highest... NumPriorities-1 = lowest
	elevation []uint8 // priority-elevation stack

	Regs cpu.Registers
	KernelStack []byte
	UserStackLow uint32 // 0 if none
	UserStackLen uint32

	WakeTimeNanos int64

	BlockObj Blocker
	JoinTarget uint32 // tid this thread is waitpid/join-blocked on, 0 if none

	ExitStatus int
	Cause TerminationCause

	Affinity cpu.ID

	// Intrusive linkage for the ready/sleep queues this TCB may be on.
	readyNext, readyPrev *TCB
	sleepNext *TCB

	// joiners holds tids of threads parked in Join on this TCB, woken when
	// it transitions to Zombie (Waitpid parks on PCB.waitpidWaiters
	// instead).
	joiners []uint32
}

// NewTCB builds a fresh, Ready TCB with a kernel stack and an
// init_thread_context register image.
func NewTCB(tid, pid, parentPID uint32, priority uint8, entry cpu.EntryFunc, arg uintptr, stackSize uint32) *TCB {
	if stackSize == 0 {
		stackSize = kconfig.ThreadKernelStackSize
	}
	stack := make([]byte, stackSize)
	t := &TCB{
		TID: tid,
		PID: pid,
		ParentPID: parentPID,
		State: Ready,
		BasePriority: priority,
		KernelStack: stack,
		WakeTimeNanos: NoWake,
	}
	stackTop := uint32(len(stack))
	t.Regs = cpu.InitThreadContext(entry, arg, stackTop)
	return t
}

// EffectivePriority returns the thread's current scheduling priority: the
// top of its elevation stack if non-empty (a mutex's priority-elevation
// ceiling it currently holds), else its base priority.
func (t *TCB) EffectivePriority() uint8 {
	if n := len(t.elevation); n > 0 {
		return t.elevation[n-1]
	}
	return t.BasePriority
}

// PushElevation records a new priority-elevation ceiling on this TCB.
func (t *TCB) PushElevation(ceiling uint8) {
	t.elevation = append(t.elevation, ceiling)
}

// PopElevation reverts the most recently pushed elevation.
func (t *TCB) PopElevation() {
	if n := len(t.elevation); n > 0 {
		t.elevation = t.elevation[:n-1]
	}
}
