// Package critical implements IRQ-save critical sections and the
// owner+nesting spinlock SMP critical sections build on. Modeled on the
// router's Disable/Restore pair (internal/irq.Router) plus cpu.PauseSpin
// for the acquire loop. The interrupts-off token is made explicit as a
// returned State value instead of an implicit global.
package critical

import (
	"sync"

	"github.com/vermillion-os/vkernel/internal/cpu"
)

// InterruptDisabler is the capability a critical section uses to save and
// restore a CPU's interrupt-enable state; internal/irq.Router satisfies it.
type InterruptDisabler interface {
	Disable(id cpu.ID) bool
	Restore(id cpu.ID, prev bool)
}

// Spinlock is {value, owner_cpu, nesting}: re-entrant by the owning CPU,
// released only when nesting reaches 0. value is the lock word CPUs spin
// on via cpu.PauseSpin; owner/hasOwner/nesting are bookkeeping read and
// written by whichever CPU currently holds the lock, guarded by mu so a
// CPU checking for re-entrancy never observes a half-written owner from
// the CPU that is concurrently acquiring or releasing.
type Spinlock struct {
	value uint32

	mu sync.Mutex
	owner cpu.ID
	hasOwner bool
	nesting int
}

// NewSpinlock returns an unlocked spinlock.
func NewSpinlock() *Spinlock { return &Spinlock{} }

// Acquire claims the lock for id, spinning if held by another CPU and
// re-entering (incrementing nesting) if already held by id.
func (s *Spinlock) Acquire(id cpu.ID) {
	s.mu.Lock()
	if s.hasOwner && s.owner == id {
		s.nesting++
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	cpu.PauseSpin(&s.value)

	s.mu.Lock()
	s.owner = id
	s.hasOwner = true
	s.nesting = 1
	s.mu.Unlock()
}

// Release decrements nesting; on reaching 0 it clears the owner and frees
// the lock word for another CPU to acquire.
func (s *Spinlock) Release(id cpu.ID) {
	s.mu.Lock()
	if !s.hasOwner || s.owner != id {
		s.mu.Unlock()
		return
	}
	s.nesting--
	if s.nesting > 0 {
		s.mu.Unlock()
		return
	}
	s.hasOwner = false
	s.mu.Unlock()
	cpu.AtomicStore32(&s.value, 0)
}

// State is the token returned by Enter and consumed by Exit: the prior
// interrupt-enable state of the calling CPU, captured so re-entrant critical
// sections restore the correct value rather than unconditionally enabling
// interrupts.
type State struct {
	cpuID cpu.ID
	prevIRQs bool
	lock *Spinlock
}

// Enter disables interrupts on id (saving the prior enable state) then, if
// lock is non-nil, acquires it. Re-entry by the same CPU on the same lock
// only increments the lock's nesting count — enter_critical cannot deadlock
// the holder against itself on the same CPU.
func Enter(router InterruptDisabler, id cpu.ID, lock *Spinlock) State {
	prev := router.Disable(id)
	if lock != nil {
		lock.Acquire(id)
	}
	return State{cpuID: id, prevIRQs: prev, lock: lock}
}

// Exit releases the lock captured by Enter (if any) and restores the
// interrupt-enable state Enter observed.
func Exit(router InterruptDisabler, st State) {
	if st.lock != nil {
		st.lock.Release(st.cpuID)
	}
	router.Restore(st.cpuID, st.prevIRQs)
}
