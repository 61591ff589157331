package ksync

import (
	"fmt"
	"sync"

	"github.com/vermillion-os/vkernel/internal/kerr"
	"github.com/vermillion-os/vkernel/internal/sched"
)

type mutexWaiter struct {
	tid uint32
	done chan error
}

// Mutex is the recursive, priority-elevating mutex : a CAS
// fast path for the uncontended case, a FIFO wait queue for the contended
// one, and an optional priority ceiling applied to whichever thread
// currently owns it.
type Mutex struct {
	mu sync.Mutex // the mutex's own "internal spinlock"
	id uint64

	sched *sched.Scheduler

	locked bool
	recursive bool
	ownerTID uint32
	nesting int

	hasCeiling bool
	ceiling uint8

	wait []mutexWaiter
	destroyed bool
}

func (m *Mutex) BlockerID() uint64 { return m.id }

// NewMutex creates an unlocked mutex. When hasCeiling is true, whichever
// thread holds the mutex has its effective priority raised to ceiling for
// as long as it holds it; recursive
// allows the owner to re-enter via Pend without blocking itself.
func NewMutex(s *sched.Scheduler, recursive bool, hasCeiling bool, ceiling uint8) *Mutex {
	return &Mutex{
		id: allocBlockerID(),
		sched: s,
		recursive: recursive,
		hasCeiling: hasCeiling,
		ceiling: ceiling,
	}
}

// Pend implements mutex_pend(m). It returns nil once
// callerTID holds the mutex, or ErrResourceDestroyed if the mutex is
// destroyed while callerTID waits.
func (m *Mutex) Pend(callerTID uint32) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return fmt.Errorf("mutex pend: %w", kerr.ErrResourceDestroyed)
	}

	if !m.locked {
		m.acquireLocked(callerTID)
		m.mu.Unlock()
		return nil
	}
	if m.recursive && m.ownerTID == callerTID {
		m.nesting++
		m.mu.Unlock()
		return nil
	}

	done := make(chan error, 1)
	m.wait = append(m.wait, mutexWaiter{tid: callerTID, done: done})
	m.mu.Unlock()

	if err := m.sched.Block(callerTID, m); err != nil {
		return fmt.Errorf("mutex pend: %w", err)
	}
	return <-done
}

// acquireLocked grants ownership to tid for the first time in this
// ownership episode (nesting 0 -> 1) and applies the priority ceiling, if
// any. Callers must hold m.mu.
func (m *Mutex) acquireLocked(tid uint32) {
	m.locked = true
	m.ownerTID = tid
	m.nesting = 1
	if m.hasCeiling {
		if t, ok := m.sched.Lookup(tid); ok {
			t.PushElevation(m.ceiling)
		}
	}
}

// Post implements mutex_post(m): dequeues the wait FIFO's head (if any)
// and hands it ownership, else fully unlocks. Reverts the posting thread's
// elevation once its nesting count reaches zero.
func (m *Mutex) Post(callerTID uint32) error {
	m.mu.Lock()
	if !m.locked || m.ownerTID != callerTID {
		m.mu.Unlock()
		return fmt.Errorf("mutex post: %w", kerr.ErrNoMutexBlocked)
	}

	m.nesting--
	if m.nesting > 0 {
		m.mu.Unlock()
		return nil
	}

	if m.hasCeiling {
		if t, ok := m.sched.Lookup(callerTID); ok {
			t.PopElevation()
		}
	}

	if len(m.wait) == 0 {
		m.locked = false
		m.ownerTID = 0
		m.mu.Unlock()
		return nil
	}

	head := m.wait[0]
	m.wait = m.wait[1:]
	m.acquireLocked(head.tid)
	m.mu.Unlock()

	if err := m.sched.WakeFrom(head.tid, callerTID); err != nil {
		return fmt.Errorf("mutex post: %w", err)
	}
	head.done <- nil
	return nil
}

// Destroy unblocks every waiter with ResourceDestroyed.
func (m *Mutex) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	waiters := m.wait
	m.wait = nil
	m.mu.Unlock()

	for _, w := range waiters {
		_ = m.sched.WakeFrom(w.tid, w.tid)
		w.done <- fmt.Errorf("mutex pend: %w", kerr.ErrResourceDestroyed)
	}
}
