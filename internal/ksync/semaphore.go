package ksync

import (
	"fmt"
	"sync"

	"github.com/vermillion-os/vkernel/internal/kerr"
	"github.com/vermillion-os/vkernel/internal/sched"
)

type semWaiter struct {
	tid uint32
	done chan error
}

// Semaphore is the FIFO counting semaphore : a signed
// level (negative means "N threads are waiting") and a FIFO of blocked
// waiters woken one at a time on Post.
type Semaphore struct {
	mu sync.Mutex
	id uint64

	sched *sched.Scheduler

	level int32
	wait []semWaiter
	destroyed bool
}

func (s *Semaphore) BlockerID() uint64 { return s.id }

// NewSemaphore creates a semaphore with the given initial level.
func NewSemaphore(s *sched.Scheduler, initialLevel int32) *Semaphore {
	return &Semaphore{id: allocBlockerID(), sched: s, level: initialLevel}
}

// Pend implements sem_pend(s): fetch_sub(level, 1); blocks if the result
// is negative.
func (s *Semaphore) Pend(callerTID uint32) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("semaphore pend: %w", kerr.ErrResourceDestroyed)
	}

	s.level--
	if s.level >= 0 {
		s.mu.Unlock()
		return nil
	}

	done := make(chan error, 1)
	s.wait = append(s.wait, semWaiter{tid: callerTID, done: done})
	s.mu.Unlock()

	if err := s.sched.Block(callerTID, s); err != nil {
		return fmt.Errorf("semaphore pend: %w", err)
	}
	return <-done
}

// Post implements sem_post(s): fetch_add(level, 1); wakes one waiter if
// the level was negative before the increment.
func (s *Semaphore) Post(callerTID uint32) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("semaphore post: %w", kerr.ErrResourceDestroyed)
	}

	prior := s.level
	s.level++
	if prior >= 0 {
		s.mu.Unlock()
		return nil
	}

	head := s.wait[0]
	s.wait = s.wait[1:]
	s.mu.Unlock()

	if err := s.sched.WakeFrom(head.tid, callerTID); err != nil {
		return fmt.Errorf("semaphore post: %w", err)
	}
	head.done <- nil
	return nil
}

// Destroy unblocks every waiter with ResourceDestroyed.
func (s *Semaphore) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	waiters := s.wait
	s.wait = nil
	s.mu.Unlock()

	for _, w := range waiters {
		_ = s.sched.WakeFrom(w.tid, w.tid)
		w.done <- fmt.Errorf("semaphore pend: %w", kerr.ErrResourceDestroyed)
	}
}
