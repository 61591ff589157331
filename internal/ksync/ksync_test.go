package ksync

import (
	"errors"
	"runtime"
	"testing"

	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/kerr"
	"github.com/vermillion-os/vkernel/internal/pmm"
	"github.com/vermillion-os/vkernel/internal/sched"
	"github.com/vermillion-os/vkernel/internal/vmm"
)

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	entries := []pmm.MemoryMapEntry{
		{Base: 0x100000, Length: 0x4000000, Usable: true},
	}
	frames, err := pmm.NewManager(entries, pmm.Range{}, kconfig.DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { frames.Close() })

	cfg := kconfig.DefaultConfig()
	kernel := vmm.NewKernelSpace(frames, cfg)
	return sched.New(cfg, kernel, frames, nil)
}

func noopEntry(uintptr) {}

func mustThread(t *testing.T, s *sched.Scheduler, priority uint8) uint32 {
	t.Helper()
	tcb, err := s.CreateKernelThread(0, priority, noopEntry)
	if err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}
	return tcb.TID
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		if cond() {
			return
		}
		runtime.Gosched()
	}
	t.Fatal("condition never became true")
}

func TestMutexUncontendedPendPost(t *testing.T) {
	s := newTestScheduler(t)
	tid := mustThread(t, s, 10)
	m := NewMutex(s, false, false, 0)

	if err := m.Pend(tid); err != nil {
		t.Fatalf("Pend: %v", err)
	}
	if !m.locked || m.ownerTID != tid {
		t.Fatalf("expected owner %d to hold the mutex", tid)
	}
	if err := m.Post(tid); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if m.locked {
		t.Fatal("expected mutex unlocked after single post")
	}
}

func TestMutexRecursiveNesting(t *testing.T) {
	s := newTestScheduler(t)
	tid := mustThread(t, s, 10)
	m := NewMutex(s, true, false, 0)

	if err := m.Pend(tid); err != nil {
		t.Fatalf("Pend 1: %v", err)
	}
	if err := m.Pend(tid); err != nil {
		t.Fatalf("Pend 2 (re-entrant): %v", err)
	}
	if m.nesting != 2 {
		t.Fatalf("nesting = %d, want 2", m.nesting)
	}
	if err := m.Post(tid); err != nil {
		t.Fatalf("Post 1: %v", err)
	}
	if !m.locked {
		t.Fatal("expected mutex still held after first post of a nested acquire")
	}
	if err := m.Post(tid); err != nil {
		t.Fatalf("Post 2: %v", err)
	}
	if m.locked {
		t.Fatal("expected mutex released once nesting reaches 0")
	}
}

func TestMutexPriorityElevation(t *testing.T) {
	s := newTestScheduler(t)
	tid := mustThread(t, s, 30)
	m := NewMutex(s, false, true, 5)

	tcb, _ := s.Lookup(tid)
	if tcb.EffectivePriority() != 30 {
		t.Fatalf("expected base priority 30 before acquire, got %d", tcb.EffectivePriority())
	}

	if err := m.Pend(tid); err != nil {
		t.Fatalf("Pend: %v", err)
	}
	if tcb.EffectivePriority() != 5 {
		t.Fatalf("expected elevated priority 5 while holding mutex, got %d", tcb.EffectivePriority())
	}

	if err := m.Post(tid); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if tcb.EffectivePriority() != 30 {
		t.Fatalf("expected priority reverted to 30 after post, got %d", tcb.EffectivePriority())
	}
}

func TestMutexContendedFIFOWakeOrder(t *testing.T) {
	s := newTestScheduler(t)
	owner := mustThread(t, s, 10)
	waiterA := mustThread(t, s, 10)
	waiterB := mustThread(t, s, 10)
	m := NewMutex(s, false, false, 0)

	if err := m.Pend(owner); err != nil {
		t.Fatalf("owner Pend: %v", err)
	}

	resultA := make(chan error, 1)
	resultB := make(chan error, 1)
	go func() { resultA <- m.Pend(waiterA) }()
	waitUntil(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.wait) == 1
	})
	go func() { resultB <- m.Pend(waiterB) }()
	waitUntil(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.wait) == 2
	})

	if err := m.Post(owner); err != nil {
		t.Fatalf("owner Post: %v", err)
	}
	if err := <-resultA; err != nil {
		t.Fatalf("waiterA Pend result: %v", err)
	}
	if m.ownerTID != waiterA {
		t.Fatalf("expected waiterA to own the mutex next (FIFO), got tid %d", m.ownerTID)
	}

	if err := m.Post(waiterA); err != nil {
		t.Fatalf("waiterA Post: %v", err)
	}
	if err := <-resultB; err != nil {
		t.Fatalf("waiterB Pend result: %v", err)
	}
	if m.ownerTID != waiterB {
		t.Fatalf("expected waiterB to own the mutex last (FIFO), got tid %d", m.ownerTID)
	}
}

func TestMutexDestroyUnblocksWaiters(t *testing.T) {
	s := newTestScheduler(t)
	owner := mustThread(t, s, 10)
	waiter := mustThread(t, s, 10)
	m := NewMutex(s, false, false, 0)

	if err := m.Pend(owner); err != nil {
		t.Fatalf("owner Pend: %v", err)
	}
	result := make(chan error, 1)
	go func() { result <- m.Pend(waiter) }()
	waitUntil(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.wait) == 1
	})

	m.Destroy()

	err := <-result
	if err == nil {
		t.Fatal("expected ResourceDestroyed for the blocked waiter")
	}
	if !errors.Is(err, kerr.ErrResourceDestroyed) {
		t.Fatalf("expected ErrResourceDestroyed, got %v", err)
	}
}

func TestSemaphoreBlocksWhenExhausted(t *testing.T) {
	s := newTestScheduler(t)
	tid := mustThread(t, s, 10)
	waiterTID := mustThread(t, s, 10)
	sem := NewSemaphore(s, 1)

	if err := sem.Pend(tid); err != nil {
		t.Fatalf("first Pend: %v", err)
	}

	result := make(chan error, 1)
	go func() { result <- sem.Pend(waiterTID) }()
	waitUntil(t, func() bool {
		sem.mu.Lock()
		defer sem.mu.Unlock()
		return len(sem.wait) == 1
	})

	select {
	case <-result:
		t.Fatal("second pend should still be blocked")
	default:
	}

	if err := sem.Post(tid); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := <-result; err != nil {
		t.Fatalf("waiter result: %v", err)
	}
}

func TestSemaphoreDestroyUnblocksWaiters(t *testing.T) {
	s := newTestScheduler(t)
	waiterTID := mustThread(t, s, 10)
	sem := NewSemaphore(s, 0)

	result := make(chan error, 1)
	go func() { result <- sem.Pend(waiterTID) }()
	waitUntil(t, func() bool {
		sem.mu.Lock()
		defer sem.mu.Unlock()
		return len(sem.wait) == 1
	})

	sem.Destroy()
	err := <-result
	if !errors.Is(err, kerr.ErrResourceDestroyed) {
		t.Fatalf("expected ErrResourceDestroyed, got %v", err)
	}
}

func TestFutexWaitReturnsWouldBlockOnMismatch(t *testing.T) {
	s := newTestScheduler(t)
	frames := newTestFramesForFutex(t)
	ft := NewFutexTable(frames, s)

	phys, err := frames.AllocFrames(1)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	tid := mustThread(t, s, 10)

	if err := ft.Wait(tid, phys, 42); !errors.Is(err, kerr.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestFutexWaitWakeRoundTrip(t *testing.T) {
	s := newTestScheduler(t)
	frames := newTestFramesForFutex(t)
	ft := NewFutexTable(frames, s)

	phys, err := frames.AllocFrames(1)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	waiterTID := mustThread(t, s, 10)
	wakerTID := mustThread(t, s, 10)

	result := make(chan error, 1)
	go func() { result <- ft.Wait(waiterTID, phys, 0) }()
	waitUntil(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.buckets[phys]) == 1
	})

	woken, err := ft.Wake(wakerTID, phys, 1)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if woken != 1 {
		t.Fatalf("expected 1 woken, got %d", woken)
	}
	if err := <-result; err != nil {
		t.Fatalf("Wait result: %v", err)
	}
}

func newTestFramesForFutex(t *testing.T) *pmm.Manager {
	t.Helper()
	entries := []pmm.MemoryMapEntry{
		{Base: 0x100000, Length: 0x4000000, Usable: true},
	}
	m, err := pmm.NewManager(entries, pmm.Range{}, kconfig.DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

