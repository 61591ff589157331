package critical

import (
	"testing"

	"github.com/vermillion-os/vkernel/internal/cpu"
)

type fakeRouter struct {
	enabled [4]bool
}

func newFakeRouter() *fakeRouter {
	r := &fakeRouter{}
	for i := range r.enabled {
		r.enabled[i] = true
	}
	return r
}

func (r *fakeRouter) Disable(id cpu.ID) bool {
	prev := r.enabled[id]
	r.enabled[id] = false
	return prev
}

func (r *fakeRouter) Restore(id cpu.ID, prev bool) {
	r.enabled[id] = prev
}

func TestEnterExitRestoresInterrupts(t *testing.T) {
	r := newFakeRouter()
	st := Enter(r, 0, nil)
	if r.enabled[0] {
		t.Fatal("interrupts should be disabled inside critical section")
	}
	Exit(r, st)
	if !r.enabled[0] {
		t.Fatal("interrupts should be restored after Exit")
	}
}

func TestSpinlockReentrant(t *testing.T) {
	l := NewSpinlock()
	r := newFakeRouter()

	outer := Enter(r, 0, l)
	inner := Enter(r, 0, l)
	if l.nesting != 2 {
		t.Fatalf("nesting = %d, want 2", l.nesting)
	}
	Exit(r, inner)
	if !l.hasOwner {
		t.Fatal("lock should still be held after releasing the inner nesting level")
	}
	Exit(r, outer)
	if l.hasOwner {
		t.Fatal("lock should be released once nesting reaches 0")
	}
}

func TestSpinlockDifferentCPUsBlock(t *testing.T) {
	l := NewSpinlock()
	l.Acquire(0)
	done := make(chan struct{})
	go func() {
		l.Acquire(1)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second CPU acquired lock held by CPU 0")
	default:
	}
	l.Release(0)
	<-done
	l.Release(1)
}
