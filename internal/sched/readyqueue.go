package sched

import (
	"math/bits"

	"github.com/vermillion-os/vkernel/internal/kconfig"
)

// readyQueue is the per-CPU priority-indexed array of FIFO lists plus a
// non-empty-priority bitmap of kconfig.NumPriorities (64) fits
// exactly in one uint64 word, so the bitmap is a single machine word rather
// than a slice.
type readyQueue struct {
	heads [kconfig.NumPriorities]*TCB
	tails [kconfig.NumPriorities]*TCB
	bitmap uint64
	lens [kconfig.NumPriorities]int
}

// pushTail enqueues t at the tail of its effective priority's FIFO list —
// "a thread just made Ready is enqueued at tail".
func (q *readyQueue) pushTail(t *TCB) {
	p := t.EffectivePriority()
	t.readyNext = nil
	t.readyPrev = q.tails[p]
	if q.tails[p] != nil {
		q.tails[p].readyNext = t
	} else {
		q.heads[p] = t
	}
	q.tails[p] = t
	q.lens[p]++
	q.bitmap |= 1 << p
}

// popHighest removes and returns the head of the highest non-empty
// priority band (lowest numeric priority wins). Returns nil if every band
// is empty.
func (q *readyQueue) popHighest() *TCB {
	if q.bitmap == 0 {
		return nil
	}
	p := bits.TrailingZeros64(q.bitmap)
	return q.popFrom(uint8(p))
}

// popFrom removes and returns the head of priority band p specifically
// (used to pull a thread out of the queue when it is unblocked/destroyed
// out of band).
func (q *readyQueue) popFrom(p uint8) *TCB {
	t := q.heads[p]
	if t == nil {
		return nil
	}
	q.remove(t)
	return t
}

// remove excises t from whichever band it is linked into. t must currently
// be linked in this queue (it is the caller's responsibility to know
// which).
func (q *readyQueue) remove(t *TCB) {
	p := t.EffectivePriority()
	if t.readyPrev != nil {
		t.readyPrev.readyNext = t.readyNext
	} else {
		q.heads[p] = t.readyNext
	}
	if t.readyNext != nil {
		t.readyNext.readyPrev = t.readyPrev
	} else {
		q.tails[p] = t.readyPrev
	}
	t.readyNext, t.readyPrev = nil, nil
	q.lens[p]--
	if q.lens[p] == 0 {
		q.bitmap &^= 1 << p
	}
}

// len returns the total number of ready threads across all bands, used for
// SMP least-loaded placement.
func (q *readyQueue) len() int {
	n := 0
	for _, l := range q.lens {
		n += l
	}
	return n
}

// lenAt returns the number of ready threads at priority band p, exposed
// through Core.Stats for idle/load observability.
func (q *readyQueue) lenAt(p uint8) int { return q.lens[p] }
