// Package kheap implements the kernel heap: a block allocator over a
// reserved VA range, free-list buckets by power-of-two size class,
// first-fit within a bucket, split/coalesce, and a header-per-chunk
// layout. Grounded on the pack's runtime allocator
// (other_examples malloc.go)'s size-classed free-list design, generalized
// from Go's own tcmalloc-style buckets down to 32 size classes. Kmalloc
// and Kfree take an internal critical.Spinlock (acquired as CPU 0); they
// do not disable interrupts.
package kheap

import (
	"fmt"
	"unsafe"

	"github.com/vermillion-os/vkernel/internal/critical"
	"github.com/vermillion-os/vkernel/internal/kerr"
)

// NumSizes is the number of power-of-two size classes names.
const NumSizes = 32

// Align is the minimum allocation alignment.
const Align = 4

// MinSize is the smallest remainder a split is allowed to leave behind;
// smaller remainders stay attached to the allocated chunk instead of being
// split off into their own free chunk.
const MinSize = 16

// chunk is the per-allocation header. used is the tagged-variant
// discriminant calls for: when used is false, nextFree links the
// chunk into its size class's free list (the union's free-list arm); when
// used is true, [offset+headerSize, offset+headerSize+size) is live
// payload. All chunks are also linked in address order via prevAll/nextAll
// for coalescing.
type chunk struct {
	offset uint32 // byte offset of this header within the arena
	size uint32 // payload size, excluding this header
	used bool
	class int
	prevAll *chunk
	nextAll *chunk
	nextFree *chunk
}

const headerSize = 16

// Heap is the kernel heap allocator over a fixed-size arena, modeling the
// reserved [HEAP_START, HEAP_END) VA range names; the core
// maps this range via internal/vmm.Kmmap before constructing the Heap.
type Heap struct {
	lock *critical.Spinlock

	arena []byte

	all *chunk // head of the address-ordered list of all chunks
	free [NumSizes]*chunk

	byOffset map[uint32]*chunk
}

// New creates a Heap over arena, a byte slice the caller owns (typically
// backed by real frames mapped at a known VA).
func New(arena []byte) *Heap {
	h := &Heap{lock: critical.NewSpinlock(), arena: arena, byOffset: make(map[uint32]*chunk)}
	if uint32(len(arena)) <= headerSize {
		return h
	}
	c := &chunk{offset: 0, size: uint32(len(arena)) - headerSize}
	h.all = c
	h.byOffset[0] = c
	h.pushFree(c)
	return h
}

func classFor(size uint32) int {
	c := 0
	capSize := uint32(Align)
	for capSize < size && c < NumSizes-1 {
		capSize <<= 1
		c++
	}
	return c
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func (h *Heap) pushFree(c *chunk) {
	c.used = false
	c.class = classFor(c.size)
	c.nextFree = h.free[c.class]
	h.free[c.class] = c
}

func (h *Heap) removeFree(c *chunk) {
	slot := &h.free[c.class]
	for *slot != nil {
		if *slot == c {
			*slot = c.nextFree
			c.nextFree = nil
			return
		}
		slot = &(*slot).nextFree
	}
}

func (h *Heap) payload(c *chunk) []byte {
	start := c.offset + headerSize
	return h.arena[start : start+c.size : start+c.size]
}

// splitLocked carves a want-byte chunk out of the front of a free chunk c
// that is at least want bytes, leaving the remainder as a new free chunk
// when the remainder is large enough to be useful (>= MinSize+headerSize).
func (h *Heap) splitLocked(c *chunk, want uint32) {
	remaining := c.size - want
	if remaining < MinSize+headerSize {
		return
	}
	newOffset := c.offset + headerSize + want
	rest := &chunk{offset: newOffset, size: remaining - headerSize, prevAll: c, nextAll: c.nextAll}
	if c.nextAll != nil {
		c.nextAll.prevAll = rest
	}
	c.nextAll = rest
	c.size = want
	h.byOffset[newOffset] = rest
	h.pushFree(rest)
}

// Kmalloc allocates size bytes, first-fit within the smallest size class
// that could hold it, scanning progressively larger classes. kmalloc(0)
// returns nil per Over-large allocations (no chunk large
// enough) also return nil.
func (h *Heap) Kmalloc(size uint32) []byte {
	if size == 0 {
		return nil
	}
	size = alignUp(size, Align)

	lock := h.lock
	lock.Acquire(0)
	defer lock.Release(0)

	startClass := classFor(size)
	for c := startClass; c < NumSizes; c++ {
		for cur := h.free[c]; cur != nil; cur = cur.nextFree {
			if cur.size < size {
				continue
			}
			h.removeFree(cur)
			h.splitLocked(cur, size)
			cur.used = true
			return h.payload(cur)
		}
	}
	return nil
}

func (h *Heap) chunkForPayload(payload []byte) *chunk {
	if len(payload) == 0 || len(h.arena) == 0 {
		return nil
	}
	base := uintptr(unsafe.Pointer(&h.arena[0]))
	ptr := uintptr(unsafe.Pointer(&payload[0]))
	if ptr < base {
		return nil
	}
	start := uint32(ptr - base)
	if start < headerSize {
		return nil
	}
	return h.byOffset[start-headerSize]
}

// Kfree releases a block previously returned by Kmalloc, coalescing with
// address-adjacent free neighbors.
func (h *Heap) Kfree(payload []byte) error {
	if payload == nil {
		return nil
	}

	lock := h.lock
	lock.Acquire(0)
	defer lock.Release(0)

	c := h.chunkForPayload(payload)
	if c == nil || !c.used {
		return fmt.Errorf("kfree: %w", kerr.ErrIncorrectValue)
	}
	c.used = false

	if n := c.nextAll; n != nil && !n.used {
		h.removeFree(n)
		c.size += headerSize + n.size
		c.nextAll = n.nextAll
		if n.nextAll != nil {
			n.nextAll.prevAll = c
		}
		delete(h.byOffset, n.offset)
	}
	if p := c.prevAll; p != nil && !p.used {
		h.removeFree(p)
		p.size += headerSize + c.size
		p.nextAll = c.nextAll
		if c.nextAll != nil {
			c.nextAll.prevAll = p
		}
		delete(h.byOffset, c.offset)
		h.pushFree(p)
		return nil
	}

	h.pushFree(c)
	return nil
}

// FreeChunkCount reports the number of distinct free chunks remaining, for test
// assertions about coalescing behavior.
func (h *Heap) FreeChunkCount() int {
	n := 0
	for c := h.all; c != nil; c = c.nextAll {
		if !c.used {
			n++
		}
	}
	return n
}
