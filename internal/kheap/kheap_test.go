package kheap

import "testing"

func TestKmallocZeroReturnsNil(t *testing.T) {
	h := New(make([]byte, 4096))
	if got := h.Kmalloc(0); got != nil {
		t.Fatalf("Kmalloc(0) = %v, want nil", got)
	}
}

func TestKmallocOverLargeReturnsNil(t *testing.T) {
	h := New(make([]byte, 256))
	if got := h.Kmalloc(1 << 20); got != nil {
		t.Fatal("over-large Kmalloc should return nil")
	}
}

func TestKmallocWriteReadback(t *testing.T) {
	h := New(make([]byte, 4096))
	buf := h.Kmalloc(64)
	if buf == nil {
		t.Fatal("Kmalloc(64) returned nil")
	}
	if len(buf) < 64 {
		t.Fatalf("payload too small: %d", len(buf))
	}
	for i := range buf[:64] {
		buf[i] = 0xAB
	}
	for i := range buf[:64] {
		if buf[i] != 0xAB {
			t.Fatalf("readback mismatch at %d", i)
		}
	}
}

func TestKfreeCoalescesNeighbors(t *testing.T) {
	h := New(make([]byte, 4096))

	a := h.Kmalloc(32)
	b := h.Kmalloc(32)
	c := h.Kmalloc(32)
	if a == nil || b == nil || c == nil {
		t.Fatal("allocations failed")
	}

	if err := h.Kfree(a); err != nil {
		t.Fatalf("Kfree a: %v", err)
	}
	if err := h.Kfree(b); err != nil {
		t.Fatalf("Kfree b: %v", err)
	}
	// a and b are address-adjacent free chunks; freeing both should
	// coalesce them into one.
	if err := h.Kfree(c); err != nil {
		t.Fatalf("Kfree c: %v", err)
	}
	if got := h.FreeChunkCount(); got != 1 {
		t.Fatalf("free chunk count after coalescing = %d, want 1", got)
	}
}

func TestKfreeDoubleFreeRejected(t *testing.T) {
	h := New(make([]byte, 4096))
	buf := h.Kmalloc(16)
	if err := h.Kfree(buf); err != nil {
		t.Fatalf("first Kfree: %v", err)
	}
	if err := h.Kfree(buf); err == nil {
		t.Fatal("double free should be rejected")
	}
}
