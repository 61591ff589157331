package vmm

import (
	"testing"

	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/pmm"
)

func newTestManager(t *testing.T) *pmm.Manager {
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

func TestKmmapKmunmapRoundTripsPool(t *testing.T) {
	frames := newTestManager(t)
	k := NewKernelSpace(frames, kconfig.DefaultConfig())

	before := frames.TotalFree()
	const vaddr = 0xE100_0000
	const size = 0x3000

	if err := k.Kmmap(vaddr, size, false, false); err != nil {
		t.Fatalf("Kmmap: %v", err)
	}
	for i := uint32(0); i < size; i++ {
		phys, present, writable := k.Translate(vaddr + i)
		if !present || !writable {
			t.Fatalf("page at offset %d not present/writable", i)
		}
		frames.Bytes(phys&^0xFFF, kconfig.PageSize)[phys&0xFFF] = 0xAB
	}
	if err := k.Kmunmap(vaddr, size); err != nil {
		t.Fatalf("Kmunmap: %v", err)
	}
	if after := frames.TotalFree(); after != before {
		t.Fatalf("pool not restored: before=%d after=%d", before, after)
	}
}

func TestKmmapAlreadyMapped(t *testing.T) {
	frames := newTestManager(t)
	k := NewKernelSpace(frames, kconfig.DefaultConfig())
	if err := k.Kmmap(0xE100_0000, kconfig.PageSize, false, false); err != nil {
		t.Fatalf("Kmmap: %v", err)
	}
	if err := k.Kmmap(0xE100_0000, kconfig.PageSize, false, false); err == nil {
		t.Fatal("expected MappingAlreadyExists")
	}
}

func TestRegisterFaultHandlerOverlapRejected(t *testing.T) {
	frames := newTestManager(t)
	k := NewKernelSpace(frames, kconfig.DefaultConfig())
	noop := func(addr uint32, write bool) error { return nil }

	if err := k.RegisterFaultHandler(pmm.Range{Base: 0xE000_0000, Limit: 0xE000_1000}, noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := k.RegisterFaultHandler(pmm.Range{Base: 0xE000_0800, Limit: 0xE000_1800}, noop); err == nil {
		t.Fatal("expected HandlerAlreadyExists for overlapping range")
	}
	if err := k.RegisterFaultHandler(pmm.Range{Base: 0xE000_1000, Limit: 0xE000_2000}, noop); err != nil {
		t.Fatalf("adjacent non-overlapping range should register: %v", err)
	}
}

func TestForkCOWWriteIsPrivate(t *testing.T) {
	frames := newTestManager(t)
	k := NewKernelSpace(frames, kconfig.DefaultConfig())

	parent, err := NewAddressSpace(k, frames)
	if err != nil {
		t.Fatalf("NewAddressSpace parent: %v", err)
	}
	const vaddr = kconfig.UserVirtStart
	if err := parent.Mmap(vaddr, kconfig.PageSize, false, false); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	origPhys, _, _ := parent.Translate(vaddr)
	frames.Bytes(origPhys, 1)[0] = 0x11

	child, err := NewAddressSpace(k, frames)
	if err != nil {
		t.Fatalf("NewAddressSpace child: %v", err)
	}
	if err := parent.CopySelfMapping(child); err != nil {
		t.Fatalf("CopySelfMapping: %v", err)
	}

	if rc := frames.FrameRefCount(origPhys); rc != 2 {
		t.Fatalf("shared frame refcount = %d, want 2", rc)
	}
	if _, _, writable := parent.Translate(vaddr); writable {
		t.Fatal("parent's mapping should be read-only after fork (COW)")
	}
	if _, _, writable := child.Translate(vaddr); writable {
		t.Fatal("child's mapping should be read-only after fork (COW)")
	}

	outcome, err := parent.HandleFault(vaddr, true)
	if err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if outcome != FaultResolved {
		t.Fatalf("HandleFault outcome = %v, want FaultResolved", outcome)
	}
	newPhys, _, writable := parent.Translate(vaddr)
	if !writable {
		t.Fatal("parent's page should be writable after COW copy")
	}
	if newPhys == origPhys {
		t.Fatal("parent should have a private frame after COW copy")
	}
	frames.Bytes(newPhys, 1)[0] = 0x22

	childPhys, _, _ := child.Translate(vaddr)
	if frames.Bytes(childPhys, 1)[0] != 0x11 {
		t.Fatal("child's view of the page must be unchanged by parent's COW write")
	}
	if frames.FrameRefCount(childPhys) != 1 {
		t.Fatal("child's frame should no longer be shared after parent's COW copy")
	}
}

func TestHandleFaultSegvWithNoHandler(t *testing.T) {
	frames := newTestManager(t)
	k := NewKernelSpace(frames, kconfig.DefaultConfig())
	as, err := NewAddressSpace(k, frames)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	outcome, err := as.HandleFault(kconfig.UserVirtStart, true)
	if err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if outcome != FaultSegv {
		t.Fatalf("outcome = %v, want FaultSegv for unmapped, unregistered address", outcome)
	}
}

func TestAllocStackGrowsDown(t *testing.T) {
	frames := newTestManager(t)
	k := NewKernelSpace(frames, kconfig.DefaultConfig())
	as, err := NewAddressSpace(k, frames)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	base, err := as.AllocStack(2 * kconfig.PageSize)
	if err != nil {
		t.Fatalf("AllocStack: %v", err)
	}
	rng := as.StackRegion()
	if rng.Base != base || rng.Limit != base+2*kconfig.PageSize {
		t.Fatalf("stack region = %+v, base = %#x", rng, base)
	}
	if _, present, _ := as.Translate(base); !present {
		t.Fatal("stack low page not mapped")
	}
}
