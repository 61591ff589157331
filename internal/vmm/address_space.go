package vmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vermillion-os/vkernel/internal/cpu"
	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/kerr"
	"github.com/vermillion-os/vkernel/internal/klog"
	"github.com/vermillion-os/vkernel/internal/pmm"
)

// userSpaceLimit bounds the user half below the kernel half's VA base.
const userSpaceLimit = kconfig.KernelVirtBase

// AddressSpace is the per-process entity: the root page directory, the
// free-user-page list, the user-stack region, and the page-fault handler
// table. The kernel half's directory entries are the same *table pointers
// as the shared KernelSpace, so the kernel mapping stays identical across
// every address space by construction rather than by copying.
type AddressSpace struct {
	kernel *KernelSpace
	frames *pmm.Manager
	cfg kconfig.Config

	userTables [kernelPDStart]*table // private per-process user-half tables

	dirFrame uint32 // bookkeeping frame standing in for the page directory

	freeUser *pmm.RangeList
	stack pmm.Range
	faults faultHandlerTable
}

// NewAddressSpace creates a fresh address space with the entire user VA
// range free and no stack allocated yet.
func NewAddressSpace(kernel *KernelSpace, frames *pmm.Manager) (*AddressSpace, error) {
	dirFrame, err := frames.AllocFrames(1)
	if err != nil {
		return nil, fmt.Errorf("new address space: directory: %w", err)
	}
	as := &AddressSpace{
		kernel: kernel,
		frames: frames,
		cfg: kernel.cfg,
		dirFrame: dirFrame,
		freeUser: pmm.NewRangeList(),
	}
	as.freeUser.Insert(pmm.Range{Base: kconfig.UserVirtStart, Limit: userSpaceLimit})
	return as, nil
}

func (as *AddressSpace) tableFor(pd uint32, create bool) *table {
	if pd >= kernelPDStart {
		return as.kernel.tableFor(pd, create)
	}
	if as.userTables[pd] == nil && create {
		as.userTables[pd] = &table{}
	}
	return as.userTables[pd]
}

func (as *AddressSpace) entryAt(va uint32) pte {
	t := as.tableFor(pdIndex(va), false)
	if t == nil {
		return pte{}
	}
	return t.entries[ptIndex(va)]
}

func (as *AddressSpace) setEntry(va uint32, e pte) {
	t := as.tableFor(pdIndex(va), true)
	t.entries[ptIndex(va)] = e
}

// AllocPages draws n contiguous VA pages from the free-user-page list,
// either from the low end (default heap growth, fromEnd=false) or the high
// end (stack growth, fromEnd=true).
func (as *AddressSpace) AllocPages(n uint32, fromEnd bool) (uint32, error) {
	size := n * kconfig.PageSize
	var base uint32
	var ok bool
	if fromEnd {
		base, ok = as.freeUser.LastFit(size)
	} else {
		base, ok = as.freeUser.FirstFit(size)
	}
	if !ok {
		return 0, fmt.Errorf("alloc %d user pages: %w", n, kerr.ErrNoMoreFreeMemory)
	}
	return base, nil
}

// Mmap allocates fresh frames and maps them at [vaddr, vaddr+size) in the
// user half.
func (as *AddressSpace) Mmap(vaddr, size uint32, readOnly, exec bool) error {
	if err := checkAligned(vaddr, size); err != nil {
		return err
	}
	n := size / kconfig.PageSize
	for i := uint32(0); i < n; i++ {
		if as.entryAt(vaddr + i*kconfig.PageSize).present {
			return fmt.Errorf("mmap %#x: %w", vaddr, kerr.ErrMappingAlreadyExists)
		}
	}
	base, err := as.frames.AllocFrames(n)
	if err != nil {
		return fmt.Errorf("mmap %#x: %w", vaddr, err)
	}
	for i := uint32(0); i < n; i++ {
		as.setEntry(vaddr+i*kconfig.PageSize, pte{present: true, writable: !readOnly, user: true, exec: exec, frame: base + i*kconfig.PageSize})
	}
	return nil
}

// MmapDirect maps [vaddr, vaddr+size) to an externally owned physical
// range paddr. isHW disables caching and skips frame-refcount bookkeeping
// (the frame is assumed already declared via pmm.Manager.DeclareHW).
func (as *AddressSpace) MmapDirect(vaddr, paddr, size uint32, readOnly, exec, isHW bool) error {
	if err := checkAligned(vaddr, size); err != nil {
		return err
	}
	n := size / kconfig.PageSize
	for i := uint32(0); i < n; i++ {
		if as.entryAt(vaddr + i*kconfig.PageSize).present {
			return fmt.Errorf("mmap_direct %#x: %w", vaddr, kerr.ErrMappingAlreadyExists)
		}
	}
	for i := uint32(0); i < n; i++ {
		if !isHW {
			if err := as.frames.FrameRefInc(paddr + i*kconfig.PageSize); err != nil {
				return fmt.Errorf("mmap_direct %#x: %w", vaddr, err)
			}
		}
		as.setEntry(vaddr+i*kconfig.PageSize, pte{present: true, writable: !readOnly, user: true, exec: exec, noCache: isHW, frame: paddr + i*kconfig.PageSize})
	}
	return nil
}

// Munmap unmaps [vaddr, vaddr+size), decrements the refcount of each
// covered frame, and returns the range to the free-user-page list. Fails
// MemoryNotMapped if any covered page is absent.
func (as *AddressSpace) Munmap(vaddr, size uint32) error {
	if err := checkAligned(vaddr, size); err != nil {
		return err
	}
	n := size / kconfig.PageSize
	for i := uint32(0); i < n; i++ {
		if !as.entryAt(vaddr + i*kconfig.PageSize).present {
			return fmt.Errorf("munmap %#x: %w", vaddr, kerr.ErrMemoryNotMapped)
		}
	}
	for i := uint32(0); i < n; i++ {
		e := as.entryAt(vaddr + i*kconfig.PageSize)
		if !e.noCache {
			_, _ = as.frames.FrameRefDec(e.frame)
		}
		as.setEntry(vaddr+i*kconfig.PageSize, pte{})
		cpu.Invlpg(vaddr + i*kconfig.PageSize)
	}
	as.freeUser.Insert(pmm.Range{Base: vaddr, Limit: vaddr + size})
	return nil
}

// AllocStack allocates and maps a stack region of size bytes, drawing VA
// from the end of the free-user-page list. Returns the low address; the
// stack grows down from base+size.
func (as *AddressSpace) AllocStack(size uint32) (uint32, error) {
	if size == 0 || size > kconfig.MaxThreadStackSize || size&^kconfig.PageAlignMask != 0 {
		return 0, fmt.Errorf("alloc stack %#x: %w", size, kerr.ErrAlignment)
	}
	n := size / kconfig.PageSize
	base, err := as.AllocPages(n, true)
	if err != nil {
		return 0, fmt.Errorf("alloc stack: %w", err)
	}
	if err := as.Mmap(base, size, false, false); err != nil {
		return 0, fmt.Errorf("alloc stack: %w", err)
	}
	as.stack = pmm.Range{Base: base, Limit: base + size}
	return base, nil
}

// RegisterFaultHandler installs a user-half fault handler over
// [rng.Base, rng.Limit). HandlerAlreadyExists on overlap.
func (as *AddressSpace) RegisterFaultHandler(rng pmm.Range, h FaultHandler) error {
	return as.faults.register(rng.Base, rng.Limit, h)
}

// CopySelfMapping is the fork primitive: clones dst's
// kernel-half references, walks the source's user-present entries sharing
// writable pages as COW (clearing WRITE on both and incrementing the
// frame's refcount), and clones the free-user-page list.
func (as *AddressSpace) CopySelfMapping(dst *AddressSpace) error {
	for pd := uint32(0); pd < kernelPDStart; pd++ {
		srcTable := as.userTables[pd]
		if srcTable == nil {
			continue
		}
		dstTable := &table{}
		dst.userTables[pd] = dstTable
		for pt := 0; pt < entriesPerTable; pt++ {
			e := srcTable.entries[pt]
			if !e.present {
				continue
			}
			if e.writable {
				e.writable = false
				srcTable.entries[pt].writable = false
				if err := as.frames.FrameRefInc(e.frame); err != nil {
					return fmt.Errorf("copy self mapping: %w", err)
				}
			}
			dstTable.entries[pt] = e
		}
	}
	dst.freeUser = as.freeUser.Clone()
	dst.stack = as.stack
	// No host-level protection (EnforceHostProtection) is applied to the
	// pages this fork just flipped to read-only; HandleFault only ever
	// restores PROT_READ|PROT_WRITE on the frame it resolves.
	return nil
}

// Destroy tears down the address space: every present user entry has its
// frame refcount decremented (freeing frames that drop to 0), then the
// page-directory bookkeeping frame is released. This is the dual of
// CopySelfMapping, invoked when a process's last thread is reaped.
func (as *AddressSpace) Destroy() error {
	for pd := uint32(0); pd < kernelPDStart; pd++ {
		t := as.userTables[pd]
		if t == nil {
			continue
		}
		for pt := 0; pt < entriesPerTable; pt++ {
			e := t.entries[pt]
			if !e.present || e.noCache {
				continue
			}
			if _, err := as.frames.FrameRefDec(e.frame); err != nil {
				return fmt.Errorf("destroy address space: %w", err)
			}
		}
		as.userTables[pd] = nil
	}
	return as.frames.FreeFrames(as.dirFrame, 1)
}

// FaultOutcome classifies how HandleFault resolved a page fault.
type FaultOutcome int

const (
	// FaultResolved means a registered handler or the COW path handled
	// the fault; execution may resume.
	FaultResolved FaultOutcome = iota
	// FaultSegv means no handler and no COW applied: the faulting access
	// is illegal.
	FaultSegv
)

// HandleFault implements the page-fault handler, installed conceptually
// as vector 14: if the page is not present and the address
// falls in a registered fault range, the handler is invoked; if present
// and the fault is a write to a COW page, the frame is copied (or simply
// marked writable if it is no longer shared); otherwise the fault is
// unresolved.
func (as *AddressSpace) HandleFault(addr uint32, write bool) (FaultOutcome, error) {
	e := as.entryAt(addr)
	if !e.present {
		if h := as.faults.lookup(addr); h != nil {
			if err := h(addr, write); err != nil {
				return FaultSegv, err
			}
			return FaultResolved, nil
		}
		if h := as.kernel.faults.lookup(addr); h != nil {
			if err := h(addr, write); err != nil {
				return FaultSegv, err
			}
			return FaultResolved, nil
		}
		klog.Fault("unhandled page fault", "addr", addr, "write", write)
		return FaultSegv, nil
	}

	if !write || e.writable {
		if write {
			klog.Fault("write fault on a page that is already writable", "addr", addr)
		}
		return FaultSegv, nil
	}

	rc := as.frames.FrameRefCount(e.frame)
	if rc > 1 {
		newFrame, err := as.frames.AllocFrames(1)
		if err != nil {
			return FaultSegv, err
		}
		copy(as.frames.Bytes(newFrame, kconfig.PageSize), as.frames.Bytes(e.frame, kconfig.PageSize))
		if _, err := as.frames.FrameRefDec(e.frame); err != nil {
			return FaultSegv, err
		}
		as.setEntry(addr, pte{present: true, writable: true, user: true, exec: e.exec, frame: newFrame})
		cpu.Invlpg(addr)
		if as.cfg.EnforceHostProtection {
			_ = as.frames.Protect(newFrame, kconfig.PageSize, unix.PROT_READ|unix.PROT_WRITE)
		}
		return FaultResolved, nil
	}

	// refcount == 1 (or already freed, shouldn't happen for a present
	// entry): no longer shared, simply flip WRITE.
	e.writable = true
	as.setEntry(addr, e)
	cpu.Invlpg(addr)
	if as.cfg.EnforceHostProtection {
		_ = as.frames.Protect(e.frame, kconfig.PageSize, unix.PROT_READ|unix.PROT_WRITE)
	}
	return FaultResolved, nil
}

// StackRegion returns the currently allocated stack range.
func (as *AddressSpace) StackRegion() pmm.Range { return as.stack }

// Translate resolves a user or kernel VA in this address space.
func (as *AddressSpace) Translate(va uint32) (phys uint32, present, writable bool) {
	e := as.entryAt(va)
	return e.frame + (va & ^kconfig.PageAlignMask), e.present, e.writable
}
