// Package vmm implements the virtual memory / paging subsystem: two-level
// (directory + table) page tables, a kernel half identical across all
// address spaces, per-process address spaces with copy-on-write fork,
// mmap/munmap, stack regions, and the page-fault range-handler table.
//
// There is no MMU to program directly, so the directory/table structure is
// modeled as Go-native arrays of entries (present/writable/user/no-cache +
// physical frame base) rather than raw bytes — the same abstraction step
// other_examples.../Orizon's internal-runtime-kernel-vmm.go and
// tinyrange-cc's own internal/hv/riscv/rv64/mmu.go Sv39 walker take for
// their software MMU walkers, adapted here from a single-level Sv39-style
// walk to i386's directory+table format.
// Backing physical frames are real host memory via internal/pmm, and
// internal/kconfig.Config.EnforceHostProtection additionally drives
// unix.Mprotect on some committed frames: read-only Kmmap frames are made
// PROT_READ, and frames a COW fault makes writable are made
// PROT_READ|PROT_WRITE. User Mmap and fork's COW sharing apply no host
// protection.
package vmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/kerr"
	"github.com/vermillion-os/vkernel/internal/pmm"
)

const entriesPerTable = 1024

// kernelPDStart is the page-directory index at which the kernel half
// begins: KernelVirtBase (0xE000_0000) >> 22.
const kernelPDStart = kconfig.KernelVirtBase >> 22

type pte struct {
	present bool
	writable bool
	user bool
	noCache bool
	exec bool
	frame uint32 // physical frame base, valid iff present
}

type table struct {
	entries [entriesPerTable]pte
}

func pdIndex(va uint32) uint32 { return va >> 22 }
func ptIndex(va uint32) uint32 { return (va >> 12) & 0x3FF }

// FaultHandler is invoked when a registered virtual range takes a page
// fault with no present mapping.
type FaultHandler func(addr uint32, write bool) error

type faultRange struct {
	base, limit uint32
	handler FaultHandler
}

// faultHandlerTable is the ordered, pairwise-disjoint range table mapping
// a faulting address to its FaultHandler, shared by the kernel half and by
// each AddressSpace for its user half.
type faultHandlerTable struct {
	ranges []faultRange // kept sorted by base
}

func (t *faultHandlerTable) register(base, limit uint32, h FaultHandler) error {
	if base >= limit {
		return fmt.Errorf("register fault handler [%#x,%#x): %w", base, limit, kerr.ErrUnauthorizedAction)
	}
	idx := 0
	for idx < len(t.ranges) && t.ranges[idx].base < base {
		if t.ranges[idx].limit > base {
			return fmt.Errorf("register fault handler [%#x,%#x): %w", base, limit, kerr.ErrHandlerAlreadyExists)
		}
		idx++
	}
	if idx < len(t.ranges) && t.ranges[idx].base < limit {
		return fmt.Errorf("register fault handler [%#x,%#x): %w", base, limit, kerr.ErrHandlerAlreadyExists)
	}
	entry := faultRange{base, limit, h}
	t.ranges = append(t.ranges, faultRange{})
	copy(t.ranges[idx+1:], t.ranges[idx:])
	t.ranges[idx] = entry
	return nil
}

func (t *faultHandlerTable) lookup(addr uint32) FaultHandler {
	for _, r := range t.ranges {
		if addr >= r.base && addr < r.limit {
			return r.handler
		}
		if r.base > addr {
			break
		}
	}
	return nil
}

// KernelSpace holds the page tables shared verbatim across every process's
// address space.
type KernelSpace struct {
	frames *pmm.Manager
	cfg kconfig.Config

	tables [entriesPerTable - kernelPDStart]*table // indexed by pdIndex - kernelPDStart
	faults faultHandlerTable
}

// NewKernelSpace creates an empty kernel half over frames.
func NewKernelSpace(frames *pmm.Manager, cfg kconfig.Config) *KernelSpace {
	return &KernelSpace{frames: frames, cfg: cfg}
}

func (k *KernelSpace) tableFor(pd uint32, create bool) *table {
	i := pd - kernelPDStart
	if k.tables[i] == nil && create {
		k.tables[i] = &table{}
	}
	return k.tables[i]
}

func checkAligned(vaddr, size uint32) error {
	if size == 0 {
		return fmt.Errorf("size 0: %w", kerr.ErrIncorrectValue)
	}
	if vaddr&^kconfig.PageAlignMask != 0 || size&^kconfig.PageAlignMask != 0 {
		return fmt.Errorf("vaddr %#x size %#x: %w", vaddr, size, kerr.ErrAlignment)
	}
	return nil
}

// Kmmap allocates fresh frames and installs them at [vaddr, vaddr+size) in
// the kernel half. Fails MappingAlreadyExists if any touched page is
// already present.
func (k *KernelSpace) Kmmap(vaddr, size uint32, readOnly, exec bool) error {
	if err := checkAligned(vaddr, size); err != nil {
		return err
	}
	n := size / kconfig.PageSize
	for i := uint32(0); i < n; i++ {
		if k.entryAt(vaddr + i*kconfig.PageSize).present {
			return fmt.Errorf("kmmap %#x: %w", vaddr, kerr.ErrMappingAlreadyExists)
		}
	}
	base, err := k.frames.AllocFrames(n)
	if err != nil {
		return fmt.Errorf("kmmap %#x: %w", vaddr, err)
	}
	for i := uint32(0); i < n; i++ {
		k.setEntry(vaddr+i*kconfig.PageSize, pte{present: true, writable: !readOnly, exec: exec, frame: base + i*kconfig.PageSize})
	}
	if k.cfg.EnforceHostProtection && readOnly {
		_ = k.frames.Protect(base, n*kconfig.PageSize, unix.PROT_READ)
	}
	return nil
}

// KmmapHW maps [vaddr, vaddr+size) to an externally owned physical range
// paddr, with caching disabled.
func (k *KernelSpace) KmmapHW(vaddr, paddr, size uint32, readOnly, exec bool) error {
	if err := checkAligned(vaddr, size); err != nil {
		return err
	}
	n := size / kconfig.PageSize
	for i := uint32(0); i < n; i++ {
		if k.entryAt(vaddr + i*kconfig.PageSize).present {
			return fmt.Errorf("kmmap_hw %#x: %w", vaddr, kerr.ErrMappingAlreadyExists)
		}
	}
	for i := uint32(0); i < n; i++ {
		k.setEntry(vaddr+i*kconfig.PageSize, pte{present: true, writable: !readOnly, exec: exec, noCache: true, frame: paddr + i*kconfig.PageSize})
	}
	return nil
}

// Kmunmap unmaps [vaddr, vaddr+size), returning the frames to the pool.
// Fails MemoryNotMapped if any covered page is absent.
func (k *KernelSpace) Kmunmap(vaddr, size uint32) error {
	if err := checkAligned(vaddr, size); err != nil {
		return err
	}
	n := size / kconfig.PageSize
	for i := uint32(0); i < n; i++ {
		if !k.entryAt(vaddr + i*kconfig.PageSize).present {
			return fmt.Errorf("kmunmap %#x: %w", vaddr, kerr.ErrMemoryNotMapped)
		}
	}
	for i := uint32(0); i < n; i++ {
		e := k.entryAt(vaddr + i*kconfig.PageSize)
		if !e.noCache { // hw mappings own no frame refcount to release
			_, _ = k.frames.FrameRefDec(e.frame)
		}
		k.setEntry(vaddr+i*kconfig.PageSize, pte{})
	}
	return nil
}

// RegisterFaultHandler installs a kernel-half fault handler over
// [rng.Base, rng.Limit).
func (k *KernelSpace) RegisterFaultHandler(rng pmm.Range, h FaultHandler) error {
	return k.faults.register(rng.Base, rng.Limit, h)
}

func (k *KernelSpace) entryAt(va uint32) pte {
	t := k.tableFor(pdIndex(va), false)
	if t == nil {
		return pte{}
	}
	return t.entries[ptIndex(va)]
}

func (k *KernelSpace) setEntry(va uint32, e pte) {
	t := k.tableFor(pdIndex(va), true)
	t.entries[ptIndex(va)] = e
}

// Translate resolves a kernel-half va (>= KernelVirtBase) to (physical
// address, present, writable). User-half addresses are resolved through
// AddressSpace.Translate; KernelSpace holds no tables for them.
func (k *KernelSpace) Translate(va uint32) (phys uint32, present, writable bool) {
	e := k.entryAt(va)
	return e.frame + (va & ^kconfig.PageAlignMask), e.present, e.writable
}
