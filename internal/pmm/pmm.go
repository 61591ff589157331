// Package pmm implements the physical frame manager : range
// lists over the multiboot memory map, first-fit contiguous allocation,
// hardware-region declaration, and frame refcounting for copy-on-write.
//
// Physical memory is backed by a real host arena obtained with
// golang.org/x/sys/unix.Mmap, the same substitution tinyrange-cc's hv backends make when
// internal/hv/kvm and internal/hv/hvf back guest RAM with host memory rather
// than touching real DRAM — so frame contents, COW copies, and zeroing are
// exercised as real byte operations instead of symbolic placeholders.
package pmm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/kerr"
)

// hwRefcount marks a frame as a permanent hardware region.
const hwRefcount = -1

// MemoryMapEntry mirrors the multiboot memory-map entry names:
// {base, length, type}.
type MemoryMapEntry struct {
	Base uint64
	Length uint64
	Usable bool
}

// Manager is the physical frame manager: a free-frame range list plus a
// physical-frame-index -> refcount table, backed by a real mmap'd arena so allocated frames are addressable
// host memory.
type Manager struct {
	mu sync.Mutex

	free *RangeList

	arenaBase uint64 // lowest physical address the arena covers
	arena []byte // host-backed memory for [arenaBase, arenaBase+len(arena))

	refcount map[uint32]int32 // frame index -> refcount; hwRefcount for hardware
	zeroFree bool
}

// NewManager builds the free-frame pool from a multiboot-style memory map.
// Usable entries become free-frame ranges; everything else is left
// unmapped (never allocatable). reservedKernel is excised from the usable
// ranges (the loaded kernel image occupies it and must not be handed out).
func NewManager(entries []MemoryMapEntry, reservedKernel Range, cfg kconfig.Config) (*Manager, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("memory map: %w", kerr.ErrIncorrectValue)
	}

	var lo, hi uint64
	lo = ^uint64(0)
	for _, e := range entries {
		if !e.Usable {
			continue
		}
		base := alignUp64(e.Base)
		limit := alignDown64(e.Base + e.Length)
		if limit <= base {
			continue
		}
		if base < lo {
			lo = base
		}
		if limit > hi {
			hi = limit
		}
	}
	if hi <= lo {
		return nil, fmt.Errorf("memory map has no usable range: %w", kerr.ErrIncorrectValue)
	}

	arena, err := unix.Mmap(-1, 0, int(hi-lo), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap physical arena: %w", err)
	}

	m := &Manager{
		free: NewRangeList(),
		arenaBase: lo,
		arena: arena,
		refcount: make(map[uint32]int32),
		zeroFree: cfg.ZeroFreedFrames,
	}

	for _, e := range entries {
		if !e.Usable {
			continue
		}
		base := alignUp64(e.Base)
		limit := alignDown64(e.Base + e.Length)
		if limit <= base {
			continue
		}
		m.free.Insert(Range{uint32(base - lo), uint32(limit - lo)})
	}

	if reservedKernel.Limit > reservedKernel.Base {
		m.removeLocked(reservedKernel)
	}

	for off := uint64(0); off < uint64(len(arena)); off += kconfig.PageSize {
		m.refcount[m.frameIndexLocked(lo+off)] = 0
	}

	return m, nil
}

func alignUp64(v uint64) uint64 { return (v + kconfig.PageSize - 1) &^ (kconfig.PageSize - 1) }
func alignDown64(v uint64) uint64 { return v &^ (kconfig.PageSize - 1) }

// removeLocked excises r from the free list by reinserting the complement
// of r against every overlapping range. Used once at init to carve the
// kernel image out of the usable map.
func (m *Manager) removeLocked(r Range) {
	ranges := m.free.Ranges()
	m.free = NewRangeList()
	for _, cur := range ranges {
		if r.Limit <= cur.Base || r.Base >= cur.Limit {
			m.free.Insert(cur)
			continue
		}
		if cur.Base < r.Base {
			m.free.Insert(Range{cur.Base, r.Base})
		}
		if cur.Limit > r.Limit {
			m.free.Insert(Range{r.Limit, cur.Limit})
		}
	}
}

func (m *Manager) frameIndexLocked(phys uint64) uint32 {
	return uint32((phys - m.arenaBase) / kconfig.PageSize)
}

// Base returns the lowest physical address the arena covers (offsets
// returned by AllocFrames are relative to this base).
func (m *Manager) Base() uint32 { return uint32(m.arenaBase) }

// TotalFree returns the number of free bytes remaining in the pool.
func (m *Manager) TotalFree() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.Total()
}

// FreeRanges returns a snapshot of the current free-frame ranges, for
// invariant checks.
func (m *Manager) FreeRanges() []Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.Ranges()
}

// AllocFrames performs first-fit contiguous allocation of n frames,
// returning the physical base address. NoMoreFreeMemory if no range is
// large enough.
func (m *Manager) AllocFrames(n uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("alloc 0 frames: %w", kerr.ErrIncorrectValue)
	}
	size := n * kconfig.PageSize

	m.mu.Lock()
	defer m.mu.Unlock()

	base, ok := m.free.FirstFit(size)
	if !ok {
		return 0, fmt.Errorf("alloc %d frames: %w", n, kerr.ErrNoMoreFreeMemory)
	}
	for i := uint32(0); i < n; i++ {
		idx := m.frameIndexLocked(m.arenaBase + uint64(base) + uint64(i)*kconfig.PageSize)
		m.refcount[idx] = 1
	}
	return base, nil
}

// FreeFrames returns [phys, phys+n*PageSize) to the pool, coalescing with
// neighbors. Debug-checked: phys must lie within arena bounds.
func (m *Manager) FreeFrames(phys, n uint32) error {
	if n == 0 {
		return nil
	}
	size := n * kconfig.PageSize
	if uint64(phys)+uint64(size) > uint64(len(m.arena)) {
		return fmt.Errorf("free %#x/%d: %w", phys, n, kerr.ErrOutOfBound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zeroFree {
		for i := uint32(0); i < size; i++ {
			m.arena[phys+i] = 0
		}
	}
	for i := uint32(0); i < n; i++ {
		idx := m.frameIndexLocked(m.arenaBase + uint64(phys) + uint64(i)*kconfig.PageSize)
		delete(m.refcount, idx)
		m.refcount[idx] = 0
	}
	m.free.Insert(Range{phys, phys + size})
	return nil
}

// DeclareHW marks [phys, phys+size) as a permanent hardware region: it is
// removed from the free pool (if present) and its refcount is fixed at
// infinity, so FrameRefDec never returns it to the pool.
func (m *Manager) DeclareHW(phys, size uint32) error {
	if size == 0 || phys%kconfig.PageSize != 0 || size%kconfig.PageSize != 0 {
		return fmt.Errorf("declare hw %#x/%#x: %w", phys, size, kerr.ErrAlignment)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(Range{phys, phys + size})
	for off := uint32(0); off < size; off += kconfig.PageSize {
		idx := m.frameIndexLocked(m.arenaBase + uint64(phys+off))
		m.refcount[idx] = hwRefcount
	}
	return nil
}

// FrameRefInc increments the refcount of the frame at phys, used by the COW
// fork path to mark a frame as shared.
func (m *Manager) FrameRefInc(phys uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.frameIndexLocked(m.arenaBase + uint64(phys))
	rc, ok := m.refcount[idx]
	if !ok {
		return fmt.Errorf("frame ref inc %#x: %w", phys, kerr.ErrNoSuchID)
	}
	if rc == hwRefcount {
		return nil
	}
	m.refcount[idx] = rc + 1
	return nil
}

// FrameRefDec decrements the refcount of the frame at phys. When it reaches
// 0 the frame is returned to the pool via FreeFrames, unless the frame is
// hardware-marked. Returns the refcount observed after decrementing (0 if
// freed).
func (m *Manager) FrameRefDec(phys uint32) (int32, error) {
	m.mu.Lock()
	idx := m.frameIndexLocked(m.arenaBase + uint64(phys))
	rc, ok := m.refcount[idx]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("frame ref dec %#x: %w", phys, kerr.ErrNoSuchID)
	}
	if rc == hwRefcount {
		m.mu.Unlock()
		return hwRefcount, nil
	}
	rc--
	m.refcount[idx] = rc
	m.mu.Unlock()

	if rc <= 0 {
		if err := m.FreeFrames(phys, 1); err != nil {
			return rc, err
		}
	}
	return rc, nil
}

// FrameRefCount returns the current refcount of the frame at phys (0 if
// free, hwRefcount (-1) if hardware-marked).
func (m *Manager) FrameRefCount(phys uint32) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refcount[m.frameIndexLocked(m.arenaBase+uint64(phys))]
}

// Bytes returns the host-backed slice for [phys, phys+size), the real
// memory a page-table mapping of that physical range would expose.
func (m *Manager) Bytes(phys, size uint32) []byte {
	return m.arena[phys : phys+size]
}

// Protect applies a host-level page-protection flag change to
// [phys, phys+size) of the arena via golang.org/x/sys/unix.Mprotect,
// matching internal/vmm's RO/RW/COW transitions at the host MMU level as
// well as in the modeled page tables.
func (m *Manager) Protect(phys, size uint32, prot int) error {
	if uint64(phys)+uint64(size) > uint64(len(m.arena)) {
		return fmt.Errorf("protect %#x/%#x: %w", phys, size, kerr.ErrOutOfBound)
	}
	return unix.Mprotect(m.arena[phys:phys+size], prot)
}

// Close unmaps the host-backed arena.
func (m *Manager) Close() error {
	return unix.Munmap(m.arena)
}
