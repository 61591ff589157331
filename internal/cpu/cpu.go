// Package cpu models the low-level CPU operations: atomic primitives, port
// and MMIO access, interrupt-flag and control-register state, and the
// saved-register image a thread carries between dispatches. There is no
// freestanding x86 to execute against, so ports, MMIO, and CR0/CR2/CR3/CR4
// become software register files per CPU that the rest of the core reads
// and writes exactly as it would the real registers — the same
// substitution tinyrange-cc's hv backends make when they model a guest's
// register file in internal/hv.Register/RegisterValue rather than
// touching real hardware registers directly.
package cpu

import (
	"sync"
	"sync/atomic"
)

// ID identifies one of the schedulable CPUs.
type ID uint32

// Registers is the register image saved/restored around a context switch.
// Only the fields the core's scheduler and fault handlers consult are
// modeled; general-purpose registers are opaque payload the entry stub
// would otherwise save.
type Registers struct {
	EIP, ESP, EBP, EFlags uint32
	EAX, EBX, ECX, EDX uint32
	ESI, EDI uint32
	CR2 uint32 // faulting address, valid during a page fault
	CR3 uint32 // active page-directory physical address
}

// ControlRegisters is the per-CPU software analogue of CR0/CR2/CR3/CR4,
// guarded by its own mutex so concurrent readers/writers on the same Core
// (fault handlers, the scheduler's dispatch path) observe consistent
// values instead of racing on plain fields.
type ControlRegisters struct {
	mu             sync.Mutex
	cr0, cr2, cr3, cr4 uint32
}

func (c *ControlRegisters) ReadCR0() uint32 { c.mu.Lock(); defer c.mu.Unlock(); return c.cr0 }
func (c *ControlRegisters) WriteCR0(v uint32) { c.mu.Lock(); c.cr0 = v; c.mu.Unlock() }

func (c *ControlRegisters) ReadCR2() uint32 { c.mu.Lock(); defer c.mu.Unlock(); return c.cr2 }
func (c *ControlRegisters) WriteCR2(v uint32) { c.mu.Lock(); c.cr2 = v; c.mu.Unlock() }

func (c *ControlRegisters) ReadCR3() uint32 { c.mu.Lock(); defer c.mu.Unlock(); return c.cr3 }
func (c *ControlRegisters) WriteCR3(v uint32) { c.mu.Lock(); c.cr3 = v; c.mu.Unlock() }

func (c *ControlRegisters) ReadCR4() uint32 { c.mu.Lock(); defer c.mu.Unlock(); return c.cr4 }
func (c *ControlRegisters) WriteCR4(v uint32) { c.mu.Lock(); c.cr4 = v; c.mu.Unlock() }

// Invlpg invalidates the TLB entry for addr. There is no hardware TLB to
// flush in the hosted model, so this is a no-op hook callers invoke at the
// same points a real invlpg instruction would run — internal/vmm calls it
// on user-page unmap and COW resolution even though it has no effect here.
func Invlpg(addr uint32) {}

// PortSpace is the per-CPU software analogue of the x86 I/O port space:
// 64KiB of byte-addressable port registers, written/read a byte, word, or
// long at a time. Device models register themselves against it the way a
// real driver would issue out/in against hardware ports.
type PortSpace struct {
	mu    sync.Mutex
	ports [65536]byte
}

func (p *PortSpace) Outb(port uint16, v uint8) {
	p.mu.Lock()
	p.ports[port] = v
	p.mu.Unlock()
}

func (p *PortSpace) Inb(port uint16) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports[port]
}

func (p *PortSpace) Outw(port uint16, v uint16) {
	p.mu.Lock()
	p.ports[port] = byte(v)
	p.ports[port+1] = byte(v >> 8)
	p.mu.Unlock()
}

func (p *PortSpace) Inw(port uint16) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint16(p.ports[port]) | uint16(p.ports[port+1])<<8
}

func (p *PortSpace) Outl(port uint16, v uint32) {
	p.mu.Lock()
	for i := 0; i < 4; i++ {
		p.ports[port+uint16(i)] = byte(v >> (8 * i))
	}
	p.mu.Unlock()
}

func (p *PortSpace) Inl(port uint16) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(p.ports[port+uint16(i)]) << (8 * i)
	}
	return v
}

// MMIORead32 and MMIOWrite32 model a memory-mapped device register access:
// mem is the device's backing byte slice (as internal/pmm hands out for a
// mapped frame) and off is the byte offset of the 32-bit register within
// it, matching how internal/vmm resolves a virtual MMIO address down to a
// physical frame before the access happens.
func MMIORead32(mem []byte, off uint32) uint32 {
	return uint32(mem[off]) | uint32(mem[off+1])<<8 | uint32(mem[off+2])<<16 | uint32(mem[off+3])<<24
}

func MMIOWrite32(mem []byte, off uint32, v uint32) {
	mem[off] = byte(v)
	mem[off+1] = byte(v >> 8)
	mem[off+2] = byte(v >> 16)
	mem[off+3] = byte(v >> 24)
}

// InterruptFlag is the per-CPU software analogue of EFLAGS.IF, toggled by
// Cli/Sti. internal/irq does not read it; the router tracks its own
// per-CPU enable state for Disable/Restore.
type InterruptFlag struct {
	enabled uint32 // 1 = interrupts enabled, matches EFLAGS.IF convention
}

// Cli clears the interrupt flag (disables maskable interrupts on this CPU)
// and returns whether it was previously set, the same "prior state" return
// shape internal/critical's disable/restore pair is built on.
func Cli(f *InterruptFlag) (wasEnabled bool) {
	return atomic.SwapUint32(&f.enabled, 0) != 0
}

// Sti sets the interrupt flag (re-enables maskable interrupts on this CPU).
func Sti(f *InterruptFlag) {
	atomic.StoreUint32(&f.enabled, 1)
}

// InterruptsEnabled reports the current state of f without changing it.
func InterruptsEnabled(f *InterruptFlag) bool {
	return atomic.LoadUint32(&f.enabled) != 0
}

// Hlt models the halt instruction: it parks the calling goroutine until
// woken is signaled, the same role a real hlt plays of idling the core
// until the next interrupt. internal/sched's Tick does not call it: idle
// dispatch there only marks the idle TCB current.
func Hlt(woken <-chan struct{}) {
	<-woken
}

// Cas32 is the compare-and-swap primitive; it returns the previous value
// observed at mem, matching the "CAS returning prev" shape lock_futex.go's
// CAS-loop handshake is built on.
func Cas32(mem *uint32, old, new uint32) (prev uint32) {
	for {
		cur := atomic.LoadUint32(mem)
		if cur != old {
			return cur
		}
		if atomic.CompareAndSwapUint32(mem, old, new) {
			return old
		}
	}
}

// FetchAdd32 atomically adds v to *mem and returns the previous value.
func FetchAdd32(mem *uint32, v uint32) (prev uint32) {
	return atomic.AddUint32(mem, v) - v
}

// AtomicStore32 stores v into *mem with sequential consistency.
func AtomicStore32(mem *uint32, v uint32) {
	atomic.StoreUint32(mem, v)
}

// AtomicLoad32 loads *mem with sequential consistency.
func AtomicLoad32(mem *uint32) uint32 {
	return atomic.LoadUint32(mem)
}

// PauseSpin spins on a 0/1 lock word using compare-and-swap, modeling a
// spinlock's PAUSE-loop acquire. Returns once the lock was observed free
// and claimed (set to 1).
func PauseSpin(lock *uint32) {
	for !atomic.CompareAndSwapUint32(lock, 0, 1) {
		// A real core issues PAUSE here; a goroutine scheduler point
		// serves the same purpose of yielding the hardware thread.
	}
}

// EntryFunc is the kernel-mode entry point a freshly built thread context
// dispatches into.
type EntryFunc func(arg uintptr)

// InitThreadContext builds a register image so that the first dispatch of a
// thread enters entry in kernel mode on top of the given kernel stack,
// matching init_thread_context. stackTop must be the high
// address of the stack region (stacks grow down). The entry point itself
// has no linked code address in the hosted model, so it is registered in
// the entry table and EIP carries its table index — LookupEntry resolves
// it back to a callable EntryFunc.
func InitThreadContext(entry EntryFunc, arg uintptr, stackTop uint32) Registers {
	return Registers{
		EIP: registerEntry(entry),
		ESP: stackTop,
		EBP: stackTop,
		EFlags: 0x202, // IF set, reserved bit 1 set
		EAX: uint32(arg),
	}
}

var (
	entryTableMu sync.Mutex
	entryTable   []EntryFunc
)

func registerEntry(fn EntryFunc) uint32 {
	entryTableMu.Lock()
	defer entryTableMu.Unlock()
	entryTable = append(entryTable, fn)
	return uint32(len(entryTable) - 1)
}

// LookupEntry resolves an EIP produced by InitThreadContext back to its
// EntryFunc. Guarded by the same mutex as registerEntry since concurrent
// Fork/CreateKernelThread calls from different simulated CPUs can append
// to entryTable at the same time.
func LookupEntry(eip uint32) EntryFunc {
	entryTableMu.Lock()
	defer entryTableMu.Unlock()
	if int(eip) >= len(entryTable) {
		return nil
	}
	return entryTable[eip]
}

// SaveContext copies src over the thread's saved image dst. In the hosted
// model context is Go-native (goroutine + channel handoff in
// internal/sched), so Save/Restore only need to preserve the bookkeeping
// fields faults and the scheduler inspect (EIP/ESP/CR2/CR3), not actually
// swap a hardware stack.
func SaveContext(dst *Registers, src Registers) {
	*dst = src
}

// RestoreContext is the mirror of SaveContext: it copies src over dst.
// internal/irq's dispatch does not call either function.
func RestoreContext(dst *Registers, src Registers) {
	*dst = src
}

// IPISender models sending an inter-processor interrupt. The hosted
// scheduler treats it as a hook the caller supplies (internal/sched calls
// it for a cross-CPU preempting wake; cmd/vkernel-sim's hook counts and
// logs the call); cpu itself only defines the shape.
type IPISender func(target ID, vector uint8)
