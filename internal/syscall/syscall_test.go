package syscall

import (
	"errors"
	"testing"

	"github.com/vermillion-os/vkernel/internal/cpu"
	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/kerr"
	"github.com/vermillion-os/vkernel/internal/ksync"
	"github.com/vermillion-os/vkernel/internal/pmm"
	"github.com/vermillion-os/vkernel/internal/sched"
	"github.com/vermillion-os/vkernel/internal/vmm"
)

func newTestGateway(t *testing.T) (*Gateway, *sched.Scheduler) {
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
	s := sched.New(cfg, kernel, frames, nil)
	futexes := ksync.NewFutexTable(frames, s)
	return NewDefaultGateway(s, futexes), s
}

func noopEntry(uintptr) {}

func TestDispatchUnknownSyscall(t *testing.T) {
	g, s := newTestGateway(t)
	tcb, err := s.CreateKernelThread(0, 10, noopEntry)
	if err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}
	regs := cpu.Registers{EAX: 0xFFFF}
	if err := g.Dispatch(tcb.TID, &regs); !errors.Is(err, kerr.ErrSyscallUnknown) {
		t.Fatalf("expected ErrSyscallUnknown, got %v", err)
	}
	if regs.EAX != errReturn {
		t.Fatalf("expected EAX=errReturn, got %#x", regs.EAX)
	}
}

func TestDispatchSchedGetSetParams(t *testing.T) {
	g, s := newTestGateway(t)
	tcb, err := s.CreateKernelThread(0, 20, noopEntry)
	if err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}

	regs := cpu.Registers{EAX: uint32(SchedGetParams)}
	if err := g.Dispatch(tcb.TID, &regs); err != nil {
		t.Fatalf("Dispatch get: %v", err)
	}
	if regs.EAX != 20 {
		t.Fatalf("expected priority 20, got %d", regs.EAX)
	}

	regs = cpu.Registers{EAX: uint32(SchedSetParams), EBX: 7}
	if err := g.Dispatch(tcb.TID, &regs); err != nil {
		t.Fatalf("Dispatch set: %v", err)
	}
	if tcb.BasePriority != 7 {
		t.Fatalf("expected BasePriority updated to 7, got %d", tcb.BasePriority)
	}
}

func TestDispatchForkReturnsChildPID(t *testing.T) {
	g, s := newTestGateway(t)
	parentPCB, err := s.NewProcess(0)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	parentThread, err := s.CreateKernelThread(parentPCB.PID, 10, noopEntry)
	if err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}

	regs := cpu.Registers{EAX: uint32(Fork)}
	if err := g.Dispatch(parentThread.TID, &regs); err != nil {
		t.Fatalf("Dispatch fork: %v", err)
	}
	if regs.EAX == 0 {
		t.Fatalf("expected non-zero child pid in parent's EAX")
	}
	child, ok := s.Process(regs.EAX)
	if !ok {
		t.Fatalf("expected child pid %d to be registered", regs.EAX)
	}
	if child.ParentPID != parentPCB.PID {
		t.Fatalf("expected pid %d to be a child of %d, got parent %d", regs.EAX, parentPCB.PID, child.ParentPID)
	}
}

func TestDispatchPageAllocMapsMemory(t *testing.T) {
	g, s := newTestGateway(t)
	pcb, err := s.NewProcess(0)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	tcb, err := s.CreateKernelThread(pcb.PID, 10, noopEntry)
	if err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}

	regs := cpu.Registers{EAX: uint32(PageAlloc), EBX: 2}
	if err := g.Dispatch(tcb.TID, &regs); err != nil {
		t.Fatalf("Dispatch page_alloc: %v", err)
	}
	_, present, _ := pcb.AddressSpace.Translate(regs.EAX)
	if !present {
		t.Fatalf("expected returned vaddr %#x to be mapped", regs.EAX)
	}
}

func TestDispatchFutexWaitWouldBlock(t *testing.T) {
	g, s := newTestGateway(t)
	tcb, err := s.CreateKernelThread(0, 10, noopEntry)
	if err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}
	regs := cpu.Registers{EAX: uint32(FutexWait), EBX: 0x100000, ECX: 42}
	if err := g.Dispatch(tcb.TID, &regs); !errors.Is(err, kerr.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}
