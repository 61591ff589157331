// Package syscall implements the single-entry-vector gateway: a numbered
// dispatch table that extracts an id and argument words from the saved
// register image, calls the matching handler, and writes the result back
// into the register image for the iret.
package syscall

import (
	"fmt"

	"github.com/vermillion-os/vkernel/internal/cpu"
	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/kerr"
	"github.com/vermillion-os/vkernel/internal/ksync"
	"github.com/vermillion-os/vkernel/internal/sched"
)

// ID is a syscall number.
type ID uint32

const (
	Fork ID = iota
	Waitpid
	Exit
	FutexWait
	FutexWake
	SchedGetParams
	SchedSetParams
	PageAlloc
)

// Args holds the argument words extracted from the caller's register
// image, following the EBX/ECX/EDX/ESI general-purpose argument
// convention a software interrupt gate would use on i386.
type Args struct {
	A0, A1, A2, A3 uint32
}

// errReturn is written into EAX on a failed syscall: callers distinguish
// success from failure by the returned Go error, not by sign-testing EAX,
// since the hosted model has no user-space errno convention to honor.
const errReturn = 0xFFFFFFFF

// Handler services one syscall id, given the calling thread's tid and its
// argument words, returning the value to place in EAX.
type Handler func(callerTID uint32, args Args) (uint32, error)

// Gateway is the kernel's single syscall entry vector.
type Gateway struct {
	handlers map[ID]Handler
}

// NewGateway creates an empty dispatch table.
func NewGateway() *Gateway {
	return &Gateway{handlers: make(map[ID]Handler)}
}

// Register installs (or replaces) the handler for id.
func (g *Gateway) Register(id ID, h Handler) {
	g.handlers[id] = h
}

// Dispatch extracts the syscall id (EAX) and argument words (EBX, ECX,
// EDX, ESI) from regs, invokes the matching handler, and writes its
// return value (or errReturn on failure) back into EAX.
func (g *Gateway) Dispatch(callerTID uint32, regs *cpu.Registers) error {
	id := ID(regs.EAX)
	h, ok := g.handlers[id]
	if !ok {
		regs.EAX = errReturn
		return fmt.Errorf("syscall %d: %w", id, kerr.ErrSyscallUnknown)
	}

	args := Args{A0: regs.EBX, A1: regs.ECX, A2: regs.EDX, A3: regs.ESI}
	ret, err := h(callerTID, args)
	if err != nil {
		regs.EAX = errReturn
		return err
	}
	regs.EAX = ret
	return nil
}

// NewDefaultGateway wires every syscall names to the core
// subsystems that implement it: fork/waitpid/exit to the scheduler,
// futex_wait/futex_wake to the futex table, and sched_get/set_params and
// page_alloc to the scheduler's thread table and the caller's own address
// space.
func NewDefaultGateway(s *sched.Scheduler, futexes *ksync.FutexTable) *Gateway {
	g := NewGateway()

	g.Register(Fork, func(callerTID uint32, _ Args) (uint32, error) {
		childPID, _, err := s.Fork(callerTID)
		if err != nil {
			return 0, fmt.Errorf("fork: %w", err)
		}
		return childPID, nil
	})

	g.Register(Waitpid, func(callerTID uint32, args Args) (uint32, error) {
		reapedPID, status, _, err := s.Waitpid(callerTID, int32(args.A0))
		if err != nil {
			return 0, fmt.Errorf("waitpid: %w", err)
		}
		return reapedPID<<16 | uint32(uint16(status)), nil
	})

	g.Register(Exit, func(callerTID uint32, args Args) (uint32, error) {
		if err := s.Exit(callerTID, int(int32(args.A0)), sched.CauseExited); err != nil {
			return 0, fmt.Errorf("exit: %w", err)
		}
		return 0, nil
	})

	g.Register(FutexWait, func(callerTID uint32, args Args) (uint32, error) {
		if err := futexes.Wait(callerTID, args.A0, args.A1); err != nil {
			return 0, err
		}
		return 0, nil
	})

	g.Register(FutexWake, func(callerTID uint32, args Args) (uint32, error) {
		n, err := futexes.Wake(callerTID, args.A0, int(args.A1))
		if err != nil {
			return 0, fmt.Errorf("futex wake: %w", err)
		}
		return uint32(n), nil
	})

	g.Register(SchedGetParams, func(callerTID uint32, _ Args) (uint32, error) {
		t, ok := s.Lookup(callerTID)
		if !ok {
			return 0, fmt.Errorf("sched_get_params: %w", kerr.ErrNoSuchID)
		}
		return uint32(t.EffectivePriority()), nil
	})

	g.Register(SchedSetParams, func(callerTID uint32, args Args) (uint32, error) {
		t, ok := s.Lookup(callerTID)
		if !ok {
			return 0, fmt.Errorf("sched_set_params: %w", kerr.ErrNoSuchID)
		}
		t.BasePriority = uint8(args.A0)
		return 0, nil
	})

	g.Register(PageAlloc, func(callerTID uint32, args Args) (uint32, error) {
		t, ok := s.Lookup(callerTID)
		if !ok {
			return 0, fmt.Errorf("page_alloc: %w", kerr.ErrNoSuchID)
		}
		pcb, ok := s.Process(t.PID)
		if !ok {
			return 0, fmt.Errorf("page_alloc: %w", kerr.ErrNoSuchID)
		}
		vaddr, err := pcb.AddressSpace.AllocPages(args.A0, false)
		if err != nil {
			return 0, fmt.Errorf("page_alloc: %w", err)
		}
		if err := pcb.AddressSpace.Mmap(vaddr, args.A0*kconfig.PageSize, false, false); err != nil {
			return 0, fmt.Errorf("page_alloc: %w", err)
		}
		return vaddr, nil
	})

	return g
}
