package sched

import "github.com/vermillion-os/vkernel/internal/vmm"

// PCB is the process control block: pid/parent linkage, the process's
// address space, its thread table, and its child pid list.
type PCB struct {
	PID uint32
	ParentPID uint32

	AddressSpace *vmm.AddressSpace

	Threads map[uint32]*TCB
	Children []uint32

	ExitStatus int

	// waitpidWaiters holds one channel per thread currently parked in
	// Waitpid on this process, closed (broadcast-style) whenever any
	// child of this process becomes fully Zombie so each waiter rechecks
	// its own pid filter.
	waitpidWaiters []chan struct{}
}

func (p *PCB) allZombie() bool {
	for _, t := range p.Threads {
		if t.State != Zombie {
			return false
		}
	}
	return len(p.Threads) > 0
}
