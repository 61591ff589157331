package sched

import (
	"fmt"
	"sync"

	"github.com/vermillion-os/vkernel/internal/cpu"
	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/kerr"
	"github.com/vermillion-os/vkernel/internal/klog"
	"github.com/vermillion-os/vkernel/internal/pmm"
	"github.com/vermillion-os/vkernel/internal/vmm"
)

// Scheduler is the cross-CPU scheduling authority: the process/thread
// tables, pid/tid allocation, and per-CPU Core placement. Cross-CPU data here is guarded by a single mutex — the Go stand-in
// for "dedicated spinlocks with IRQ-save critical sections"
// on data shared across CPUs (process table, futex buckets,...).
type Scheduler struct {
	mu sync.Mutex

	cores []*Core

	kernel *vmm.KernelSpace
	frames *pmm.Manager
	cfg kconfig.Config

	processes map[uint32]*PCB
	threads map[uint32]*TCB

	nextPID uint32
	nextTID uint32

	ipi cpu.IPISender
}

// New creates a Scheduler with cfg.CPUCount cores, each seeded with an
// idle thread at kconfig.PriorityLowest. pid 0 is reserved for init and
// created here as an empty process.
func New(cfg kconfig.Config, kernel *vmm.KernelSpace, frames *pmm.Manager, ipi cpu.IPISender) *Scheduler {
	s := &Scheduler{
		kernel: kernel,
		frames: frames,
		cfg: cfg,
		processes: make(map[uint32]*PCB),
		threads: make(map[uint32]*TCB),
		ipi: ipi,
	}
	n := cfg.CPUCount
	if n <= 0 {
		n = 1
	}
	if n > kconfig.MaxCPUCount {
		n = kconfig.MaxCPUCount
	}
	s.processes[0] = &PCB{PID: 0, Threads: make(map[uint32]*TCB)}
	s.nextPID = 1

	for i := 0; i < n; i++ {
		c := &Core{ID: cpu.ID(i)}
		idle := NewTCB(s.allocTID(), 0, 0, kconfig.PriorityLowest, nil, 0, kconfig.ThreadKernelStackSize)
		idle.State = Running
		idle.Affinity = c.ID
		c.idle = idle
		c.current = idle
		c.sliceRemaining = 1
		s.threads[idle.TID] = idle
		s.processes[0].Threads[idle.TID] = idle
		s.cores = append(s.cores, c)
	}
	return s
}

// Cores returns the scheduler's per-CPU state, for Tick drivers (timer
// factory callback, cmd/vkernel-sim's errgroup loop, or tests).
func (s *Scheduler) Cores() []*Core { return s.cores }

func (s *Scheduler) allocTID() uint32 {
	s.nextTID++
	return s.nextTID
}

func (s *Scheduler) allocPID() (uint32, error) {
	for i := 0; i < kconfig.MaxProcessCount; i++ {
		pid := s.nextPID
		s.nextPID++
		if s.nextPID >= kconfig.MaxProcessCount {
			s.nextPID = 1
		}
		if _, used := s.processes[pid]; !used {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("allocate pid: %w", kerr.ErrNoMoreFreeMemory)
}

// leastLoadedCoreLocked returns the core with the fewest ready threads,
// tie-broken by lowest CPU id.
func (s *Scheduler) leastLoadedCoreLocked() *Core {
	best := s.cores[0]
	bestLen := best.ReadyLen()
	for _, c := range s.cores[1:] {
		if l := c.ReadyLen(); l < bestLen {
			best, bestLen = c, l
		}
	}
	return best
}

func (s *Scheduler) coreFor(id cpu.ID) *Core {
	for _, c := range s.cores {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// enqueueReadyLocked places t on core's ready queue and, if core is not
// the caller's own core and t outranks core's current thread, sends an IPI
// to preempt it.
func (s *Scheduler) enqueueReadyLocked(core *Core, t *TCB, fromOtherCore bool) {
	core.mu.Lock()
	t.State = Ready
	core.ready.pushTail(t)
	cur := core.current
	core.mu.Unlock()

	if fromOtherCore && s.ipi != nil && cur != nil && t.EffectivePriority() < cur.EffectivePriority() {
		s.ipi(core.ID, PreemptVector)
	}
}

// PreemptVector is the IPI vector the scheduler sends to ask a remote core
// to reschedule immediately rather than waiting for its next tick.
const PreemptVector = 0xFE

// NewProcess creates a PCB with a fresh address space, returning its pid.
func (s *Scheduler) NewProcess(parentPID uint32) (*PCB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid, err := s.allocPID()
	if err != nil {
		return nil, err
	}
	as, err := vmm.NewAddressSpace(s.kernel, s.frames)
	if err != nil {
		return nil, fmt.Errorf("new process: %w", err)
	}
	pcb := &PCB{PID: pid, ParentPID: parentPID, AddressSpace: as, Threads: make(map[uint32]*TCB)}
	s.processes[pid] = pcb
	if parent, ok := s.processes[parentPID]; ok {
		parent.Children = append(parent.Children, pid)
	}
	return pcb, nil
}

// CreateKernelThread creates a Ready TCB owned by pid, placed on the
// least-loaded core.
func (s *Scheduler) CreateKernelThread(pid uint32, priority uint8, entry cpu.EntryFunc) (*TCB, error) {
	s.mu.Lock()
	pcb, ok := s.processes[pid]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("create kernel thread: %w", kerr.ErrNoSuchID)
	}
	if priority > kconfig.PriorityLowest {
		s.mu.Unlock()
		return nil, fmt.Errorf("create kernel thread: %w", kerr.ErrForbiddenPriority)
	}
	tid := s.allocTID()
	core := s.leastLoadedCoreLocked()
	t := NewTCB(tid, pid, pcb.ParentPID, priority, entry, 0, s.cfg.ThreadKernelStackSize)
	t.Affinity = core.ID
	s.threads[tid] = t
	pcb.Threads[tid] = t
	s.mu.Unlock()

	s.enqueueReadyLocked(core, t, false)
	return t, nil
}

// Lookup returns the TCB for tid, if any.
func (s *Scheduler) Lookup(tid uint32) (*TCB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	return t, ok
}

// Process returns the PCB for pid, if any.
func (s *Scheduler) Process(pid uint32) (*PCB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	return p, ok
}

// Sleep transitions tid to Sleeping until wakeTimeNanos, inserting it into
// its core's sleep queue in ascending wake-time order. Spurious wake is impossible within this layer: a caller
// only returns from the corresponding Tick-driven wake path.
func (s *Scheduler) Sleep(tid uint32, wakeTimeNanos int64) error {
	s.mu.Lock()
	t, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sleep: %w", kerr.ErrNoSuchID)
	}
	core := s.coreFor(t.Affinity)
	s.mu.Unlock()

	core.mu.Lock()
	t.State = Sleeping
	t.WakeTimeNanos = wakeTimeNanos
	core.sleep.insert(t)
	if core.current == t {
		core.current = nil
	}
	core.mu.Unlock()
	return nil
}

// Block transitions tid to Blocked on obj. The thread is
// removed from its core's ready bookkeeping; it is the caller's
// (ksync/join) responsibility to call Wake once the block condition
// clears.
func (s *Scheduler) Block(tid uint32, obj Blocker) error {
	s.mu.Lock()
	t, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("block: %w", kerr.ErrNoSuchID)
	}
	core := s.coreFor(t.Affinity)
	s.mu.Unlock()

	core.mu.Lock()
	t.State = Blocked
	t.BlockObj = obj
	if core.current == t {
		core.current = nil
	}
	core.mu.Unlock()
	return nil
}

// Wake transitions tid from Sleeping/Blocked back to Ready on its
// affinity core, applying the SMP IPI rule when waking a thread onto a
// different core than the caller's.
func (s *Scheduler) Wake(tid uint32, callerCore cpu.ID) error {
	s.mu.Lock()
	t, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("wake: %w", kerr.ErrNoSuchID)
	}
	core := s.coreFor(t.Affinity)
	s.mu.Unlock()

	if t.State == Sleeping {
		core.mu.Lock()
		core.sleep.remove(t)
		core.mu.Unlock()
	}
	t.BlockObj = nil
	t.WakeTimeNanos = NoWake
	s.enqueueReadyLocked(core, t, callerCore != core.ID)
	return nil
}

// WakeFrom is Wake with the caller identified by its own tid rather than a
// raw core id, for callers (ksync) that only know who is posting, not which
// core that poster happens to run on.
func (s *Scheduler) WakeFrom(tid uint32, callerTID uint32) error {
	s.mu.Lock()
	caller, ok := s.threads[callerTID]
	s.mu.Unlock()
	var core cpu.ID
	if ok {
		core = caller.Affinity
	}
	return s.Wake(tid, core)
}

// Tick advances core by one main-timer tick: wakes expired sleepers,
// requeues the current thread (slice = 1 tick,), and dispatches
// the new highest-priority Ready thread.
func (s *Scheduler) Tick(core *Core, nowNanos int64) {
	core.mu.Lock()
	defer core.mu.Unlock()

	core.ticks++

	for _, woke := range core.sleep.popExpired(nowNanos) {
		woke.State = Ready
		woke.WakeTimeNanos = NoWake
		core.ready.pushTail(woke)
	}

	if core.current != nil && core.current != core.idle {
		core.current.State = Ready
		core.ready.pushTail(core.current)
		core.current = nil
	}

	next := core.ready.popHighest()
	if next == nil {
		next = core.idle
		core.idleCount++
	}
	next.State = Running
	core.current = next
	core.Controls.WriteCR3(next.Regs.CR3)
	core.sliceRemaining = 1
	core.dispatchCount++
}

// Exit transitions tid to Zombie, recording status/cause, waking any
// joiners and the parent process's waitpid blockers. If every thread in
// the owning process is now Zombie, the process itself is considered
// terminated; reaping (and address-space
// teardown) happens in Waitpid.
func (s *Scheduler) Exit(tid uint32, status int, cause TerminationCause) error {
	s.mu.Lock()
	t, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("exit: %w", kerr.ErrNoSuchID)
	}
	core := s.coreFor(t.Affinity)
	s.mu.Unlock()

	core.mu.Lock()
	t.State = Zombie
	t.ExitStatus = status
	if cause == CauseNone {
		cause = CauseExited
	}
	t.Cause = cause
	if core.current == t {
		core.current = nil
	}
	joiners := t.joiners
	t.joiners = nil
	core.mu.Unlock()

	for _, jt := range joiners {
		_ = s.Wake(jt, t.Affinity)
	}

	s.mu.Lock()
	var waitpidWaiters []chan struct{}
	if proc, ok := s.processes[t.PID]; ok && proc.allZombie() {
		if parent, ok := s.processes[proc.ParentPID]; ok {
			waitpidWaiters = parent.waitpidWaiters
			parent.waitpidWaiters = nil
		}
	}
	s.mu.Unlock()
	for _, ch := range waitpidWaiters {
		close(ch)
	}

	if cause == CauseSegfault {
		klog.Fault("thread terminated by segfault", "tid", tid, "pid", t.PID)
	}
	return nil
}

// Join blocks the calling thread (callerTID) until target becomes Zombie,
// per "wait/join". It does not reap target; Waitpid does
// that for a parent/child relationship specifically.
func (s *Scheduler) Join(callerTID, targetTID uint32) error {
	s.mu.Lock()
	target, ok := s.threads[targetTID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("join: %w", kerr.ErrNoSuchID)
	}
	if target.State == Zombie {
		s.mu.Unlock()
		return nil
	}
	target.joiners = append(target.joiners, callerTID)
	s.mu.Unlock()

	return s.Block(callerTID, nil)
}

// Fork creates a new PCB, copies the caller's address space via
// copy_self_mapping, duplicates the caller's TCB onto a fresh tid/kernel
// stack, and enqueues the child. The child's saved EAX is zeroed (its
// fork() return value); the parent's caller is expected to return the new
// pid itself.
func (s *Scheduler) Fork(callerTID uint32) (childPID uint32, childTID uint32, err error) {
	s.mu.Lock()
	parent, ok := s.threads[callerTID]
	if !ok {
		s.mu.Unlock()
		return 0, 0, fmt.Errorf("fork: %w", kerr.ErrNoSuchID)
	}
	parentPCB, ok := s.processes[parent.PID]
	if !ok {
		s.mu.Unlock()
		return 0, 0, fmt.Errorf("fork: %w", kerr.ErrNoSuchID)
	}
	s.mu.Unlock()

	childPCB, err := s.NewProcess(parent.PID)
	if err != nil {
		return 0, 0, fmt.Errorf("fork: %w", err)
	}
	if err := parentPCB.AddressSpace.CopySelfMapping(childPCB.AddressSpace); err != nil {
		return 0, 0, fmt.Errorf("fork: %w", err)
	}

	s.mu.Lock()
	tid := s.allocTID()
	core := s.leastLoadedCoreLocked()
	s.mu.Unlock()

	child := NewTCB(tid, childPCB.PID, parent.PID, parent.BasePriority, nil, 0, s.cfg.ThreadKernelStackSize)
	child.Regs = parent.Regs
	child.Regs.EAX = 0 // child's fork() return value
	child.Affinity = core.ID

	s.mu.Lock()
	s.threads[tid] = child
	childPCB.Threads[tid] = child
	s.mu.Unlock()

	s.enqueueReadyLocked(core, child, false)
	return childPCB.PID, tid, nil
}

// Waitpid blocks callerTID until a matching child process is fully Zombie
// (every thread Zombie), then reaps it: the process's address space is
// destroyed and its PCB removed. pid < 0 matches any child. If pid names a
// process that isn't one of the caller's children at all, it returns
// ErrNoSuchID immediately; otherwise it parks callerTID (s.Block, the same
// bookkeeping Join uses) until Exit's process-completion hook wakes every
// thread waiting on this parent, then rechecks its own pid filter — so
// multiple waiters, and waiters whose pid doesn't match the child that
// just exited, all resolve correctly without a dedicated polling loop.
func (s *Scheduler) Waitpid(callerTID uint32, pid int32) (reapedPID uint32, status int, cause TerminationCause, err error) {
	for {
		s.mu.Lock()
		caller, ok := s.threads[callerTID]
		if !ok {
			s.mu.Unlock()
			return 0, 0, CauseNone, fmt.Errorf("waitpid: %w", kerr.ErrNoSuchID)
		}
		parent, ok := s.processes[caller.PID]
		if !ok {
			s.mu.Unlock()
			return 0, 0, CauseNone, fmt.Errorf("waitpid: %w", kerr.ErrNoSuchID)
		}

		for _, cpid := range parent.Children {
			if pid >= 0 && uint32(pid) != cpid {
				continue
			}
			child, ok := s.processes[cpid]
			if !ok || !child.allZombie() {
				continue
			}
			var lastStatus int
			var lastCause TerminationCause
			for _, th := range child.Threads {
				lastStatus, lastCause = th.ExitStatus, th.Cause
				delete(s.threads, th.TID)
			}
			if err := child.AddressSpace.Destroy(); err != nil {
				s.mu.Unlock()
				return 0, 0, CauseNone, fmt.Errorf("waitpid: %w", err)
			}
			delete(s.processes, cpid)
			parent.Children = removeUint32(parent.Children, cpid)
			parentPID := caller.PID
			s.mu.Unlock()
			klog.StateChange("process reaped", "pid", cpid, "parent_pid", parentPID, "status", lastStatus, "cause", lastCause)
			return cpid, lastStatus, lastCause, nil
		}

		matchExists := false
		for _, cpid := range parent.Children {
			if pid < 0 || uint32(pid) == cpid {
				matchExists = true
				break
			}
		}
		if !matchExists {
			s.mu.Unlock()
			return 0, 0, CauseNone, fmt.Errorf("waitpid: %w", kerr.ErrNoSuchID)
		}

		done := make(chan struct{})
		parent.waitpidWaiters = append(parent.waitpidWaiters, done)
		s.mu.Unlock()

		_ = s.Block(callerTID, nil)
		<-done
		_ = s.WakeFrom(callerTID, callerTID)
	}
}

func removeUint32(s []uint32, v uint32) []uint32 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
