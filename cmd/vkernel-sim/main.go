// Command vkernel-sim is a demonstration harness for the kernel core: it
// boots a scheduler with a handful of kernel threads across N simulated
// CPUs, drives each CPU's dispatch loop with its own goroutine via
// errgroup.Group (the natural stand-in for independent per-CPU preemption),
// and prints each CPU's idle/dispatch/uptime stats once its ticks are done.
// It is not the boot loader, drivers,
// or CLI the design excludes from the core — just a way to watch the
// scheduler run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vermillion-os/vkernel/internal/cpu"
	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/klog"
	"github.com/vermillion-os/vkernel/internal/sched"
	"github.com/vermillion-os/vkernel/internal/vmm"

	"github.com/vermillion-os/vkernel/internal/pmm"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	cpuCount := fs.Int("cpus", 2, "number of simulated CPUs")
	threadCount := fs.Int("threads", 6, "number of kernel threads to spawn")
	ticks := fs.Int("ticks", 200, "number of main-timer ticks to simulate per CPU")
	tickHz := fs.Int("hz", 200, "main timer frequency in Hz, used only to report simulated uptime")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *cpuCount <= 0 || *cpuCount > kconfig.MaxCPUCount {
		fmt.Fprintf(os.Stderr, "cpus must be in [1, %d]\n", kconfig.MaxCPUCount)
		os.Exit(1)
	}

	cfg := kconfig.DefaultConfig()
	cfg.CPUCount = *cpuCount

	entries := []pmm.MemoryMapEntry{
		{Base: 0x100000, Length: 0x4000000, Usable: true},
	}
	frames, err := pmm.NewManager(entries, pmm.Range{}, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create frame manager: %v\n", err)
		os.Exit(1)
	}
	defer frames.Close()

	kernel := vmm.NewKernelSpace(frames, cfg)

	var ipiCount atomic.Uint64
	ipi := func(target cpu.ID, vector uint8) {
		ipiCount.Add(1)
		klog.StateChange("cross-CPU preempt IPI", "target", target, "vector", vector)
	}
	s := sched.New(cfg, kernel, frames, ipi)

	for i := 0; i < *threadCount; i++ {
		priority := uint8(i % int(kconfig.NumPriorities-1))
		if _, err := s.CreateKernelThread(0, priority, func(uintptr) {}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create thread %d: %v\n", i, err)
			os.Exit(1)
		}
	}

	periodNanos := int64(time.Second) / int64(*tickHz)

	g, _ := errgroup.WithContext(context.Background())
	for _, core := range s.Cores() {
		core := core
		g.Go(func() error {
			var now int64
			for i := 0; i < *ticks; i++ {
				now += periodNanos
				s.Tick(core, now)
			}
			st := core.Stats()
			fmt.Printf("cpu %d: ticks=%d dispatches=%d idle=%d uptime=%s\n",
				core.ID, st.Ticks, st.DispatchCount, st.IdleCount,
				time.Duration(int64(st.Ticks)*periodNanos))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("cross-CPU preempt IPIs sent: %d\n", ipiCount.Load())
}
