// Package timer implements the abstract timer factory : a
// polymorphic kernel-timer capability, selection of a main timer (drives
// the scheduler tick) and an RTC timer (drives wall-clock updates), tick
// accounting, and the scheduler-tick hook. Grounded on tinyrange-cc's
// periodic-timer devices (internal/devices/amd64/chipset/pit.go,
// internal/devices/hpet/hpet.go): both expose {get/set frequency, enable,
// disable, set/remove handler, get IRQ}, the exact capability set this
// package's KernelTimer interface requires of a driver.
package timer

import (
	"fmt"
	"sync/atomic"

	"github.com/vermillion-os/vkernel/internal/kconfig"
	"github.com/vermillion-os/vkernel/internal/kerr"
)

// TickHandler is invoked on every main-timer interrupt.
type TickHandler func()

// KernelTimer is the polymorphic capability a timer driver must provide:
// {get_freq, set_freq, enable, disable, set_handler, remove_handler,
// get_irq}.
type KernelTimer interface {
	GetFreq() uint32
	SetFreq(hz uint32) error
	Enable() error
	Disable() error
	SetHandler(h TickHandler) error
	RemoveHandler() error
	GetIRQ() uint8
}

// Factory owns the main and RTC timers, the per-CPU tick counters, and the
// scheduler-tick callback hook.
type Factory struct {
	main KernelTimer
	rtc KernelTimer

	ticks [kconfig.MaxCPUCount]uint64

	scheduleCB atomic.Value // func(cpuID uint32)
}

// NewFactory creates an uninitialized Factory; call Init to install drivers.
func NewFactory() *Factory { return &Factory{} }

// Init installs main and rtc, configuring main at
// cfg.MainTimerFreqHz and rtc at cfg.RTCTimerFreqHz, and wiring main's
// handler to advance the CPU-0 tick counter and invoke the schedule
// callback when one is registered.
func (f *Factory) Init(main, rtc KernelTimer, cfg kconfig.Config) error {
	if main == nil {
		return fmt.Errorf("timer init: main: %w", kerr.ErrNullPointer)
	}
	f.main = main
	f.rtc = rtc

	if err := main.SetFreq(uint32(cfg.MainTimerFreqHz)); err != nil {
		return fmt.Errorf("timer init: main set freq: %w", err)
	}
	if err := main.SetHandler(f.onMainTick); err != nil {
		return fmt.Errorf("timer init: main set handler: %w", err)
	}
	if err := main.Enable(); err != nil {
		return fmt.Errorf("timer init: main enable: %w", err)
	}

	if rtc != nil {
		if err := rtc.SetFreq(uint32(cfg.RTCTimerFreqHz)); err != nil {
			return fmt.Errorf("timer init: rtc set freq: %w", err)
		}
		if err := rtc.Enable(); err != nil {
			return fmt.Errorf("timer init: rtc enable: %w", err)
		}
	}
	return nil
}

func (f *Factory) onMainTick() {
	atomic.AddUint64(&f.ticks[0], 1)
	if cb, ok := f.scheduleCB.Load().(func(cpuID uint32)); ok && cb != nil {
		cb(0)
	}
}

// SetScheduleCallback registers the scheduler's tick hook.
// When present, WaitNoSched becomes a no-op, per the design.
func (f *Factory) SetScheduleCallback(cb func(cpuID uint32)) {
	f.scheduleCB.Store(cb)
}

// TickCount returns CPU 0's monotonic tick counter.
func (f *Factory) TickCount() uint64 {
	return atomic.LoadUint64(&f.ticks[0])
}

// UptimeNanos converts the tick counter to nanoseconds at the main timer's
// configured frequency: uptime_ns = tick_count * (1e9 / freq).
func (f *Factory) UptimeNanos() uint64 {
	freq := f.main.GetFreq()
	if freq == 0 {
		return 0
	}
	return f.TickCount() * (1_000_000_000 / uint64(freq))
}

// WaitNoSched busy-waits for approximately nanos nanoseconds by polling the
// tick counter. It is a no-op once a schedule callback is registered,
// matching: the scheduler tick itself is expected to make
// forward progress instead.
func (f *Factory) WaitNoSched(nanos uint64) {
	if _, ok := f.scheduleCB.Load().(func(cpuID uint32)); ok {
		return
	}
	freq := uint64(f.main.GetFreq())
	if freq == 0 {
		return
	}
	targetTicks := nanos * freq / 1_000_000_000
	start := f.TickCount()
	for f.TickCount()-start < targetTicks {
		// busy-wait; a real core would HLT between ticks, but there is
		// no interrupt to wake a goroutine here.
	}
}
