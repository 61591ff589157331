package timer

import (
	"testing"

	"github.com/vermillion-os/vkernel/internal/kconfig"
)

func TestInitDrivesMainTickCounter(t *testing.T) {
	f := NewFactory()
	main := NewSimTimer(0)
	rtc := NewSimTimer(8)

	cfg := kconfig.DefaultConfig()
	if err := f.Init(main, rtc, cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := main.GetFreq(); got != uint32(cfg.MainTimerFreqHz) {
		t.Fatalf("main freq = %d, want %d", got, cfg.MainTimerFreqHz)
	}

	for i := 0; i < 5; i++ {
		main.Fire()
	}
	if got := f.TickCount(); got != 5 {
		t.Fatalf("tick count = %d, want 5", got)
	}
}

func TestScheduleCallbackInvokedOnTick(t *testing.T) {
	f := NewFactory()
	main := NewSimTimer(0)
	if err := f.Init(main, nil, kconfig.DefaultConfig()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	called := 0
	f.SetScheduleCallback(func(cpu uint32) { called++ })
	main.Fire()
	main.Fire()
	if called != 2 {
		t.Fatalf("schedule callback invoked %d times, want 2", called)
	}
}

func TestUptimeNanosAt200Hz(t *testing.T) {
	f := NewFactory()
	main := NewSimTimer(0)
	cfg := kconfig.DefaultConfig()
	if err := f.Init(main, nil, cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for i := 0; i < 200; i++ {
		main.Fire()
	}
	// At 200 Hz, 200 ticks is exactly one second.
	if got := f.UptimeNanos(); got != 1_000_000_000 {
		t.Fatalf("uptime = %d ns, want 1e9", got)
	}
}
