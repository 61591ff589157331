package irq

import (
	"errors"
	"testing"

	"github.com/vermillion-os/vkernel/internal/cpu"
	"github.com/vermillion-os/vkernel/internal/kerr"
)

type fakeDriver struct {
	masked [NumIRQLines]bool
	eoiCount [NumIRQLines]int
	spurious map[uint8]bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{spurious: map[uint8]bool{}}
}

func (d *fakeDriver) SetIRQMask(irqLine uint8, enabled bool) error {
	d.masked[irqLine] = !enabled
	return nil
}

func (d *fakeDriver) SetIRQEOI(irqLine uint8) error {
	d.eoiCount[irqLine]++
	return nil
}

func (d *fakeDriver) HandleSpurious(vector uint8) SpuriousResult {
	if d.spurious[vector] {
		return Spurious
	}
	return Regular
}

func (d *fakeDriver) GetIRQIntLine(irq uint8) int32 {
	if irq >= NumIRQLines {
		return -1
	}
	return int32(irq)
}

func TestRegisterIRQUnmasksLine(t *testing.T) {
	r := NewRouter()
	d := newFakeDriver()
	r.SetDriver(d)

	ran := false
	if err := r.RegisterIRQ(1, func(regs *cpu.Registers) { ran = true }); err != nil {
		t.Fatalf("RegisterIRQ: %v", err)
	}
	if d.masked[1] {
		t.Fatalf("expected line 1 unmasked after registration")
	}

	r.DispatchIRQ(1, &cpu.Registers{})
	if !ran {
		t.Fatalf("handler did not run")
	}
	if d.eoiCount[1] != 1 {
		t.Fatalf("expected one EOI, got %d", d.eoiCount[1])
	}
}

func TestRegisterIRQTwiceFails(t *testing.T) {
	r := NewRouter()
	r.SetDriver(newFakeDriver())
	_ = r.RegisterIRQ(2, func(*cpu.Registers) {})

	err := r.RegisterIRQ(2, func(*cpu.Registers) {})
	if !errors.Is(err, kerr.ErrInterruptAlreadyRegistered) {
		t.Fatalf("expected ErrInterruptAlreadyRegistered, got %v", err)
	}
}

func TestRemoveUnregisteredFails(t *testing.T) {
	r := NewRouter()
	r.SetDriver(newFakeDriver())
	err := r.RemoveIRQ(3)
	if !errors.Is(err, kerr.ErrInterruptNotRegistered) {
		t.Fatalf("expected ErrInterruptNotRegistered, got %v", err)
	}
}

func TestSpuriousShortCircuitsHandler(t *testing.T) {
	r := NewRouter()
	d := newFakeDriver()
	d.spurious[7] = true
	r.SetDriver(d)

	ran := false
	_ = r.RegisterIRQ(7, func(*cpu.Registers) { ran = true })
	r.DispatchIRQ(7, &cpu.Registers{})

	if ran {
		t.Fatalf("handler must not run for a spurious IRQ")
	}
	if d.eoiCount[7] != 1 {
		t.Fatalf("spurious IRQ still expects one EOI, got %d", d.eoiCount[7])
	}
}

func TestDisableRestoreNesting(t *testing.T) {
	r := NewRouter()
	id := cpu.ID(0)

	if !r.Enabled(id) {
		t.Fatalf("expected interrupts enabled initially")
	}

	prev := r.Disable(id)
	if !prev {
		t.Fatalf("expected prior state true")
	}
	if r.Enabled(id) {
		t.Fatalf("expected interrupts disabled")
	}

	r.Restore(id, prev)
	if !r.Enabled(id) {
		t.Fatalf("expected interrupts restored to enabled")
	}
}

func TestRegisterIRQOutOfRangeLine(t *testing.T) {
	r := NewRouter()
	d := newFakeDriver()
	r.SetDriver(d)

	err := r.RegisterIRQ(NumIRQLines, func(*cpu.Registers) {})
	if !errors.Is(err, kerr.ErrNoSuchIRQ) {
		t.Fatalf("expected ErrNoSuchIRQ, got %v", err)
	}
}

func TestDispatchExceptionPageFault(t *testing.T) {
	r := NewRouter()
	var faultedCR2 uint32
	if err := r.RegisterException(PageFaultVector, func(regs *cpu.Registers) {
		faultedCR2 = regs.CR2
	}); err != nil {
		t.Fatalf("RegisterException: %v", err)
	}

	handled := r.DispatchException(PageFaultVector, &cpu.Registers{CR2: 0xE1000000})
	if !handled {
		t.Fatalf("expected page fault vector to be handled")
	}
	if faultedCR2 != 0xE1000000 {
		t.Fatalf("expected CR2 0xE1000000, got 0x%x", faultedCR2)
	}
}
