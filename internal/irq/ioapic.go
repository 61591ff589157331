package irq

import "sync"

// IOAPIC is the IOAPIC+LAPIC ControllerDriver variant: IRQ lines are
// redirected through a per-line global-system-interrupt entry that can be
// individually masked, instead of the PIC's two 8-line cascade. Modeled
// after the redirection-table shape of tinyrange-cc's
// internal/devices/amd64/chipset/ioapic.go, reduced to the handful of
// methods the router actually calls.
type IOAPIC struct {
	mu sync.Mutex

	gsiBase uint8
	masked [NumIRQLines]bool
}

// NewIOAPIC returns an IOAPIC driver with every redirection entry masked
// and lines routed 1:1 to GSIs starting at gsiBase.
func NewIOAPIC(gsiBase uint8) *IOAPIC {
	a := &IOAPIC{gsiBase: gsiBase}
	for i := range a.masked {
		a.masked[i] = true
	}
	return a
}

func (a *IOAPIC) SetIRQMask(irqLine uint8, enabled bool) error {
	if irqLine >= NumIRQLines {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.masked[irqLine] = !enabled
	return nil
}

func (a *IOAPIC) SetIRQEOI(irqLine uint8) error {
	// LAPIC EOI is a single MMIO write with no state to retain between
	// calls in the hosted model.
	return nil
}

func (a *IOAPIC) HandleSpurious(vector uint8) SpuriousResult {
	// The local APIC's spurious-interrupt vector is a fixed, configured
	// vector rather than a line-7/15 convention; none of the IRQ lines
	// the router validates ever alias it.
	return Regular
}

func (a *IOAPIC) GetIRQIntLine(irq uint8) int32 {
	if irq >= NumIRQLines {
		return -1
	}
	return int32(a.gsiBase) + int32(irq)
}
