package irq

import "sync"

// picPrimarySpuriousLine and picSecondarySpuriousLine are the IRQ lines
// the 8259 reports when an interrupt
// acknowledge finds nothing pending — line 7 on the primary, 15 on the
// cascaded secondary, matching the constant tinyrange-cc's DualPIC model
// (internal/devices/amd64/chipset/pic.go) uses for the same check. The core
// only consumes the {mask, eoi, handle_spurious, get_irq_int_line} contract
// names; the 8259's register-level emulation is the excluded
// driver's concern, not the router's.
const (
	picPrimarySpuriousLine = 7
	picSecondarySpuriousLine = 15
	picChainIRQ = 2
)

// PIC is the dual-8259-cascade ControllerDriver variant.
type PIC struct {
	mu sync.Mutex
	masked [NumIRQLines]bool
}

// NewPIC returns a PIC driver with every line masked, as after reset.
func NewPIC() *PIC {
	p := &PIC{}
	for i := range p.masked {
		p.masked[i] = true
	}
	p.masked[picChainIRQ] = false // the cascade line is always unmasked
	return p
}

func (p *PIC) SetIRQMask(irqLine uint8, enabled bool) error {
	if irqLine >= NumIRQLines {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.masked[irqLine] = !enabled
	return nil
}

func (p *PIC) SetIRQEOI(irqLine uint8) error {
	// A real 8259 needs an explicit OCW2 EOI write; the router's dispatch
	// wrapper is the only caller here, so there is nothing further to
	// track in the hosted model.
	return nil
}

func (p *PIC) HandleSpurious(vector uint8) SpuriousResult {
	if vector == picPrimarySpuriousLine || vector == picSecondarySpuriousLine {
		return Spurious
	}
	return Regular
}

func (p *PIC) GetIRQIntLine(irq uint8) int32 {
	if irq >= NumIRQLines {
		return -1
	}
	return int32(irq)
}
