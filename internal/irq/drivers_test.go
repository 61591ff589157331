package irq

import "testing"

var (
	_ ControllerDriver = (*PIC)(nil)
	_ ControllerDriver = (*IOAPIC)(nil)
)

func TestPICSpuriousLines(t *testing.T) {
	p := NewPIC()
	if p.HandleSpurious(picPrimarySpuriousLine) != Spurious {
		t.Fatalf("expected primary spurious line to report Spurious")
	}
	if p.HandleSpurious(picSecondarySpuriousLine) != Spurious {
		t.Fatalf("expected secondary spurious line to report Spurious")
	}
	if p.HandleSpurious(3) != Regular {
		t.Fatalf("expected line 3 to report Regular")
	}
}

func TestPICChainLineUnmaskedByDefault(t *testing.T) {
	p := NewPIC()
	if p.masked[picChainIRQ] {
		t.Fatalf("expected cascade line unmasked by default")
	}
	if !p.masked[0] {
		t.Fatalf("expected line 0 masked before registration")
	}
}

func TestIOAPICGSIRouting(t *testing.T) {
	a := NewIOAPIC(24)
	if line := a.GetIRQIntLine(2); line != 26 {
		t.Fatalf("expected GSI 26, got %d", line)
	}
	if line := a.GetIRQIntLine(NumIRQLines); line != -1 {
		t.Fatalf("expected -1 for out-of-range line, got %d", line)
	}
}

func TestIOAPICMaskRoundTrip(t *testing.T) {
	a := NewIOAPIC(0)
	if err := a.SetIRQMask(1, true); err != nil {
		t.Fatalf("SetIRQMask: %v", err)
	}
	if a.masked[1] {
		t.Fatalf("expected line 1 unmasked")
	}
	if err := a.SetIRQMask(1, false); err != nil {
		t.Fatalf("SetIRQMask: %v", err)
	}
	if !a.masked[1] {
		t.Fatalf("expected line 1 masked")
	}
}
