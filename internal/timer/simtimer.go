package timer

import "sync"

// SimTimer is a software stand-in for a periodic hardware timer (PIT/HPET),
// driven by an explicit Fire() call instead of real interrupts — the same
// role tinyrange-cc's internal/devices/hpet.Hpet and
// internal/devices/amd64/chipset/pit.go play as concrete KernelTimer
// implementations, reduced to the capability set the factory consumes.
type SimTimer struct {
	mu sync.Mutex
	freq uint32
	enabled bool
	handler TickHandler
	irq uint8
}

// NewSimTimer returns a SimTimer wired to the given IRQ line.
func NewSimTimer(irq uint8) *SimTimer {
	return &SimTimer{irq: irq}
}

func (t *SimTimer) GetFreq() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freq
}

func (t *SimTimer) SetFreq(hz uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freq = hz
	return nil
}

func (t *SimTimer) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	return nil
}

func (t *SimTimer) Disable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
	return nil
}

func (t *SimTimer) SetHandler(h TickHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
	return nil
}

func (t *SimTimer) RemoveHandler() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = nil
	return nil
}

func (t *SimTimer) GetIRQ() uint8 { return t.irq }

// Fire invokes the installed handler if the timer is enabled, modeling one
// hardware interrupt firing.
func (t *SimTimer) Fire() {
	t.mu.Lock()
	h, enabled := t.handler, t.enabled
	t.mu.Unlock()
	if enabled && h != nil {
		h()
	}
}
