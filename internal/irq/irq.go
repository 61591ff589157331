// Package irq implements the interrupt-routing abstraction: a per-vector
// handler table, IRQ-driver dispatch delegated to a polymorphic
// controller driver, and the disable/restore pair critical sections build
// on. The controller driver interface is modeled on tinyrange-cc's chipset
// devices (internal/devices/amd64/chipset/pic.go, ioapic.go): one interface,
// two concrete implementations selected once at init.
package irq

import (
	"fmt"
	"sync"

	"github.com/vermillion-os/vkernel/internal/cpu"
	"github.com/vermillion-os/vkernel/internal/kerr"
)

// NumIRQLines is the number of IRQ lines the router validates against,
// matching tinyrange-cc's cascaded dual-PIC line count.
const NumIRQLines = 16

// ExceptionVectorCount is the number of CPU exception vectors (0-31)
// dispatched separately from IRQ lines.
const ExceptionVectorCount = 32

// PanicVector is the reserved vector kernel_panic broadcasts over IPI.
const PanicVector = 0xFD

// PageFaultVector is the exception vector the paging fault handler is
// installed on.
const PageFaultVector = 14

// SpuriousResult is the outcome of a controller driver's spurious-IRQ check.
type SpuriousResult int

const (
	Regular SpuriousResult = iota
	Spurious
)

// ControllerDriver is the polymorphic capability set names for
// the interrupt-controller collaborator: {PIC, IOAPIC+LAPIC}.
type ControllerDriver interface {
	SetIRQMask(irq uint8, enabled bool) error
	SetIRQEOI(irq uint8) error
	HandleSpurious(vector uint8) SpuriousResult
	GetIRQIntLine(irq uint8) int32 // -1 if unsupported
}

// Handler is an exception/IRQ handler. regs is the saved register image for
// the interrupted context. DispatchIRQ and DispatchException call it
// without changing the router's per-CPU interrupt-enable state; interrupts
// are not disabled around the call.
type Handler func(regs *cpu.Registers)

// Router holds the vector table and drives dispatch.
type Router struct {
	mu sync.Mutex

	driver ControllerDriver

	irqHandlers [NumIRQLines]Handler
	irqRegistered [NumIRQLines]bool
	exceptionHandler [ExceptionVectorCount]Handler

	// enabled tracks per-CPU interrupt-enable state for Disable/Restore.
	enabled [maxTrackedCPUs]bool
}

const maxTrackedCPUs = 4

// NewRouter creates a Router with no driver installed; SetDriver must be
// called before IRQ registration can unmask lines.
func NewRouter() *Router {
	r := &Router{}
	for i := range r.enabled {
		r.enabled[i] = true
	}
	return r
}

// SetDriver installs the controller driver (PIC or IOAPIC+LAPIC).
func (r *Router) SetDriver(d ControllerDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.driver = d
}

// RegisterIRQ installs handler for irq, unmasking the line via the driver.
func (r *Router) RegisterIRQ(irqLine uint8, handler Handler) error {
	if irqLine >= NumIRQLines {
		return fmt.Errorf("irq %d: %w", irqLine, kerr.ErrNoSuchIRQ)
	}
	if handler == nil {
		return fmt.Errorf("irq %d: %w", irqLine, kerr.ErrNullPointer)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.irqRegistered[irqLine] {
		return fmt.Errorf("irq %d: %w", irqLine, kerr.ErrInterruptAlreadyRegistered)
	}
	if r.driver == nil {
		return fmt.Errorf("irq %d: %w", irqLine, kerr.ErrNotInitialized)
	}
	if r.driver.GetIRQIntLine(irqLine) < 0 {
		return fmt.Errorf("irq %d: %w", irqLine, kerr.ErrUnauthorizedInterruptLine)
	}

	r.irqHandlers[irqLine] = handler
	r.irqRegistered[irqLine] = true
	return r.driver.SetIRQMask(irqLine, true)
}

// RemoveIRQ uninstalls a previously registered IRQ handler.
func (r *Router) RemoveIRQ(irqLine uint8) error {
	if irqLine >= NumIRQLines {
		return fmt.Errorf("irq %d: %w", irqLine, kerr.ErrNoSuchIRQ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.irqRegistered[irqLine] {
		return fmt.Errorf("irq %d: %w", irqLine, kerr.ErrInterruptNotRegistered)
	}
	r.irqRegistered[irqLine] = false
	r.irqHandlers[irqLine] = nil
	if r.driver != nil {
		return r.driver.SetIRQMask(irqLine, false)
	}
	return nil
}

// SetIRQMask delegates to the installed driver.
func (r *Router) SetIRQMask(irqLine uint8, enabled bool) error {
	r.mu.Lock()
	driver := r.driver
	r.mu.Unlock()
	if driver == nil {
		return kerr.ErrNotInitialized
	}
	return driver.SetIRQMask(irqLine, enabled)
}

// SetIRQEOI delegates to the installed driver.
func (r *Router) SetIRQEOI(irqLine uint8) error {
	r.mu.Lock()
	driver := r.driver
	r.mu.Unlock()
	if driver == nil {
		return kerr.ErrNotInitialized
	}
	return driver.SetIRQEOI(irqLine)
}

// RegisterException installs a handler for a CPU exception vector (<32),
// e.g. PageFaultVector.
func (r *Router) RegisterException(vector uint8, handler Handler) error {
	if vector >= ExceptionVectorCount {
		return fmt.Errorf("exception vector %d: %w", vector, kerr.ErrOutOfBound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exceptionHandler[vector] != nil {
		return fmt.Errorf("exception vector %d: %w", vector, kerr.ErrInterruptAlreadyRegistered)
	}
	r.exceptionHandler[vector] = handler
	return nil
}

// DispatchIRQ runs the IRQ-wrapper policy : spurious check
// first, then the registered handler with EOI sent after return (the
// router's responsibility when this wrapper is used, vs. handler-owned EOI
// for raw Handler invocation via DispatchVector).
func (r *Router) DispatchIRQ(irqLine uint8, regs *cpu.Registers) {
	r.mu.Lock()
	driver := r.driver
	handler := Handler(nil)
	if irqLine < NumIRQLines {
		handler = r.irqHandlers[irqLine]
	}
	r.mu.Unlock()

	if driver != nil && driver.HandleSpurious(irqLine) == Spurious {
		if driver != nil {
			_ = driver.SetIRQEOI(irqLine)
		}
		return
	}

	if handler != nil {
		handler(regs)
	}
	if driver != nil {
		_ = driver.SetIRQEOI(irqLine)
	}
}

// DispatchException runs the handler registered for a CPU exception vector,
// if any. It is the entry point faults (including page faults) arrive
// through.
func (r *Router) DispatchException(vector uint8, regs *cpu.Registers) bool {
	r.mu.Lock()
	handler := Handler(nil)
	if vector < ExceptionVectorCount {
		handler = r.exceptionHandler[vector]
	}
	r.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(regs)
	return true
}

// Disable disables interrupts on the calling CPU and returns the prior
// enable state, for use by critical sections.
func (r *Router) Disable(id cpu.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := int(id)
	if idx < 0 || idx >= len(r.enabled) {
		return true
	}
	prev := r.enabled[idx]
	r.enabled[idx] = false
	return prev
}

// Restore restores the interrupt-enable state returned by a prior Disable.
func (r *Router) Restore(id cpu.ID, prev bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := int(id)
	if idx < 0 || idx >= len(r.enabled) {
		return
	}
	r.enabled[idx] = prev
}

// Enabled reports whether interrupts are currently enabled on id.
func (r *Router) Enabled(id cpu.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := int(id)
	if idx < 0 || idx >= len(r.enabled) {
		return true
	}
	return r.enabled[idx]
}
