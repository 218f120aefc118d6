// Package driver defines the contract between the trap layer and interrupt
// driven device drivers. The kernel claims pending external interrupt lines
// from the interrupt controller and routes each one to the handler
// registered for it; everything else about a device stays in its driver.
package driver

import (
	"rvkern/kernel"
	"rvkern/kernel/sync"
)

// ErrIRQInUse is returned when two drivers claim the same interrupt line.
var ErrIRQInUse = &kernel.Error{Module: "driver", Message: "a driver is already registered for this interrupt line"}

// Handler is implemented by drivers that service one external interrupt
// line.
type Handler interface {
	// DriverName returns the driver name used by boot and trace logs.
	DriverName() string

	// IRQ returns the interrupt line this driver services.
	IRQ() uint32

	// HandleIRQ services one pending interrupt on the driver's line. It
	// runs on the hart that claimed the line, with interrupts masked, and
	// must not block.
	HandleIRQ()
}

// Registry routes claimed interrupt lines to registered drivers.
type Registry struct {
	mu       sync.Spinlock
	handlers map[uint32]Handler
}

// NewRegistry returns an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint32]Handler)}
}

// Register binds h to the interrupt line it reports.
func (r *Registry) Register(h Handler) *kernel.Error {
	r.mu.Acquire()
	defer r.mu.Release()

	irq := h.IRQ()
	if _, exists := r.handlers[irq]; exists {
		return ErrIRQInUse
	}

	r.handlers[irq] = h
	return nil
}

// Dispatch invokes the handler registered for irq and reports whether one
// was found. The handler runs outside the registry lock so it may register
// or inspect other drivers.
func (r *Registry) Dispatch(irq uint32) bool {
	r.mu.Acquire()
	h := r.handlers[irq]
	r.mu.Release()

	if h == nil {
		return false
	}

	h.HandleIRQ()
	return true
}
