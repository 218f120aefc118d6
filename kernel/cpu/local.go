package cpu

// Local tracks the hart-private state the kernel keeps outside any thread:
// the hart identifier, the interrupt enable bit and the interrupt mask
// nesting depth. A Local value belongs to exactly one hart and is never
// shared, so its methods need no locking.
type Local struct {
	// HartID is the hardware thread identifier reported at boot.
	HartID uint32

	intrEnabled bool
	maskDepth   int32
	maskSaved   bool
}

// NewLocal returns the hart-local state for the hart with the given ID.
// Interrupts start masked; the boot path unmasks them once the scheduler is
// ready to receive ticks.
func NewLocal(hartID uint32) *Local {
	return &Local{HartID: hartID}
}

// EnableInterrupts sets the hart interrupt enable bit.
func (l *Local) EnableInterrupts() {
	l.intrEnabled = true
}

// DisableInterrupts clears the hart interrupt enable bit.
func (l *Local) DisableInterrupts() {
	l.intrEnabled = false
}

// InterruptsEnabled returns true if the hart currently accepts interrupts.
func (l *Local) InterruptsEnabled() bool {
	return l.intrEnabled
}

// PushOff masks interrupts on the hart. Calls nest: the enable bit in effect
// before the outermost PushOff is restored once every PushOff has been
// matched by a PopOff. Critical sections that share state with trap handlers
// bracket their spinlock with PushOff/PopOff so a tick cannot preempt the
// holder on its own hart.
func (l *Local) PushOff() {
	if l.maskDepth == 0 {
		l.maskSaved = l.intrEnabled
	}
	l.intrEnabled = false
	l.maskDepth++
}

// PopOff undoes one PushOff. An unmatched PopOff indicates a kernel bug and
// panics.
func (l *Local) PopOff() {
	if l.maskDepth <= 0 {
		panic("cpu: unbalanced PopOff")
	}

	l.maskDepth--
	if l.maskDepth == 0 && l.maskSaved {
		l.intrEnabled = true
	}
}
