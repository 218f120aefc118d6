package task

import (
	"rvkern/kernel/cpu"
)

// SleepUntil parks the current thread until the wall tick reaches deadline.
// A deadline at or before the current tick returns immediately without
// blocking. It reports whether the thread slept; when it did, regs already
// holds the next runnable thread and must not be touched by the caller.
func (s *Scheduler) SleepUntil(coreID int, regs *cpu.Context, deadline uint64) bool {
	s.mu.Acquire()
	defer s.mu.Release()

	if deadline <= s.ticks {
		return false
	}

	if t := s.park(coreID, regs); t != nil {
		t.state = StateSleeping
		t.wakeTick = deadline
		s.sleepq.insertByWakeTick(t)
	}
	s.dispatch(coreID, regs)
	return true
}

// wakeSleepers readies every sleeper whose deadline has passed, earliest
// deadline first with ties in arrival order. Callers hold the scheduler
// lock.
func (s *Scheduler) wakeSleepers() {
	for s.sleepq.head != nil && s.sleepq.head.wakeTick <= s.ticks {
		s.ready(s.sleepq.pop())
	}
}
