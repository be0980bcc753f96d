package safety

import (
	"runtime"
	"sync/atomic"
)

// Gate is the critical-section spin lock of the wrapper. The lock itself is
// bit 0 of CRITICAL_SECTION; Gate adds bounded retries and remembers which
// core of this process holds it.
//
// Only one Gate must exist per control block within a process, so that the
// holder bookkeeping sees every core.
type Gate struct {
	block   *Block
	retries int

	// Core holding the section plus one, or zero when free.
	holder atomic.Int32
}

// NewGate returns a gate on block that gives up after retries attempts.
func NewGate(block *Block, retries int) *Gate {
	if retries <= 0 {
		retries = DefaultTimeouts().LockRetries
	}
	return &Gate{block: block, retries: retries}
}

// A Section is a held critical section. Release it exactly once; extra calls
// are ignored.
type Section struct {
	gate     *Gate
	core     Core
	released atomic.Bool
}

// Acquire spins until the critical-section bit could be set, or the retry
// budget runs out.
func (g *Gate) Acquire(core Core) (*Section, error) {
	for i := 0; i <= g.retries; i++ {
		// Try to replace 0 with 1. Once we succeed, the section is ours.
		if g.block.tryLock() {
			g.holder.Store(int32(core) + 1)
			return &Section{gate: g, core: core}, nil
		}
		spinLoopHint()
	}
	holder := -1
	if h, ok := g.Holder(); ok {
		holder = int(h)
	}
	return nil, &CriticalSectionTimeoutError{Core: core, Retries: g.retries, Holder: holder}
}

// Core returns the core that holds the section.
func (s *Section) Core() Core {
	return s.core
}

func (s *Section) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.gate.holder.Store(0)
	s.gate.block.unlock()
}

// Do runs fn with the section held. The section is released on every exit
// path, including a panic in fn.
func (g *Gate) Do(core Core, fn func() error) error {
	s, err := g.Acquire(core)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn()
}

// Holder returns the core of this process holding the section.
func (g *Gate) Holder() (Core, bool) {
	h := g.holder.Load()
	if h == 0 {
		return 0, false
	}
	return Core(h - 1), true
}

// CheckSleep must be called before a core parks itself. A core that sleeps
// with the section held would lock every other core out until it is woken.
func (g *Gate) CheckSleep(core Core) error {
	if h, ok := g.Holder(); ok && h == core {
		return &IllegalSleepWhileLockedError{Core: core}
	}
	return nil
}

// Hint that this core is only waiting, so the host can schedule another one.
func spinLoopHint() {
	runtime.Gosched()
}
