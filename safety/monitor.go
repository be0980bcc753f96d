package safety

import (
	"github.com/cei-upm/cbsafe/diagnostics"
)

// Monitor exposes the interrupt-control and status registers. Reads are
// lock-free; every read-modify-write goes through the gate.
type Monitor struct {
	block    *Block
	gate     *Gate
	recorder *diagnostics.Recorder
}

// NewMonitor returns a monitor recording events to recorder.
func NewMonitor(block *Block, gate *Gate, recorder *diagnostics.Recorder) *Monitor {
	return &Monitor{block: block, gate: gate, recorder: recorder}
}

// Poll returns the status of every core. It never blocks.
func (m *Monitor) Poll() Status {
	return m.block.Status()
}

// EnableInterrupt lets the wrapper latch interrupt conditions.
func (m *Monitor) EnableInterrupt(caller Core) error {
	return m.gate.Do(caller, func() error {
		_, pending := m.block.Interrupt()
		m.block.setInterrupt(true, pending)
		return nil
	})
}

func (m *Monitor) DisableInterrupt(caller Core) error {
	return m.gate.Do(caller, func() error {
		_, pending := m.block.Interrupt()
		m.block.setInterrupt(false, pending)
		return nil
	})
}

// InterruptPending reports whether an interrupt condition was latched since
// the last ClearInterrupt. Reading does not clear it.
func (m *Monitor) InterruptPending() bool {
	_, pending := m.block.Interrupt()
	return pending
}

// InterruptEnabled reports the enable bit.
func (m *Monitor) InterruptEnabled() bool {
	enabled, _ := m.block.Interrupt()
	return enabled
}

// ClearInterrupt acknowledges the latched condition.
func (m *Monitor) ClearInterrupt(caller Core) error {
	return m.gate.Do(caller, func() error {
		enabled, _ := m.block.Interrupt()
		m.block.setInterrupt(enabled, false)
		return nil
	})
}

// Events returns the diagnostics trail: transitions, corrections and faults.
func (m *Monitor) Events() []diagnostics.Event {
	return m.recorder.Events()
}

// waitFor polls until every core of want satisfies ok, or the budget runs out.
// It returns the cores that never did.
func (m *Monitor) waitFor(want CoreMask, polls int, ok func(CoreStatus) bool) CoreMask {
	var pending CoreMask
	for i := 0; i < polls; i++ {
		st := m.Poll()
		pending = 0
		for _, c := range want.Cores() {
			if !ok(st[c]) {
				pending |= c.Mask()
			}
		}
		if pending == 0 {
			return 0
		}
		spinLoopHint()
	}
	return pending
}
