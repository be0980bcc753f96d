// Package soc simulates the parts of the CB-heep SoC that the safety wrapper
// talks to: three harts with their architectural state and the control block
// with its hardware reactions (wake on START, park on END_SW_ROUTINE, status
// and interrupt latching).
//
// It implements registers.Bus and safety.Harts, so a safety.Wrapper can run
// against it unchanged. Fault injection hooks let tests corrupt state, hang a
// core before it wakes or halt it in debug mode.
package soc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cei-upm/cbsafe/registers"
	"github.com/cei-upm/cbsafe/safety"
)

type hart struct {
	state    safety.ArchState
	sleeping bool
	debug    bool

	// A hung hart ignores START and stays asleep.
	hung bool
}

// SoC is a simulated CB-heep. All methods are safe for concurrent use.
type SoC struct {
	mu    sync.Mutex
	regs  registers.Memory
	harts [safety.NumCores]hart
}

// New returns a SoC out of reset: Single mode on core0, the other cores
// parked, every hart at the boot ROM entry.
func New() *SoC {
	s := &SoC{}
	for c := range s.harts {
		s.harts[c].state.PC = registers.BootOffset
		s.harts[c].sleeping = c != 0
	}
	s.regs.Store(registers.SafeConfiguration, uint32(safety.Single))
	s.regs.Store(registers.DMRMask, uint32(safety.Core0Mask))
	s.regs.Store(registers.MasterCore, uint32(safety.Core0Mask))
	s.updateStatus()
	return s
}

// Load implements registers.Bus.
func (s *SoC) Load(offset uint32) uint32 {
	return s.regs.Load(offset)
}

// Store implements registers.Bus, applying the hardware reaction to START
// and END_SW_ROUTINE.
func (s *SoC) Store(offset uint32, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch offset {
	case registers.Start:
		// Self-clearing pulse.
		if registers.Bit(value, registers.StartBit) {
			s.start()
		}
	case registers.EndSWRoutine:
		s.regs.Store(offset, value)
		if registers.Bit(value, registers.EndSWRoutineBit) {
			s.endRoutine()
		}
	case registers.CBHeepStatus:
		// Read-only.
	default:
		s.regs.Store(offset, value)
	}
}

// CompareAndSwap implements registers.Bus. The status and START registers
// never match.
func (s *SoC) CompareAndSwap(offset uint32, old, new uint32) bool {
	if offset == registers.CBHeepStatus || offset == registers.Start {
		return false
	}
	return s.regs.CompareAndSwap(offset, old, new)
}

// start applies the configuration: every member of the mask wakes up with the
// state of the core that was running (the one that pulsed START), at the boot
// address if one is set. Must be called with s.mu held.
func (s *SoC) start() {
	mask := safety.CoreMask(registers.Field(s.regs.Load(registers.DMRMask), registers.DMRMaskMask, 0))
	boot := s.regs.Load(registers.BootAddress)
	if mask == 0 {
		return
	}

	ref := s.harts[mask.Lowest()].state
	for c := range s.harts {
		if h := s.harts[c]; !h.sleeping && !h.debug {
			ref = h.state
			break
		}
	}
	if boot != 0 {
		ref.PC = boot
	}
	for _, c := range mask.Cores() {
		h := &s.harts[c]
		if h.hung {
			continue
		}
		h.state = ref
		h.sleeping = false
	}
	s.regs.Store(registers.EndSWRoutine, 0)
	s.updateStatus()
}

// endRoutine parks every core outside the mask. Must be called with s.mu held.
func (s *SoC) endRoutine() {
	mask := safety.CoreMask(registers.Field(s.regs.Load(registers.DMRMask), registers.DMRMaskMask, 0))
	for c := safety.Core0; c < safety.NumCores; c++ {
		if !mask.Has(c) {
			s.harts[c].sleeping = true
		}
	}
	s.latchInterrupt()
	s.updateStatus()
}

// latchInterrupt sets the status bit when interrupts are enabled. Must be
// called with s.mu held.
func (s *SoC) latchInterrupt() {
	v := s.regs.Load(registers.InterruptControler)
	if registers.Bit(v, registers.InterruptEnableBit) {
		s.regs.Store(registers.InterruptControler, registers.SetBit(v, registers.InterruptStatusBit, true))
	}
}

// updateStatus mirrors the harts into CB_HEEP_STATUS. Must be called with
// s.mu held.
func (s *SoC) updateStatus() {
	var sleep, debug uint32
	for c, h := range s.harts {
		if h.sleeping {
			sleep |= 1 << c
		}
		if h.debug {
			debug |= 1 << c
		}
	}
	v := registers.SetField(0, registers.CoresSleepMask, registers.CoresSleepOffset, sleep)
	v = registers.SetField(v, registers.CoresDebugModeMask, registers.CoresDebugModeOffset, debug)
	s.regs.Store(registers.CBHeepStatus, v)
}

func (s *SoC) hart(c safety.Core) (*hart, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("soc: no such core %d", c)
	}
	return &s.harts[c], nil
}

// Capture implements safety.Harts.
func (s *SoC) Capture(c safety.Core) (safety.ArchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.hart(c)
	if err != nil {
		return safety.ArchState{}, err
	}
	if h.sleeping {
		return safety.ArchState{}, fmt.Errorf("soc: %s is sleeping", c)
	}
	return h.state, nil
}

// Replay implements safety.Harts.
func (s *SoC) Replay(c safety.Core, state safety.ArchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.hart(c)
	if err != nil {
		return err
	}
	if h.sleeping {
		return fmt.Errorf("soc: %s is sleeping", c)
	}
	h.state = state
	return nil
}

// State returns the current architectural state of a core.
func (s *SoC) State(c safety.Core) safety.ArchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.harts[c].state
}

// SetState overwrites the architectural state of a core.
func (s *SoC) SetState(c safety.Core, state safety.ArchState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.harts[c].state = state
}

// Step executes n identical instructions on every running core: the PC moves
// forward and a0 counts the steps.
func (s *SoC) Step(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.harts {
		h := &s.harts[c]
		if h.sleeping || h.debug {
			continue
		}
		h.state.PC += uint32(4 * n)
		h.state.X[10] += uint32(n)
	}
}

// Corrupt flips one field of a core to value, as a transient fault would.
// Fields are named pc, x0..x31, mstatus, mie, mtvec, mepc and mcause.
func (s *SoC) Corrupt(c safety.Core, field string, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.hart(c)
	if err != nil {
		return err
	}
	p, err := fieldPtr(&h.state, field)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

func fieldPtr(st *safety.ArchState, field string) (*uint32, error) {
	switch strings.ToLower(field) {
	case "pc":
		return &st.PC, nil
	case "mstatus":
		return &st.CSR.MStatus, nil
	case "mie":
		return &st.CSR.MIE, nil
	case "mtvec":
		return &st.CSR.MTVec, nil
	case "mepc":
		return &st.CSR.MEPC, nil
	case "mcause":
		return &st.CSR.MCause, nil
	}
	if strings.HasPrefix(field, "x") {
		n, err := strconv.Atoi(field[1:])
		if err == nil && n >= 0 && n < safety.NumIntRegs {
			return &st.X[n], nil
		}
	}
	return nil, fmt.Errorf("soc: unknown field %q", field)
}

// Park puts a core to sleep, as if it executed wfi. It implements
// safety.Parker; code running on a core parks through safety.Hart.Sleep, which
// refuses while the core holds the critical section.
func (s *SoC) Park(c safety.Core) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.harts[c].sleeping = true
	s.updateStatus()
}

// Wake takes a core out of sleep.
func (s *SoC) Wake(c safety.Core) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.harts[c].sleeping = false
	s.updateStatus()
}

// Hang makes a core ignore the next START pulses until released again.
func (s *SoC) Hang(c safety.Core, hung bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.harts[c].hung = hung
}

// Halt enters or leaves debug mode on a core. Entering debug mode latches
// the wrapper interrupt.
func (s *SoC) Halt(c safety.Core, halted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.harts[c].debug = halted
	if halted {
		s.latchInterrupt()
	}
	s.updateStatus()
}
