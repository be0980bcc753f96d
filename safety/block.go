package safety

import (
	"math/bits"

	"github.com/cei-upm/cbsafe/registers"
)

// Block is a typed view of the control block. Reads are exported; every
// mutator is unexported and only called by code running inside a Section, so
// there is exactly one guarded path that changes the shared block.
type Block struct {
	bus registers.Bus
}

// NewBlock returns a view of the control block reached through bus.
func NewBlock(bus registers.Bus) *Block {
	return &Block{bus: bus}
}

// Bus returns the bus the block was built on.
func (b *Block) Bus() registers.Bus {
	return b.bus
}

func (b *Block) Mode() Mode {
	v := b.bus.Load(registers.SafeConfiguration)
	return Mode(registers.Field(v, registers.SafeConfigurationMask, 0))
}

// Mask returns the raw active-core mask. It can be zero on a block that was
// never configured.
func (b *Block) Mask() CoreMask {
	v := b.bus.Load(registers.DMRMask)
	return CoreMask(registers.Field(v, registers.DMRMaskMask, 0))
}

// Master decodes MASTER_CORE. ok is false unless exactly one bit is set.
func (b *Block) Master() (core Core, ok bool) {
	v := registers.Field(b.bus.Load(registers.MasterCore), registers.MasterCoreMask, 0)
	if bits.OnesCount32(v) != 1 {
		return 0, false
	}
	return Core(bits.TrailingZeros32(v)), true
}

func (b *Block) BootAddress() uint32 {
	return b.bus.Load(registers.BootAddress)
}

// EndOfRoutine reports whether the last deactivation was signalled.
func (b *Block) EndOfRoutine() bool {
	return registers.Bit(b.bus.Load(registers.EndSWRoutine), registers.EndSWRoutineBit)
}

// Locked reports whether the critical-section bit is set.
func (b *Block) Locked() bool {
	return registers.Bit(b.bus.Load(registers.CriticalSection), registers.CriticalSectionBit)
}

// Interrupt returns the enable and latched-status bits.
func (b *Block) Interrupt() (enabled, pending bool) {
	v := b.bus.Load(registers.InterruptControler)
	return registers.Bit(v, registers.InterruptEnableBit), registers.Bit(v, registers.InterruptStatusBit)
}

// Status decodes CB_HEEP_STATUS.
func (b *Block) Status() Status {
	v := b.bus.Load(registers.CBHeepStatus)
	sleep := registers.Field(v, registers.CoresSleepMask, registers.CoresSleepOffset)
	debug := registers.Field(v, registers.CoresDebugModeMask, registers.CoresDebugModeOffset)
	var st Status
	for c := Core0; c < NumCores; c++ {
		st[c] = CoreStatus{
			Sleeping: sleep&(1<<c) != 0,
			Debug:    debug&(1<<c) != 0,
		}
	}
	return st
}

func (b *Block) setMode(m Mode) {
	v := b.bus.Load(registers.SafeConfiguration)
	b.bus.Store(registers.SafeConfiguration, registers.SetField(v, registers.SafeConfigurationMask, 0, uint32(m)))
}

func (b *Block) setMask(m CoreMask) {
	v := b.bus.Load(registers.DMRMask)
	b.bus.Store(registers.DMRMask, registers.SetField(v, registers.DMRMaskMask, 0, uint32(m)))
}

func (b *Block) setMaster(c Core) {
	v := b.bus.Load(registers.MasterCore)
	b.bus.Store(registers.MasterCore, registers.SetField(v, registers.MasterCoreMask, 0, uint32(c.Mask())))
}

func (b *Block) setBootAddress(addr uint32) {
	b.bus.Store(registers.BootAddress, addr)
}

// pulseStart asks the wrapper to apply the configuration written so far.
func (b *Block) pulseStart() {
	b.bus.Store(registers.Start, 1<<registers.StartBit)
}

func (b *Block) signalEndOfRoutine() {
	b.bus.Store(registers.EndSWRoutine, 1<<registers.EndSWRoutineBit)
}

func (b *Block) clearEndOfRoutine() {
	b.bus.Store(registers.EndSWRoutine, 0)
}

func (b *Block) setInterrupt(enabled, pending bool) {
	v := registers.SetBit(0, registers.InterruptEnableBit, enabled)
	v = registers.SetBit(v, registers.InterruptStatusBit, pending)
	b.bus.Store(registers.InterruptControler, v)
}

// tryLock takes the critical-section bit if it is free.
func (b *Block) tryLock() bool {
	return b.bus.CompareAndSwap(registers.CriticalSection, 0, 1<<registers.CriticalSectionBit)
}

func (b *Block) unlock() {
	b.bus.Store(registers.CriticalSection, 0)
}

// CoreStatus is the per-core view of CB_HEEP_STATUS.
type CoreStatus struct {
	Sleeping bool
	Debug    bool
}

// Running reports whether the core executes normally: awake and not halted
// in debug mode.
func (s CoreStatus) Running() bool {
	return !s.Sleeping && !s.Debug
}

// Status holds the status of every core, indexed by Core.
type Status [NumCores]CoreStatus

// Running returns the cores that are awake and not in debug mode.
func (s Status) Running() CoreMask {
	var m CoreMask
	for c := Core0; c < NumCores; c++ {
		if s[c].Running() {
			m |= c.Mask()
		}
	}
	return m
}

// Sleeping returns the cores that report sleeping.
func (s Status) Sleeping() CoreMask {
	var m CoreMask
	for c := Core0; c < NumCores; c++ {
		if s[c].Sleeping {
			m |= c.Mask()
		}
	}
	return m
}

// Debug returns the cores halted in debug mode.
func (s Status) Debug() CoreMask {
	var m CoreMask
	for c := Core0; c < NumCores; c++ {
		if s[c].Debug {
			m |= c.Mask()
		}
	}
	return m
}
