// Package registers describes the CB-heep safety wrapper control block and
// provides the buses through which it can be reached: plain memory (for the
// simulator and tests), /dev/mem on a Linux host that shares the SoC address
// space, and a UART bridge to a board monitor.
//
// The package knows offsets and bit positions only. Policy (which values are
// valid, when a field may be written) lives in the safety package.
package registers

// Memory map of the SoC, as seen from the cores.
const (
	GlobalBaseAddress      uint32 = 0xF000_0000
	PrivateRegBaseAddress  uint32 = 0x0000_0000 | GlobalBaseAddress
	SafeWrapperBaseAddress uint32 = 0x0001_2000 | GlobalBaseAddress
	BootDebugROMAddress    uint32 = 0x0001_0000 | GlobalBaseAddress

	BootOffset  = BootDebugROMAddress | 0x0
	DebugOffset = BootDebugROMAddress | 0x50
)

// Width of every register in the block, in bits.
const RegWidth = 32

// Register offsets relative to SafeWrapperBaseAddress.
const (
	SafeConfiguration  uint32 = 0x00 // redundancy mode
	DMRMask            uint32 = 0x04 // active-core mask
	MasterCore         uint32 = 0x08 // hot-bit master selector
	CriticalSection    uint32 = 0x0c // spin gate
	Start              uint32 = 0x10 // commit pulse
	BootAddress        uint32 = 0x14
	EndSWRoutine       uint32 = 0x18 // deactivation complete
	InterruptControler uint32 = 0x1c
	CBHeepStatus       uint32 = 0x20
)

// BlockSize is the number of bytes spanned by the control block.
const BlockSize = CBHeepStatus + 4

// Field masks and bit positions.
const (
	SafeConfigurationMask = 0x3

	DMRMaskMask    = 0x7
	MasterCoreMask = 0x7

	CriticalSectionBit = 0
	StartBit           = 0
	EndSWRoutineBit    = 0

	InterruptEnableBit = 0
	InterruptStatusBit = 1

	CoresSleepMask       = 0x7
	CoresSleepOffset     = 0
	CoresDebugModeMask   = 0x7
	CoresDebugModeOffset = 3
)

// Names maps every offset to the name used in the hardware register
// description. It is used for dumps and bus tracing.
var Names = map[uint32]string{
	SafeConfiguration:  "SAFE_CONFIGURATION",
	DMRMask:            "DMR_MASK",
	MasterCore:         "MASTER_CORE",
	CriticalSection:    "CRITICAL_SECTION",
	Start:              "START",
	BootAddress:        "BOOT_ADDRESS",
	EndSWRoutine:       "END_SW_ROUTINE",
	InterruptControler: "INTERRUPT_CONTROLER",
	CBHeepStatus:       "CB_HEEP_STATUS",
}

// Offsets lists the registers in address order.
var Offsets = []uint32{
	SafeConfiguration,
	DMRMask,
	MasterCore,
	CriticalSection,
	Start,
	BootAddress,
	EndSWRoutine,
	InterruptControler,
	CBHeepStatus,
}

// A Bus gives word access to the control block. Offsets are relative to the
// start of the block and always word aligned.
//
// Implementations must make CompareAndSwap atomic with respect to every other
// master on the bus: it is the primitive the critical-section gate is built on.
type Bus interface {
	Load(offset uint32) uint32
	Store(offset uint32, value uint32)
	CompareAndSwap(offset uint32, old, new uint32) bool
}

// Field extracts a masked field from a register value.
func Field(value, mask, offset uint32) uint32 {
	return (value >> offset) & mask
}

// SetField returns value with the given field replaced.
func SetField(value, mask, offset, field uint32) uint32 {
	value &^= mask << offset
	return value | (field&mask)<<offset
}

// Bit reports whether bit n is set in value.
func Bit(value uint32, n uint) bool {
	return value&(1<<n) != 0
}

// SetBit returns value with bit n set or cleared.
func SetBit(value uint32, n uint, on bool) uint32 {
	if on {
		return value | 1<<n
	}
	return value &^ (1 << n)
}
