package safety

import (
	"encoding/binary"
	"strconv"
)

// NumIntRegs is the size of the RV32 integer register file.
const NumIntRegs = 32

// CSRs is the subset of control and status registers that must agree between
// redundant cores for them to resume in lockstep.
type CSRs struct {
	MStatus uint32 `yaml:"mstatus"`
	MIE     uint32 `yaml:"mie"`
	MTVec   uint32 `yaml:"mtvec"`
	MEPC    uint32 `yaml:"mepc"`
	MCause  uint32 `yaml:"mcause"`
}

// ArchState is the architectural state of one core captured at a checkpoint.
type ArchState struct {
	PC  uint32             `yaml:"pc"`
	X   [NumIntRegs]uint32 `yaml:"x,flow"`
	CSR CSRs               `yaml:"csr"`
}

// Fields are addressed by index: pc, x0..x31, then the CSRs.
const numStateFields = 1 + NumIntRegs + 5

var csrNames = [...]string{"mstatus", "mie", "mtvec", "mepc", "mcause"}

func fieldName(i int) string {
	switch {
	case i == 0:
		return "pc"
	case i <= NumIntRegs:
		return "x" + strconv.Itoa(i-1)
	default:
		return csrNames[i-1-NumIntRegs]
	}
}

func (s *ArchState) field(i int) *uint32 {
	switch {
	case i == 0:
		return &s.PC
	case i <= NumIntRegs:
		return &s.X[i-1]
	}
	switch i - 1 - NumIntRegs {
	case 0:
		return &s.CSR.MStatus
	case 1:
		return &s.CSR.MIE
	case 2:
		return &s.CSR.MTVec
	case 3:
		return &s.CSR.MEPC
	default:
		return &s.CSR.MCause
	}
}

// appendBinary appends the little-endian encoding of every field.
func (s *ArchState) appendBinary(b []byte) []byte {
	for i := 0; i < numStateFields; i++ {
		b = binary.LittleEndian.AppendUint32(b, *s.field(i))
	}
	return b
}

// Harts gives the control core access to the architectural state of each
// core. On silicon this is the debug module (or each core dumping its own
// registers to shared memory); the simulator implements it directly.
type Harts interface {
	Capture(core Core) (ArchState, error)
	Replay(core Core, state ArchState) error
}
