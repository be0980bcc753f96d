package safety

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Mode is a redundancy configuration. The values are the encoding used in
// SAFE_CONFIGURATION.
type Mode uint8

const (
	Single   Mode = 0
	TMR      Mode = 1
	DMR      Mode = 2
	Lockstep Mode = 3
)

// Modes lists every mode in register-encoding order.
var Modes = []Mode{Single, TMR, DMR, Lockstep}

func (m Mode) String() string {
	switch m {
	case Single:
		return "single"
	case TMR:
		return "tmr"
	case DMR:
		return "dmr"
	case Lockstep:
		return "lockstep"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Redundant reports whether the mode runs more than one core.
func (m Mode) Redundant() bool {
	return m != Single
}

// ParseMode parses a mode name as printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("safety: unknown mode %q", s)
}

// Core identifies one of the three cores of the wrapper.
type Core uint8

const (
	Core0 Core = 0
	Core1 Core = 1
	Core2 Core = 2
)

// NumCores is the number of cores in the wrapper.
const NumCores = 3

func (c Core) String() string {
	return "core" + strconv.Itoa(int(c))
}

// Valid reports whether c names a core of the wrapper.
func (c Core) Valid() bool {
	return c < NumCores
}

// Mask returns the hot-bit mask selecting only c.
func (c Core) Mask() CoreMask {
	return CoreMask(1 << c)
}

// ParseCore accepts "1", "core1" and the MASTER_CORE hot-bit forms "0x2"/"0b010".
func ParseCore(s string) (Core, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "core")
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0b") {
		v, err := strconv.ParseUint(s, 0, 8)
		if err != nil || bits.OnesCount64(v) != 1 || v > 0x4 {
			return 0, fmt.Errorf("safety: invalid hot-bit core %q", s)
		}
		return Core(bits.TrailingZeros64(v)), nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || !Core(v).Valid() {
		return 0, fmt.Errorf("safety: invalid core %q", s)
	}
	return Core(v), nil
}

// CoreMask is a set of cores, one bit per core. Only the low three bits are
// meaningful; masks built by NewCoreMask or ParseCoreMask are never empty and
// never have bits above Core2.
type CoreMask uint8

const (
	Core0Mask CoreMask = 0b001
	Core1Mask CoreMask = 0b010
	Core2Mask CoreMask = 0b100

	Core01   CoreMask = 0b011
	Core02   CoreMask = 0b101
	Core12   CoreMask = 0b110
	AllCores CoreMask = 0b111
)

// NewCoreMask validates a raw register value.
func NewCoreMask(v uint32) (CoreMask, error) {
	if v == 0 || v > uint32(AllCores) {
		return 0, &InvalidMaskError{Mask: CoreMask(v), Reason: "mask must select one to three cores"}
	}
	return CoreMask(v), nil
}

// MaskOf builds the mask selecting the given cores.
func MaskOf(cores ...Core) CoreMask {
	var m CoreMask
	for _, c := range cores {
		m |= c.Mask()
	}
	return m
}

// ParseCoreMask accepts a list of core digits ("01", "012"), or a number with
// a 0b/0x prefix.
func ParseCoreMask(s string) (CoreMask, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0b") {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("safety: invalid mask %q", s)
		}
		return NewCoreMask(uint32(v))
	}
	var m CoreMask
	for _, r := range s {
		if r < '0' || r >= '0'+NumCores {
			return 0, fmt.Errorf("safety: invalid mask %q", s)
		}
		m |= Core(r - '0').Mask()
	}
	return NewCoreMask(uint32(m))
}

// Has reports whether c is a member of the mask.
func (m CoreMask) Has(c Core) bool {
	return c.Valid() && m&c.Mask() != 0
}

// Count returns the number of cores in the mask.
func (m CoreMask) Count() int {
	return bits.OnesCount8(uint8(m))
}

// Lowest returns the lowest-numbered core in the mask. The mask must not be
// empty.
func (m CoreMask) Lowest() Core {
	return Core(bits.TrailingZeros8(uint8(m)))
}

// Cores returns the members of the mask in ascending order.
func (m CoreMask) Cores() []Core {
	cores := make([]Core, 0, NumCores)
	for c := Core0; c < NumCores; c++ {
		if m.Has(c) {
			cores = append(cores, c)
		}
	}
	return cores
}

// String prints the mask as the list of its cores, for example "core{0,2}".
func (m CoreMask) String() string {
	var sb strings.Builder
	sb.WriteString("core{")
	for i, c := range m.Cores() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(c)))
	}
	sb.WriteByte('}')
	return sb.String()
}
