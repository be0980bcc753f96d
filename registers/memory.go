package registers

import (
	"fmt"
	"sync/atomic"
)

// Memory is a Bus backed by ordinary memory. Every word is accessed
// atomically, so it can be shared between goroutines standing in for cores.
// The zero value is a block with all registers cleared.
type Memory struct {
	words [BlockSize / 4]atomic.Uint32
}

func (m *Memory) word(offset uint32) *atomic.Uint32 {
	if offset%4 != 0 || offset >= BlockSize {
		panic(fmt.Sprintf("registers: offset %#x outside control block", offset))
	}
	return &m.words[offset/4]
}

func (m *Memory) Load(offset uint32) uint32 {
	return m.word(offset).Load()
}

func (m *Memory) Store(offset uint32, value uint32) {
	m.word(offset).Store(value)
}

func (m *Memory) CompareAndSwap(offset uint32, old, new uint32) bool {
	return m.word(offset).CompareAndSwap(old, new)
}

// Dump returns a copy of all registers, keyed by offset.
func Dump(bus Bus) map[uint32]uint32 {
	regs := make(map[uint32]uint32, len(Offsets))
	for _, off := range Offsets {
		regs[off] = bus.Load(off)
	}
	return regs
}
