//go:build linux

package registers

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIO is a Bus that maps the control block through /dev/mem. This is the
// backend used on an FPGA host whose processing system shares the address
// space with the SoC.
type MMIO struct {
	mem  []byte
	base uintptr // offset of the block inside mem
}

// OpenMMIO maps window bytes of physical memory around base. The window is
// rounded to whole pages and must contain the complete control block.
func OpenMMIO(path string, base uint32, window uint32) (*MMIO, error) {
	if path == "" {
		path = "/dev/mem"
	}
	if window < BlockSize {
		window = BlockSize
	}
	pageSize := uint32(unix.Getpagesize())
	pageBase := base &^ (pageSize - 1)
	delta := base - pageBase
	length := (delta + window + pageSize - 1) &^ (pageSize - 1)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("registers: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, int64(pageBase), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("registers: mmap %#x+%#x: %w", pageBase, length, err)
	}
	return &MMIO{mem: mem, base: uintptr(delta)}, nil
}

func (m *MMIO) word(offset uint32) *uint32 {
	if offset%4 != 0 || offset >= BlockSize {
		panic(fmt.Sprintf("registers: offset %#x outside control block", offset))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[m.base+uintptr(offset)]))
}

func (m *MMIO) Load(offset uint32) uint32 {
	return atomic.LoadUint32(m.word(offset))
}

func (m *MMIO) Store(offset uint32, value uint32) {
	atomic.StoreUint32(m.word(offset), value)
}

func (m *MMIO) CompareAndSwap(offset uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(m.word(offset), old, new)
}

// Close unmaps the block. The MMIO must not be used afterwards.
func (m *MMIO) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
