//go:build !linux

package registers

import "errors"

// MMIO is only available on Linux hosts.
type MMIO struct{}

func OpenMMIO(path string, base uint32, window uint32) (*MMIO, error) {
	return nil, errors.New("registers: /dev/mem access is only supported on linux")
}

func (m *MMIO) Load(offset uint32) uint32                         { return 0 }
func (m *MMIO) Store(offset uint32, value uint32)                 {}
func (m *MMIO) CompareAndSwap(offset uint32, old, new uint32) bool { return false }
func (m *MMIO) Close() error                                       { return nil }
