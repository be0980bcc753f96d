package registers

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestFields(t *testing.T) {
	status := uint32(0b101_011)
	if got := Field(status, CoresSleepMask, CoresSleepOffset); got != 0b011 {
		t.Errorf("sleep field = %03b, want 011", got)
	}
	if got := Field(status, CoresDebugModeMask, CoresDebugModeOffset); got != 0b101 {
		t.Errorf("debug field = %03b, want 101", got)
	}
	v := SetField(0xffff_ffff, SafeConfigurationMask, 0, 2)
	if v != 0xffff_fffe {
		t.Errorf("SetField = %#x, want 0xfffffffe", v)
	}
	v = SetBit(0, InterruptStatusBit, true)
	if !Bit(v, InterruptStatusBit) || Bit(v, InterruptEnableBit) {
		t.Errorf("SetBit produced %#b", v)
	}
	if SetBit(v, InterruptStatusBit, false) != 0 {
		t.Errorf("clearing bit left %#b", SetBit(v, InterruptStatusBit, false))
	}
}

func TestMemoryBus(t *testing.T) {
	var m Memory
	m.Store(BootAddress, 0x8000_0180)
	if got := m.Load(BootAddress); got != 0x8000_0180 {
		t.Errorf("Load = %#x", got)
	}
	if !m.CompareAndSwap(CriticalSection, 0, 1) {
		t.Error("CAS on free bit failed")
	}
	if m.CompareAndSwap(CriticalSection, 0, 1) {
		t.Error("CAS on held bit succeeded")
	}
	regs := Dump(&m)
	if len(regs) != len(Offsets) || regs[CriticalSection] != 1 {
		t.Errorf("Dump = %v", regs)
	}
}

func TestMemoryBusRejectsUnalignedOffsets(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unaligned offset")
		}
	}()
	var m Memory
	m.Load(0x2)
}

// fakeMonitor answers the UART monitor protocol from a Memory bus.
type fakeMonitor struct {
	mem  Memory
	base uint32
	out  bytes.Buffer
}

func (f *fakeMonitor) Write(p []byte) (int, error) {
	var addr, a, b uint32
	line := strings.TrimSpace(string(p))
	switch line[0] {
	case 'r':
		fmt.Sscanf(line, "r %x", &addr)
		fmt.Fprintf(&f.out, "%08x\n", f.mem.Load(addr-f.base))
	case 'w':
		fmt.Sscanf(line, "w %x %x", &addr, &a)
		f.mem.Store(addr-f.base, a)
		f.out.WriteString("ok\n")
	case 'c':
		fmt.Sscanf(line, "c %x %x %x", &addr, &a, &b)
		if f.mem.CompareAndSwap(addr-f.base, a, b) {
			f.out.WriteString("1\n")
		} else {
			f.out.WriteString("0\n")
		}
	default:
		f.out.WriteString("err unknown command\n")
	}
	return len(p), nil
}

func (f *fakeMonitor) Read(p []byte) (int, error) {
	return f.out.Read(p)
}

func TestSerialBus(t *testing.T) {
	mon := &fakeMonitor{base: SafeWrapperBaseAddress}
	bus := NewSerialBus(mon, SafeWrapperBaseAddress)

	bus.Store(DMRMask, 0x5)
	if got := mon.mem.Load(DMRMask); got != 0x5 {
		t.Errorf("monitor saw DMR_MASK = %#x, want 0x5", got)
	}
	if got := bus.Load(DMRMask); got != 0x5 {
		t.Errorf("Load = %#x, want 0x5", got)
	}
	if !bus.CompareAndSwap(CriticalSection, 0, 1) {
		t.Error("first CAS failed")
	}
	if bus.CompareAndSwap(CriticalSection, 0, 1) {
		t.Error("second CAS succeeded")
	}
	if err := bus.Err(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSerialBusKeepsFirstError(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("bogus\n")
	bus := NewSerialBus(&buf, 0)
	if got := bus.Load(Start); got != 0 {
		t.Errorf("Load = %#x after bad reply", got)
	}
	first := bus.Err()
	if first == nil {
		t.Fatal("expected an error")
	}
	bus.Store(Start, 1)
	if bus.Err() != first {
		t.Errorf("error changed from %v to %v", first, bus.Err())
	}
}
