package registers

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialBus reaches the control block through the board's UART monitor. The
// monitor speaks a line protocol with absolute hexadecimal addresses:
//
//	r <addr>             -> <value>
//	w <addr> <value>     -> ok
//	c <addr> <old> <new> -> 1 | 0
//
// The monitor performs the compare-and-swap with interrupts disabled on the
// device side, which is what makes it atomic for the cores.
//
// A Bus has no error returns, so the first transport error is kept and every
// later access is a no-op returning zero. Check Err after a sequence of
// accesses.
type SerialBus struct {
	mu   sync.Mutex
	rw   io.ReadWriter
	r    *bufio.Reader
	base uint32
	err  error

	closer io.Closer
}

// NewSerialBus wraps an already opened transport.
func NewSerialBus(rw io.ReadWriter, base uint32) *SerialBus {
	b := &SerialBus{rw: rw, r: bufio.NewReader(rw), base: base}
	if c, ok := rw.(io.Closer); ok {
		b.closer = c
	}
	return b
}

// OpenSerial opens a serial port and returns a bus speaking to the monitor on
// the other side.
func OpenSerial(port string, baud int, base uint32) (*SerialBus, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("registers: open %s: %w", port, err)
	}
	if err := p.SetReadTimeout(2 * time.Second); err != nil {
		p.Close()
		return nil, fmt.Errorf("registers: configure %s: %w", port, err)
	}
	return NewSerialBus(p, base), nil
}

// Err returns the first error the bus ran into, if any.
func (b *SerialBus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *SerialBus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// transact sends one command line and returns the reply line. Must be called
// with b.mu held.
func (b *SerialBus) transact(format string, args ...any) string {
	if b.err != nil {
		return ""
	}
	if _, err := fmt.Fprintf(b.rw, format+"\n", args...); err != nil {
		b.err = fmt.Errorf("registers: serial write: %w", err)
		return ""
	}
	line, err := b.r.ReadString('\n')
	if err != nil {
		b.err = fmt.Errorf("registers: serial read: %w", err)
		return ""
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "err") {
		b.err = fmt.Errorf("registers: monitor: %s", line)
		return ""
	}
	return line
}

func (b *SerialBus) Load(offset uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	reply := b.transact("r %08x", b.base+offset)
	if b.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(reply, 16, 32)
	if err != nil {
		b.err = fmt.Errorf("registers: bad read reply %q", reply)
		return 0
	}
	return uint32(v)
}

func (b *SerialBus) Store(offset uint32, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reply := b.transact("w %08x %08x", b.base+offset, value)
	if b.err == nil && reply != "ok" {
		b.err = fmt.Errorf("registers: bad write reply %q", reply)
	}
}

func (b *SerialBus) CompareAndSwap(offset uint32, old, new uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	reply := b.transact("c %08x %08x %08x", b.base+offset, old, new)
	if b.err != nil {
		return false
	}
	switch reply {
	case "1":
		return true
	case "0":
		return false
	default:
		b.err = fmt.Errorf("registers: bad cas reply %q", reply)
		return false
	}
}

// Ports lists the serial ports present on this host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
