// Package bootimage reads Intel HEX boot images and derives the address the
// safety wrapper writes to BOOT_ADDRESS before waking the redundant cores.
package bootimage

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/inhies/go-bytesize"
	"github.com/marcinbor85/gohex"
)

var ErrEmptyImage = errors.New("bootimage: image contains no data")

// A Segment is one contiguous block of the image.
type Segment struct {
	Address uint32
	Size    int
}

func (s Segment) End() uint32 {
	return s.Address + uint32(s.Size)
}

type Image struct {
	// Start address record of the file, if present.
	Entry    uint32
	HasEntry bool

	Segments []Segment
	mem      *gohex.Memory
}

// Load reads an Intel HEX file.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func Parse(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("bootimage: %w", err)
	}
	img := &Image{mem: mem}
	img.Entry, img.HasEntry = mem.GetStartAddress()
	for _, seg := range mem.GetDataSegments() {
		img.Segments = append(img.Segments, Segment{Address: seg.Address, Size: len(seg.Data)})
	}
	return img, nil
}

// BootAddress returns the address the cores jump to: the start address record
// if the file has one, the lowest loaded address otherwise. RISC-V cores with
// compressed instructions need it to be halfword aligned.
func (img *Image) BootAddress() (uint32, error) {
	var addr uint32
	switch {
	case img.HasEntry:
		addr = img.Entry
	case len(img.Segments) > 0:
		addr = img.Segments[0].Address
		for _, s := range img.Segments[1:] {
			if s.Address < addr {
				addr = s.Address
			}
		}
	default:
		return 0, ErrEmptyImage
	}
	if addr%2 != 0 {
		return 0, fmt.Errorf("bootimage: boot address %#x is not halfword aligned", addr)
	}
	if img.HasEntry && !img.contains(addr) {
		return 0, fmt.Errorf("bootimage: start address %#x is outside the loaded data", addr)
	}
	return addr, nil
}

func (img *Image) contains(addr uint32) bool {
	for _, s := range img.Segments {
		if addr >= s.Address && addr < s.End() {
			return true
		}
	}
	return false
}

// Size returns the number of data bytes in the image.
func (img *Image) Size() bytesize.ByteSize {
	n := 0
	for _, s := range img.Segments {
		n += s.Size
	}
	return bytesize.New(float64(n))
}

// Bytes returns size bytes of the image from addr, with gaps filled with
// 0xff as in erased flash.
func (img *Image) Bytes(addr uint32, size uint32) []byte {
	return img.mem.ToBinary(addr, size, 0xff)
}

// WriteSummary prints the segments and the derived boot address, the output
// of `cbsafe bootinfo`.
func (img *Image) WriteSummary(w io.Writer) error {
	for _, s := range img.Segments {
		fmt.Fprintf(w, "segment %#08x-%#08x %s\n", s.Address, s.End(), bytesize.New(float64(s.Size)))
	}
	fmt.Fprintf(w, "total   %s\n", img.Size())
	addr, err := img.BootAddress()
	if err != nil {
		return err
	}
	if img.HasEntry {
		fmt.Fprintf(w, "boot    %#08x (start address record)\n", addr)
	} else {
		fmt.Fprintf(w, "boot    %#08x (lowest segment)\n", addr)
	}
	return nil
}
