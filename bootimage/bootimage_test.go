package bootimage

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/marcinbor85/gohex"
)

// hexImage builds an Intel HEX file with the given segments.
func hexImage(t *testing.T, entry uint32, hasEntry bool, segments map[uint32][]byte) *bytes.Buffer {
	t.Helper()
	mem := gohex.NewMemory()
	for addr, data := range segments {
		if err := mem.AddBinary(addr, data); err != nil {
			t.Fatal(err)
		}
	}
	if hasEntry {
		mem.SetStartAddress(entry)
	}
	var buf bytes.Buffer
	if err := mem.DumpIntelHex(&buf, 16); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestBootAddress(t *testing.T) {
	text := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 8) // nops
	data := []byte{1, 2, 3, 4}

	img, err := Parse(hexImage(t, 0, false, map[uint32][]byte{0x180: text, 0x1000: data}))
	if err != nil {
		t.Fatal(err)
	}
	if addr, err := img.BootAddress(); err != nil || addr != 0x180 {
		t.Errorf("BootAddress = %#x, %v, want lowest segment 0x180", addr, err)
	}
	if img.Size() != 36 {
		t.Errorf("Size = %v, want 36B", img.Size())
	}
	if got := img.Bytes(0x1000, 6); !bytes.Equal(got, []byte{1, 2, 3, 4, 0xff, 0xff}) {
		t.Errorf("Bytes = % x", got)
	}

	img, err = Parse(hexImage(t, 0x190, true, map[uint32][]byte{0x180: text}))
	if err != nil {
		t.Fatal(err)
	}
	if addr, err := img.BootAddress(); err != nil || addr != 0x190 {
		t.Errorf("BootAddress = %#x, %v, want start address 0x190", addr, err)
	}

	var out strings.Builder
	if err := img.WriteSummary(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "start address record") {
		t.Errorf("summary:\n%s", out.String())
	}
}

func TestBootAddressErrors(t *testing.T) {
	img, err := Parse(strings.NewReader(":00000001FF\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.BootAddress(); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("empty image: %v", err)
	}

	img, err = Parse(hexImage(t, 0x9000, true, map[uint32][]byte{0x180: {0, 0, 0, 0}}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.BootAddress(); err == nil {
		t.Error("start address outside the image accepted")
	}

	img, err = Parse(hexImage(t, 0x181, true, map[uint32][]byte{0x180: {0, 0, 0, 0}}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.BootAddress(); err == nil {
		t.Error("odd start address accepted")
	}

	if _, err := Parse(strings.NewReader(":0400000001020304F0\n")); err == nil {
		t.Error("bad checksum accepted")
	}
}
