package safety

import (
	"errors"
	"testing"
)

func TestValidMasks(t *testing.T) {
	allowed := map[Mode][]CoreMask{
		Single:   {0b001, 0b010, 0b100},
		DMR:      {0b011, 0b101, 0b110},
		TMR:      {0b111},
		Lockstep: {0b011, 0b101, 0b110},
	}
	for _, mode := range Modes {
		for raw := 0; raw < 256; raw++ {
			mask := CoreMask(raw)
			want := false
			for _, m := range allowed[mode] {
				if m == mask {
					want = true
				}
			}
			err := ValidateMask(mode, mask)
			if want && err != nil {
				t.Errorf("ValidateMask(%s, %03b) = %v, want nil", mode, raw, err)
			}
			if !want && !errors.Is(err, ErrInvalidMask) {
				t.Errorf("ValidateMask(%s, %03b) = %v, want ErrInvalidMask", mode, raw, err)
			}
		}
	}
	if err := ValidateMask(Mode(7), Core01); !errors.Is(err, ErrInvalidMask) {
		t.Errorf("unknown mode accepted: %v", err)
	}
}

func TestElectMaster(t *testing.T) {
	tests := []struct {
		mask CoreMask
		want Core
	}{
		{Core0Mask, Core0},
		{Core2Mask, Core2},
		{Core01, Core0},
		{Core12, Core1},
		{Core02, Core0},
		{AllCores, Core0},
	}
	for _, tc := range tests {
		got, err := ElectMaster(tc.mask)
		if err != nil || got != tc.want {
			t.Errorf("ElectMaster(%s) = %s, %v, want %s", tc.mask, got, err, tc.want)
		}
	}
	if _, err := ElectMaster(0); !errors.Is(err, ErrInvalidMask) {
		t.Errorf("ElectMaster(0) = %v, want ErrInvalidMask", err)
	}
}

func TestSelectMaster(t *testing.T) {
	if c, err := SelectMaster(Core12, Core2); err != nil || c != Core2 {
		t.Errorf("SelectMaster(core{1,2}, core2) = %s, %v", c, err)
	}
	_, err := SelectMaster(Core12, Core0)
	var nm *NotMasterError
	if !errors.As(err, &nm) || nm.Core != Core0 || nm.Mask != Core12 {
		t.Errorf("SelectMaster(core{1,2}, core0) = %v, want NotMasterError", err)
	}
}

func TestDefaultMask(t *testing.T) {
	tests := []struct {
		mode   Mode
		caller Core
		want   CoreMask
	}{
		{TMR, Core2, AllCores},
		{DMR, Core0, Core01},
		{DMR, Core1, Core01},
		{DMR, Core2, Core02},
		{Lockstep, Core1, Core01},
		{Single, Core2, Core2Mask},
	}
	for _, tc := range tests {
		got := DefaultMask(tc.mode, tc.caller)
		if got != tc.want {
			t.Errorf("DefaultMask(%s, %s) = %s, want %s", tc.mode, tc.caller, got, tc.want)
		}
		if err := ValidateMask(tc.mode, got); err != nil {
			t.Errorf("DefaultMask(%s, %s) is not valid: %v", tc.mode, tc.caller, err)
		}
	}
}

func TestParse(t *testing.T) {
	for _, m := range Modes {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %s, %v", m.String(), got, err)
		}
	}
	if m, err := ParseMode("DMR"); err != nil || m != DMR {
		t.Errorf("ParseMode(DMR) = %s, %v", m, err)
	}
	if _, err := ParseMode("quad"); err == nil {
		t.Error("ParseMode(quad) succeeded")
	}

	masks := map[string]CoreMask{
		"0":     Core0Mask,
		"01":    Core01,
		"21":    Core12,
		"012":   AllCores,
		"0b101": Core02,
		"0x6":   Core12,
	}
	for s, want := range masks {
		got, err := ParseCoreMask(s)
		if err != nil || got != want {
			t.Errorf("ParseCoreMask(%q) = %s, %v, want %s", s, got, err, want)
		}
	}
	for _, s := range []string{"", "3", "0x8", "0b0", "abc"} {
		if _, err := ParseCoreMask(s); err == nil {
			t.Errorf("ParseCoreMask(%q) succeeded", s)
		}
	}

	cores := map[string]Core{"1": Core1, "core2": Core2, "0x4": Core2, "0b001": Core0}
	for s, want := range cores {
		got, err := ParseCore(s)
		if err != nil || got != want {
			t.Errorf("ParseCore(%q) = %s, %v, want %s", s, got, err, want)
		}
	}
	for _, s := range []string{"3", "0x3", "0x8", "x"} {
		if _, err := ParseCore(s); err == nil {
			t.Errorf("ParseCore(%q) succeeded", s)
		}
	}
}

func TestCoreMask(t *testing.T) {
	if got := Core02.String(); got != "core{0,2}" {
		t.Errorf("String = %q", got)
	}
	if Core02.Count() != 2 || AllCores.Count() != 3 {
		t.Error("wrong Count")
	}
	if !Core12.Has(Core2) || Core12.Has(Core0) || Core12.Has(Core(5)) {
		t.Error("wrong Has")
	}
	if MaskOf(Core0, Core2) != Core02 {
		t.Error("wrong MaskOf")
	}
	if _, err := NewCoreMask(8); !errors.Is(err, ErrInvalidMask) {
		t.Errorf("NewCoreMask(8) = %v", err)
	}
}
