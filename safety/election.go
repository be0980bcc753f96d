package safety

// Masks allowed for each mode. Lockstep pairs are compared cycle by cycle by
// the wrapper hardware; from the control core's point of view they are
// elected exactly like DMR pairs.
var validMasks = [...][]CoreMask{
	Single:   {Core0Mask, Core1Mask, Core2Mask},
	TMR:      {AllCores},
	DMR:      {Core01, Core02, Core12},
	Lockstep: {Core01, Core02, Core12},
}

// ValidMasks returns the masks a mode may run on. The returned slice must not
// be modified.
func ValidMasks(mode Mode) []CoreMask {
	if int(mode) >= len(validMasks) {
		return nil
	}
	return validMasks[mode]
}

// ValidateMask checks mask against the election rules for mode.
func ValidateMask(mode Mode, mask CoreMask) error {
	allowed := ValidMasks(mode)
	if allowed == nil {
		return &InvalidMaskError{Mode: mode, Mask: mask, Reason: "unknown mode"}
	}
	for _, m := range allowed {
		if m == mask {
			return nil
		}
	}
	return &InvalidMaskError{Mode: mode, Mask: mask}
}

// ElectMaster returns the conventional master of a mask: its lowest-numbered
// core.
func ElectMaster(mask CoreMask) (Core, error) {
	if mask == 0 || mask > AllCores {
		return 0, &InvalidMaskError{Mask: mask, Reason: "no core to elect"}
	}
	return mask.Lowest(), nil
}

// SelectMaster overrides the election with an explicit core, which must be a
// member of the mask.
func SelectMaster(mask CoreMask, core Core) (Core, error) {
	if !mask.Has(core) {
		return 0, &NotMasterError{Core: core, Mask: mask}
	}
	return core, nil
}

// DefaultMask is the mask used when the application only names a mode. The
// caller always stays in the mask; pairs are completed with the lowest other
// core.
func DefaultMask(mode Mode, caller Core) CoreMask {
	switch mode {
	case TMR:
		return AllCores
	case DMR, Lockstep:
		for c := Core0; c < NumCores; c++ {
			if c != caller {
				return MaskOf(caller, c)
			}
		}
	}
	return caller.Mask()
}
