package safety

// A Correction is one field of one core overwritten by the vote.
type Correction struct {
	Core  Core   `yaml:"core"`
	Field string `yaml:"field"`
	From  uint32 `yaml:"from"`
	To    uint32 `yaml:"to"`
}

// vote compares the states of the members field by field.
//
//   - DMR cannot tell which of two cores is right: every disagreement is a
//     mismatch.
//   - TMR takes the value held by at least two cores and corrects the third. A
//     field on which all three differ is a mismatch.
//   - Lockstep pairs are compared by the wrapper hardware; anything left over
//     is corrected toward the master.
//
// The returned states have every correction applied. They must only be used
// when there are no mismatches.
func vote(mode Mode, master Core, members []Core, states map[Core]ArchState) (map[Core]ArchState, []Correction, []Mismatch) {
	voted := make(map[Core]ArchState, len(members))
	for _, c := range members {
		voted[c] = states[c]
	}
	var corrections []Correction
	var mismatches []Mismatch

	for i := 0; i < numStateFields; i++ {
		values := make(map[Core]uint32, len(members))
		counts := make(map[uint32]int, len(members))
		for _, c := range members {
			s := states[c]
			v := *s.field(i)
			values[c] = v
			counts[v]++
		}
		if len(counts) == 1 {
			continue
		}

		var want uint32
		resolved := false
		switch mode {
		case TMR:
			for v, n := range counts {
				if 2*n > len(members) {
					want, resolved = v, true
				}
			}
		case Lockstep:
			want, resolved = values[master], true
		}
		if !resolved {
			mismatches = append(mismatches, Mismatch{Field: fieldName(i), Values: values})
			continue
		}
		for _, c := range members {
			if values[c] == want {
				continue
			}
			s := voted[c]
			*s.field(i) = want
			voted[c] = s
			corrections = append(corrections, Correction{Core: c, Field: fieldName(i), From: values[c], To: want})
		}
	}
	return voted, corrections, mismatches
}
