package safety

// Timeouts bounds every busy-wait of the control core. A spin-wait across
// coupled cores that never ends is a deadlock, so each budget is finite and
// running out is reported as an error.
type Timeouts struct {
	// Status polls while waiting for cores to wake up or park.
	SyncPolls int `yaml:"sync_polls"`

	// Compare-and-swap attempts on the critical-section bit.
	LockRetries int `yaml:"lock_retries"`

	// Polls while checkpoint members wait for each other.
	StorePolls int `yaml:"store_polls"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		SyncPolls:   1000,
		LockRetries: 100_000,
		StorePolls:  100_000,
	}
}

// withDefaults fills unset budgets.
func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.SyncPolls <= 0 {
		t.SyncPolls = d.SyncPolls
	}
	if t.LockRetries <= 0 {
		t.LockRetries = d.LockRetries
	}
	if t.StorePolls <= 0 {
		t.StorePolls = d.StorePolls
	}
	return t
}
