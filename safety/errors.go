package safety

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Every typed error below matches exactly one of
// them.
var (
	ErrInvalidMask            = errors.New("safety: invalid core mask")
	ErrAlreadyActive          = errors.New("safety: redundancy already active")
	ErrNotActive              = errors.New("safety: redundancy not active")
	ErrNotMaster              = errors.New("safety: core is not an eligible master")
	ErrSyncTimeout            = errors.New("safety: cores did not synchronize")
	ErrCriticalSectionTimeout = errors.New("safety: critical section busy")
	ErrIllegalSleepWhileLock  = errors.New("safety: sleep while holding critical section")
	ErrInconsistentState      = errors.New("safety: inconsistent core state")
	ErrStaleCheckpoint        = errors.New("safety: stale checkpoint")
	ErrCorruptCheckpoint      = errors.New("safety: corrupt checkpoint")
)

// InvalidMaskError is returned when a mask is not allowed for a mode.
type InvalidMaskError struct {
	Mode   Mode
	Mask   CoreMask
	Reason string
}

func (e *InvalidMaskError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("safety: invalid mask %#03b for %s: %s", uint8(e.Mask), e.Mode, e.Reason)
	}
	return fmt.Sprintf("safety: invalid mask %#03b for %s", uint8(e.Mask), e.Mode)
}

func (e *InvalidMaskError) Is(target error) bool { return target == ErrInvalidMask }

// AlreadyActiveError is returned by an activation while a redundant mode is
// in effect.
type AlreadyActiveError struct {
	Current Mode
	Mask    CoreMask
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("safety: %s already active on %s, deactivate first", e.Current, e.Mask)
}

func (e *AlreadyActiveError) Is(target error) bool { return target == ErrAlreadyActive }

// NotActiveError is returned by operations that need a redundant mode while
// the wrapper runs Single.
type NotActiveError struct {
	Op string
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("safety: %s: no redundant mode active", e.Op)
}

func (e *NotActiveError) Is(target error) bool { return target == ErrNotActive }

// NotMasterError is returned when the named core cannot be master of the
// current mask.
type NotMasterError struct {
	Core Core
	Mask CoreMask
}

func (e *NotMasterError) Error() string {
	return fmt.Sprintf("safety: %s is not a member of %s", e.Core, e.Mask)
}

func (e *NotMasterError) Is(target error) bool { return target == ErrNotMaster }

// SyncTimeoutError is returned when cores did not reach the expected status
// within the poll budget.
type SyncTimeoutError struct {
	Op      string
	Polls   int
	Pending CoreMask // cores that never reached the expected status
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("safety: %s: %s not synchronized after %d polls", e.Op, e.Pending, e.Polls)
}

func (e *SyncTimeoutError) Is(target error) bool { return target == ErrSyncTimeout }

// CriticalSectionTimeoutError is returned when the gate could not be taken
// within the retry budget.
type CriticalSectionTimeoutError struct {
	Core    Core
	Retries int
	Holder  int // core holding the section, or -1 if unknown
}

func (e *CriticalSectionTimeoutError) Error() string {
	if e.Holder >= 0 {
		return fmt.Sprintf("safety: %s gave up on critical section after %d retries (held by core%d)", e.Core, e.Retries, e.Holder)
	}
	return fmt.Sprintf("safety: %s gave up on critical section after %d retries", e.Core, e.Retries)
}

func (e *CriticalSectionTimeoutError) Is(target error) bool {
	return target == ErrCriticalSectionTimeout
}

// IllegalSleepWhileLockedError is returned when a core tries to sleep while
// it holds the critical section.
type IllegalSleepWhileLockedError struct {
	Core Core
}

func (e *IllegalSleepWhileLockedError) Error() string {
	return fmt.Sprintf("safety: %s tried to sleep while holding the critical section", e.Core)
}

func (e *IllegalSleepWhileLockedError) Is(target error) bool {
	return target == ErrIllegalSleepWhileLock
}

// A Mismatch is one architectural field on which the members of a mask
// disagree.
type Mismatch struct {
	Field  string
	Values map[Core]uint32
}

func (m Mismatch) String() string {
	s := m.Field + ":"
	for c := Core0; c < NumCores; c++ {
		if v, ok := m.Values[c]; ok {
			s += fmt.Sprintf(" %s=%#x", c, v)
		}
	}
	return s
}

// InconsistentStateError is returned by a checkpoint store that found
// disagreement between the members it could not resolve. It is a hard fault:
// in DMR every mismatch ends up here since two cores cannot outvote each
// other, in TMR only a field on which all three cores differ does.
type InconsistentStateError struct {
	Mode       Mode
	Mask       CoreMask
	Mismatches []Mismatch
}

func (e *InconsistentStateError) Error() string {
	first := ""
	if len(e.Mismatches) > 0 {
		first = " (" + e.Mismatches[0].String() + ")"
	}
	return fmt.Sprintf("safety: %s on %s: %d unresolved mismatches%s", e.Mode, e.Mask, len(e.Mismatches), first)
}

func (e *InconsistentStateError) Is(target error) bool { return target == ErrInconsistentState }

// StaleCheckpointError is returned by Restore for anything but the most
// recent checkpoint of the current mode epoch.
type StaleCheckpointError struct {
	ID     CheckpointID
	Latest CheckpointID // zero if there is no valid checkpoint
}

func (e *StaleCheckpointError) Error() string {
	if e.Latest == 0 {
		return fmt.Sprintf("safety: checkpoint %d is stale (no valid checkpoint)", e.ID)
	}
	return fmt.Sprintf("safety: checkpoint %d is stale (latest is %d)", e.ID, e.Latest)
}

func (e *StaleCheckpointError) Is(target error) bool { return target == ErrStaleCheckpoint }

// CorruptCheckpointError is returned by Restore when the stored CRC does not
// match the stored state.
type CorruptCheckpointError struct {
	ID        CheckpointID
	Want, Got uint16
}

func (e *CorruptCheckpointError) Error() string {
	return fmt.Sprintf("safety: checkpoint %d crc %#04x, computed %#04x", e.ID, e.Want, e.Got)
}

func (e *CorruptCheckpointError) Is(target error) bool { return target == ErrCorruptCheckpoint }

// DiagnosticCore ties the error to a core in the diagnostics report.
func (e *NotMasterError) DiagnosticCore() int { return int(e.Core) }

func (e *CriticalSectionTimeoutError) DiagnosticCore() int { return int(e.Core) }

func (e *IllegalSleepWhileLockedError) DiagnosticCore() int { return int(e.Core) }

func (e *SyncTimeoutError) Timeout() bool { return true }

func (e *CriticalSectionTimeoutError) Timeout() bool { return true }
