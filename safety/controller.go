package safety

import (
	"errors"
	"log/slog"

	"github.com/cei-upm/cbsafe/diagnostics"
)

// State is the configuration held by the control block.
type State struct {
	Mode   Mode
	Mask   CoreMask
	Master Core
}

func (s State) diagnostic() diagnostics.State {
	return diagnostics.State{Mode: s.Mode.String(), Mask: uint8(s.Mask), Master: int(s.Master)}
}

// Controller owns the redundancy-mode state machine:
//
//	single -> dmr | tmr | lockstep   (Activate)
//	dmr | tmr | lockstep -> single   (Deactivate)
//
// Any other transition is rejected. The state itself lives in the control
// block, so controllers of different cores sharing one block agree on it.
type Controller struct {
	block       *Block
	gate        *Gate
	monitor     *Monitor
	checkpoints *CheckpointManager
	timeouts    Timeouts
	recorder    *diagnostics.Recorder
	log         *slog.Logger

	// Written to BOOT_ADDRESS before START when non-zero.
	bootAddress uint32
}

// State reads the current configuration. An unconfigured block reads as
// Single on core0.
func (c *Controller) State() State {
	s := State{Mode: c.block.Mode(), Mask: c.block.Mask()}
	master, ok := c.block.Master()
	if s.Mask == 0 {
		s.Mask = Core0Mask
	}
	if !ok || !s.Mask.Has(master) {
		master = s.Mask.Lowest()
	}
	s.Master = master
	return s
}

// Activate switches from Single to a redundant mode running on mask. It
// returns once every member runs, or rolls back to the previous
// configuration when they do not within the poll budget.
func (c *Controller) Activate(caller Core, mode Mode, mask CoreMask) error {
	if cur := c.State(); cur.Mode.Redundant() {
		return &AlreadyActiveError{Current: cur.Mode, Mask: cur.Mask}
	}
	if !mode.Redundant() {
		return &InvalidMaskError{Mode: mode, Mask: mask, Reason: "single is not a redundancy mode"}
	}
	if err := ValidateMask(mode, mask); err != nil {
		return err
	}
	master, err := ElectMaster(mask)
	if err != nil {
		return err
	}

	var prev State
	next := State{Mode: mode, Mask: mask, Master: master}
	err = c.gate.Do(caller, func() error {
		// Another core may have activated between the check above and
		// taking the section.
		prev = c.State()
		if prev.Mode.Redundant() {
			return &AlreadyActiveError{Current: prev.Mode, Mask: prev.Mask}
		}
		if c.bootAddress != 0 {
			c.block.setBootAddress(c.bootAddress)
		}
		c.block.clearEndOfRoutine()
		c.block.setMode(mode)
		c.block.setMask(mask)
		c.block.setMaster(master)
		c.block.pulseStart()
		return nil
	})
	if err != nil {
		return err
	}

	if pending := c.monitor.waitFor(mask, c.timeouts.SyncPolls, CoreStatus.Running); pending != 0 {
		err := &SyncTimeoutError{Op: "activate", Polls: c.timeouts.SyncPolls, Pending: pending}
		c.recorder.Record(diagnostics.Event{Kind: diagnostics.Timeout, Core: int(caller), Msg: err.Error()})
		if rbErr := c.rollback(caller, next, prev); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	c.checkpoints.Invalidate()
	c.recorder.Record(diagnostics.Event{
		Kind: diagnostics.Transition,
		Core: -1,
		From: prev.diagnostic(),
		To:   next.diagnostic(),
		Msg:  "activate by " + caller.String(),
	})
	c.log.Info("redundancy activated", "caller", caller, "from", prev.Mode, "mode", mode, "mask", mask, "master", master)
	return nil
}

// rollback restores the Single configuration that was in effect before a
// failed activation and parks the cores it woke.
func (c *Controller) rollback(caller Core, failed, prev State) error {
	err := c.gate.Do(caller, func() error {
		c.block.setMaster(prev.Master)
		c.block.setMask(prev.Mask)
		c.block.setMode(Single)
		c.block.signalEndOfRoutine()
		return nil
	})
	if err != nil {
		c.log.Error("rollback failed", "caller", caller, "err", err)
		return err
	}
	c.checkpoints.Invalidate()
	c.recorder.Record(diagnostics.Event{
		Kind: diagnostics.Rollback,
		Core: -1,
		From: failed.diagnostic(),
		To:   prev.diagnostic(),
		Msg:  "activation did not synchronize",
	})
	c.log.Warn("redundancy activation rolled back", "mode", failed.Mode, "mask", failed.Mask)
	return nil
}

// Deactivate returns to Single mode on master, which must be a member of the
// active mask. The other members are parked by the wrapper once
// END_SW_ROUTINE is set.
//
// Every member of a redundant group executes the same stop call, so a call
// that finds the deactivation to master already committed by a peer succeeds
// without doing anything.
func (c *Controller) Deactivate(caller Core, master Core) error {
	cur := c.State()
	if !cur.Mode.Redundant() {
		return c.alreadyDeactivated(cur, master)
	}
	if _, err := SelectMaster(cur.Mask, master); err != nil {
		return err
	}

	var prev State
	done := false
	err := c.gate.Do(caller, func() error {
		prev = c.State()
		if !prev.Mode.Redundant() {
			err := c.alreadyDeactivated(prev, master)
			done = err == nil
			return err
		}
		if !prev.Mask.Has(master) {
			return &NotMasterError{Core: master, Mask: prev.Mask}
		}
		c.block.setMaster(master)
		c.block.setMask(master.Mask())
		c.block.setMode(Single)
		c.block.signalEndOfRoutine()
		return nil
	})
	if err != nil || done {
		return err
	}

	next := State{Mode: Single, Mask: master.Mask(), Master: master}
	c.checkpoints.Invalidate()
	c.recorder.Record(diagnostics.Event{
		Kind: diagnostics.Transition,
		Core: -1,
		From: prev.diagnostic(),
		To:   next.diagnostic(),
		Msg:  "deactivate by " + caller.String(),
	})
	c.log.Info("redundancy deactivated", "caller", caller, "from", prev.Mode, "mask", prev.Mask, "master", master)

	demoted := prev.Mask &^ master.Mask()
	if pending := c.monitor.waitFor(demoted, c.timeouts.SyncPolls, func(s CoreStatus) bool { return s.Sleeping }); pending != 0 {
		err := &SyncTimeoutError{Op: "deactivate", Polls: c.timeouts.SyncPolls, Pending: pending}
		c.recorder.Record(diagnostics.Event{Kind: diagnostics.Timeout, Core: int(caller), Msg: err.Error()})
		return err
	}
	return nil
}

// alreadyDeactivated checks a stop issued while the block runs Single. It
// succeeds only if END_SW_ROUTINE shows that a stop to master was committed.
func (c *Controller) alreadyDeactivated(cur State, master Core) error {
	if !cur.Mask.Has(master) {
		return &NotMasterError{Core: master, Mask: cur.Mask}
	}
	if c.block.EndOfRoutine() && cur.Master == master && cur.Mask == master.Mask() {
		return nil
	}
	return &NotActiveError{Op: "deactivate"}
}
