// Package safety implements the redundant-execution control core of the
// CB-heep safety wrapper: the mode state machine, master election,
// checkpoint voting, the critical-section gate and status reconciliation.
//
// Application code running on a core uses a Hart, the Go form of the
// TMR_Safe_Activate / Store_Checkpoint / TMR_Safe_Stop calls:
//
//	h := w.Hart(safety.Core0)
//	if err := h.Activate(safety.DMR); err != nil { ... }
//	// redundant work
//	id, err := h.StoreCheckpoint()
//	// more redundant work
//	err = h.Stop(safety.Core1)
package safety

import (
	"log/slog"

	"github.com/cei-upm/cbsafe/diagnostics"
	"github.com/cei-upm/cbsafe/registers"
)

// Options configures a Wrapper. The zero value is usable.
type Options struct {
	Timeouts Timeouts

	// Written to BOOT_ADDRESS on every activation when non-zero.
	BootAddress uint32

	Logger   *slog.Logger
	Recorder *diagnostics.Recorder

	// Receives every committed checkpoint.
	Sink Sink
}

// Wrapper ties the components of the control core to one control block.
// Create one per block and share it between all cores of the process.
type Wrapper struct {
	Block       *Block
	Gate        *Gate
	Monitor     *Monitor
	Controller  *Controller
	Checkpoints *CheckpointManager

	harts Harts
}

// New builds the control core for the block on bus, capturing and replaying
// core state through harts.
func New(bus registers.Bus, harts Harts, opts Options) *Wrapper {
	timeouts := opts.Timeouts.withDefaults()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = diagnostics.NewRecorder(1024)
	}

	block := NewBlock(bus)
	gate := NewGate(block, timeouts.LockRetries)
	monitor := NewMonitor(block, gate, recorder)
	checkpoints := NewCheckpointManager(block, harts, timeouts, recorder, log)
	if opts.Sink != nil {
		checkpoints.SetSink(opts.Sink)
	}
	return &Wrapper{
		Block:       block,
		Gate:        gate,
		Monitor:     monitor,
		Checkpoints: checkpoints,
		harts:       harts,
		Controller: &Controller{
			block:       block,
			gate:        gate,
			monitor:     monitor,
			checkpoints: checkpoints,
			timeouts:    timeouts,
			recorder:    recorder,
			log:         log.With("component", "mode"),
			bootAddress: opts.BootAddress,
		},
	}
}

// Hart returns the API used by code running on core c.
func (w *Wrapper) Hart(c Core) *Hart {
	return &Hart{w: w, core: c}
}

// Hart is the consumer surface seen from one core.
type Hart struct {
	w    *Wrapper
	core Core
}

func (h *Hart) Core() Core {
	return h.core
}

// Activate enters a redundant mode on the default mask for this core
// (TMR_Safe_Activate).
func (h *Hart) Activate(mode Mode) error {
	return h.w.Controller.Activate(h.core, mode, DefaultMask(mode, h.core))
}

// ActivateOn enters a redundant mode on an explicit mask.
func (h *Hart) ActivateOn(mode Mode, mask CoreMask) error {
	return h.w.Controller.Activate(h.core, mode, mask)
}

// StoreCheckpoint contributes this core's state to the next checkpoint and
// returns its id once the master committed it (Store_Checkpoint).
func (h *Hart) StoreCheckpoint() (CheckpointID, error) {
	return h.w.Checkpoints.StoreFrom(h.core)
}

// Stop leaves redundancy, keeping master as the only running core
// (TMR_Safe_Stop).
func (h *Hart) Stop(master Core) error {
	return h.w.Controller.Deactivate(h.core, master)
}

// A Parker can put a core to sleep. Harts implementations that control the
// cores directly, like the simulator, implement it.
type Parker interface {
	Park(core Core)
}

// Sleep parks this core, as if it executed wfi. A core holding the critical
// section is refused and keeps running. When the Harts do not implement
// Parker, Sleep only performs the check and the core executes wfi itself
// afterwards.
func (h *Hart) Sleep() error {
	if err := h.w.Gate.CheckSleep(h.core); err != nil {
		return err
	}
	if p, ok := h.w.harts.(Parker); ok {
		p.Park(h.core)
	}
	return nil
}
