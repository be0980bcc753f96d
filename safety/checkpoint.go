package safety

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sigurn/crc16"

	"github.com/cei-upm/cbsafe/diagnostics"
)

// CheckpointID identifies a stored checkpoint. IDs start at 1 and are never
// reused within a process.
type CheckpointID uint64

// CheckpointVersion is the layout version of Checkpoint, covered by the CRC.
const CheckpointVersion = 1

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checkpoint is a consistency point of the redundant cores. After a
// successful store every member holds the same state.
type Checkpoint struct {
	ID      CheckpointID `yaml:"id"`
	Version int          `yaml:"version"`
	Epoch   uint64       `yaml:"epoch"`
	Time    time.Time    `yaml:"time"`

	Mode   Mode     `yaml:"mode"`
	Mask   CoreMask `yaml:"mask"`
	Master Core     `yaml:"master"`

	States      map[Core]ArchState `yaml:"states"`
	Corrections []Correction       `yaml:"corrections,omitempty"`

	CRC uint16 `yaml:"crc"`
}

// Checksum computes the CRC over everything that is replayed on restore.
func (cp *Checkpoint) Checksum() uint16 {
	b := make([]byte, 0, 16+NumCores*4*numStateFields)
	b = append(b, byte(cp.Version), byte(cp.Mode), byte(cp.Mask), byte(cp.Master))
	for _, c := range cp.Mask.Cores() {
		s := cp.States[c]
		b = append(b, byte(c))
		b = s.appendBinary(b)
	}
	return crc16.Checksum(b, crcTable)
}

func (cp *Checkpoint) clone() *Checkpoint {
	c := *cp
	c.States = make(map[Core]ArchState, len(cp.States))
	for k, v := range cp.States {
		c.States[k] = v
	}
	c.Corrections = append([]Correction(nil), cp.Corrections...)
	return &c
}

// A Sink receives every committed checkpoint, for example to journal it.
type Sink interface {
	Commit(cp *Checkpoint) error
}

// CheckpointManager stores and restores checkpoints. Only one checkpoint is
// outstanding: a new store supersedes the previous one, and every mode
// transition (Invalidate) makes it stale.
type CheckpointManager struct {
	block    *Block
	harts    Harts
	timeouts Timeouts
	recorder *diagnostics.Recorder
	log      *slog.Logger
	sink     Sink

	mu     sync.Mutex
	lastID CheckpointID
	epoch  uint64
	latest *Checkpoint
	round  *storeRound
}

// A storeRound collects the local captures of the members for one store
// issued redundantly by every member.
type storeRound struct {
	epoch  uint64
	states map[Core]ArchState

	done bool
	id   CheckpointID
	err  error
}

// NewCheckpointManager returns a manager with no checkpoint stored.
func NewCheckpointManager(block *Block, harts Harts, timeouts Timeouts, recorder *diagnostics.Recorder, log *slog.Logger) *CheckpointManager {
	if log == nil {
		log = slog.Default()
	}
	return &CheckpointManager{
		block:    block,
		harts:    harts,
		timeouts: timeouts.withDefaults(),
		recorder: recorder,
		log:      log.With("component", "checkpoint"),
	}
}

// SetSink installs the receiver of committed checkpoints.
func (m *CheckpointManager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Store captures every member of the active mask, votes, corrects and keeps
// the result as the latest checkpoint.
func (m *CheckpointManager) Store() (CheckpointID, error) {
	mode, mask, master, err := m.activeConfig("store")
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	states := make(map[Core]ArchState, mask.Count())
	for _, c := range mask.Cores() {
		s, err := m.harts.Capture(c)
		if err != nil {
			return 0, fmt.Errorf("safety: capture %s: %w", c, err)
		}
		states[c] = s
	}
	return m.commit(epoch, mode, mask, master, states)
}

// StoreFrom is the store issued by one member of the redundant group. Each
// member contributes its own capture; the master composes and commits once
// every member has contributed, the others wait for that commit. All members
// return the same result.
func (m *CheckpointManager) StoreFrom(core Core) (CheckpointID, error) {
	mode, mask, master, err := m.activeConfig("store")
	if err != nil {
		return 0, err
	}
	if !mask.Has(core) {
		return 0, &NotMasterError{Core: core, Mask: mask}
	}
	state, err := m.harts.Capture(core)
	if err != nil {
		return 0, fmt.Errorf("safety: capture %s: %w", core, err)
	}

	m.mu.Lock()
	r := m.round
	if r == nil || r.done || r.epoch != m.epoch {
		r = &storeRound{epoch: m.epoch, states: make(map[Core]ArchState, mask.Count())}
		m.round = r
	}
	r.states[core] = state
	m.mu.Unlock()

	if core != master {
		for i := 0; i < m.timeouts.StorePolls; i++ {
			m.mu.Lock()
			done, id, err := r.done, r.id, r.err
			m.mu.Unlock()
			if done {
				return id, err
			}
			spinLoopHint()
		}
		return 0, &SyncTimeoutError{Op: "store", Polls: m.timeouts.StorePolls, Pending: master.Mask()}
	}

	var states map[Core]ArchState
	var missing CoreMask
	for i := 0; i < m.timeouts.StorePolls; i++ {
		m.mu.Lock()
		missing = mask
		for c := range r.states {
			missing &^= c.Mask()
		}
		if missing == 0 {
			states = make(map[Core]ArchState, len(r.states))
			for c, s := range r.states {
				states[c] = s
			}
		}
		m.mu.Unlock()
		if missing == 0 {
			break
		}
		spinLoopHint()
	}

	var id CheckpointID
	if missing != 0 {
		err = &SyncTimeoutError{Op: "store", Polls: m.timeouts.StorePolls, Pending: missing}
		m.record(diagnostics.Event{Kind: diagnostics.Timeout, Core: int(master), Msg: err.Error()})
	} else {
		id, err = m.commit(r.epoch, mode, mask, master, states)
	}
	m.mu.Lock()
	r.done, r.id, r.err = true, id, err
	m.mu.Unlock()
	return id, err
}

func (m *CheckpointManager) activeConfig(op string) (Mode, CoreMask, Core, error) {
	mode := m.block.Mode()
	if !mode.Redundant() {
		return 0, 0, 0, &NotActiveError{Op: op}
	}
	mask := m.block.Mask()
	if err := ValidateMask(mode, mask); err != nil {
		return 0, 0, 0, err
	}
	master, ok := m.block.Master()
	if !ok || !mask.Has(master) {
		return 0, 0, 0, &NotMasterError{Core: master, Mask: mask}
	}
	return mode, mask, master, nil
}

// commit votes over the captured states and, if they can be reconciled,
// replays the corrections and stores the checkpoint.
func (m *CheckpointManager) commit(epoch uint64, mode Mode, mask CoreMask, master Core, states map[Core]ArchState) (CheckpointID, error) {
	members := mask.Cores()
	voted, corrections, mismatches := vote(mode, master, members, states)
	if len(mismatches) > 0 {
		for _, mm := range mismatches {
			m.record(diagnostics.Event{Kind: diagnostics.Mismatch, Core: -1, Msg: fmt.Sprintf("%s on %s: %s", mode, mask, mm)})
		}
		err := &InconsistentStateError{Mode: mode, Mask: mask, Mismatches: mismatches}
		m.log.Error("checkpoint rejected", "mode", mode, "mask", mask, "mismatches", len(mismatches))
		return 0, err
	}

	corrected := CoreMask(0)
	for _, c := range corrections {
		corrected |= c.Core.Mask()
		m.record(diagnostics.Event{
			Kind: diagnostics.Correction,
			Core: int(c.Core),
			Msg:  fmt.Sprintf("%s %#x -> %#x", c.Field, c.From, c.To),
		})
	}
	for _, c := range corrected.Cores() {
		if err := m.harts.Replay(c, voted[c]); err != nil {
			return 0, fmt.Errorf("safety: correct %s: %w", c, err)
		}
	}

	m.mu.Lock()
	if epoch != m.epoch {
		// A mode transition happened while the members were captured.
		latest := m.validLatestLocked()
		m.mu.Unlock()
		return 0, &StaleCheckpointError{Latest: latest}
	}
	m.lastID++
	cp := &Checkpoint{
		ID:          m.lastID,
		Version:     CheckpointVersion,
		Epoch:       epoch,
		Time:        time.Now(),
		Mode:        mode,
		Mask:        mask,
		Master:      master,
		States:      voted,
		Corrections: corrections,
	}
	cp.CRC = cp.Checksum()
	m.latest = cp
	sink := m.sink
	m.mu.Unlock()

	m.log.Info("checkpoint stored", "id", cp.ID, "mode", mode, "mask", mask, "corrections", len(corrections))
	if sink != nil {
		if err := sink.Commit(cp.clone()); err != nil {
			m.log.Error("checkpoint not journaled", "id", cp.ID, "err", err)
			m.record(diagnostics.Event{Kind: diagnostics.Fault, Core: -1, Msg: fmt.Sprintf("journal checkpoint %d: %v", cp.ID, err)})
		}
	}
	return cp.ID, nil
}

// Restore replays checkpoint id to the cores that stored it. Only the latest
// checkpoint of the current mode epoch can be restored.
func (m *CheckpointManager) Restore(id CheckpointID) error {
	m.mu.Lock()
	latest := m.validLatestLocked()
	var cp *Checkpoint
	if latest != 0 && latest == id {
		cp = m.latest.clone()
	}
	m.mu.Unlock()
	if cp == nil {
		return &StaleCheckpointError{ID: id, Latest: latest}
	}
	if got := cp.Checksum(); got != cp.CRC {
		return &CorruptCheckpointError{ID: id, Want: cp.CRC, Got: got}
	}
	for _, c := range cp.Mask.Cores() {
		if err := m.harts.Replay(c, cp.States[c]); err != nil {
			return fmt.Errorf("safety: restore %s: %w", c, err)
		}
	}
	m.log.Info("checkpoint restored", "id", id, "mask", cp.Mask)
	return nil
}

// Latest returns a copy of the checkpoint that Restore would accept.
func (m *CheckpointManager) Latest() (*Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.validLatestLocked() == 0 {
		return nil, false
	}
	return m.latest.clone(), true
}

// Invalidate starts a new mode epoch. Every checkpoint taken before becomes
// stale.
func (m *CheckpointManager) Invalidate() {
	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()
}

func (m *CheckpointManager) validLatestLocked() CheckpointID {
	if m.latest == nil || m.latest.Epoch != m.epoch {
		return 0
	}
	return m.latest.ID
}

func (m *CheckpointManager) record(e diagnostics.Event) {
	m.recorder.Record(e)
}
