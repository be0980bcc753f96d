package journal

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cei-upm/cbsafe/safety"
	"github.com/cei-upm/cbsafe/soc"
)

func checkpoint(id safety.CheckpointID, pc uint32) *safety.Checkpoint {
	st := safety.ArchState{PC: pc}
	st.X[2] = 0x2000_fff0
	cp := &safety.Checkpoint{
		ID:      id,
		Version: safety.CheckpointVersion,
		Time:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Mode:    safety.DMR,
		Mask:    safety.Core01,
		Master:  safety.Core0,
		States:  map[safety.Core]safety.ArchState{0: st, 1: st},
		Corrections: []safety.Correction{
			{Core: 1, Field: "x2", From: 0, To: 0x2000_fff0},
		},
	}
	cp.CRC = cp.Checksum()
	return cp
}

func TestJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.yaml")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []*safety.Checkpoint{checkpoint(1, 0x180), checkpoint(2, 0x1c4)}
	for _, cp := range want {
		if err := j.Commit(cp); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := j.Commit(want[0]); err == nil {
		t.Error("Commit after Close succeeded")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("loaded %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.ID != w.ID || g.Mode != w.Mode || g.Mask != w.Mask || g.CRC != w.CRC || !g.Time.Equal(w.Time) {
			t.Errorf("entry %d = %+v, want %+v", i, g, w)
		}
		if g.States[safety.Core1] != w.States[safety.Core1] {
			t.Errorf("entry %d core1 state differs", i)
		}
		if len(g.Corrections) != 1 || g.Corrections[0] != w.Corrections[0] {
			t.Errorf("entry %d corrections = %+v", i, g.Corrections)
		}
	}
	if err := Verify(got); err != nil {
		t.Errorf("Verify = %v", err)
	}

	got[1].States[safety.Core0] = safety.ArchState{PC: 0xdead}
	err = Verify(got)
	var ce *safety.CorruptCheckpointError
	if !errors.As(err, &ce) || ce.ID != 2 {
		t.Errorf("Verify(tampered) = %v", err)
	}

	var out strings.Builder
	WriteTable(&out, got)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "ok") || !strings.HasSuffix(lines[1], "CORRUPT") {
		t.Errorf("table:\n%s", out.String())
	}
}

func TestJournalLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.yaml")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, nil); !errors.Is(err, ErrLocked) {
		t.Errorf("second Open = %v, want ErrLocked", err)
	}
	j.Close()
	j2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open after Close = %v", err)
	}
	j2.Close()
}

func TestJournalAsSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.yaml")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	s := soc.New()
	w := safety.New(s, s, safety.Options{Sink: j})
	if err := w.Hart(safety.Core0).Activate(safety.TMR); err != nil {
		t.Fatal(err)
	}
	s.Corrupt(safety.Core2, "pc", 0x4)
	id, err := w.Checkpoints.Store()
	if err != nil {
		t.Fatal(err)
	}

	cps, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 || cps[0].ID != id || cps[0].Mask != safety.AllCores {
		t.Fatalf("journal = %+v", cps)
	}
	if len(cps[0].Corrections) != 1 || cps[0].Corrections[0].Core != safety.Core2 {
		t.Errorf("corrections = %+v", cps[0].Corrections)
	}
	if err := Verify(cps); err != nil {
		t.Error(err)
	}
}
