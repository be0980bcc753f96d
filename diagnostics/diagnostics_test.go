package diagnostics

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

type coreErr struct{ core int }

func (e coreErr) Error() string       { return "core failure" }
func (e coreErr) DiagnosticCore() int { return e.core }

type slowErr struct{}

func (slowErr) Error() string { return "too slow" }
func (slowErr) Timeout() bool { return true }

func TestRecorderLimit(t *testing.T) {
	r := NewRecorder(2)
	for i := 0; i < 5; i++ {
		r.Record(Event{Kind: Fault, Core: -1, Msg: "x"})
	}
	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("kept %d events, want 2", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("kept seqs %d,%d, want 4,5", events[0].Seq, events[1].Seq)
	}
	if got := r.Since(4); len(got) != 1 || got[0].Seq != 5 {
		t.Errorf("Since(4) = %v", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(Event{Msg: "dropped"})
	if r.Events() != nil {
		t.Error("nil recorder returned events")
	}
}

func TestReportOrder(t *testing.T) {
	r := NewRecorder(0)
	r.Record(Event{Kind: Correction, Core: 2, Msg: "pc"})
	r.Record(Event{Kind: Transition, Core: -1, From: State{Mode: "single", Mask: 1}, To: State{Mode: "tmr", Mask: 7}})
	r.Record(Event{Kind: Correction, Core: 0, Msg: "x5"})
	r.Record(Event{Kind: Correction, Core: 2, Msg: "x7"})

	report := CreateReport(r.Events())
	if len(report) != 3 {
		t.Fatalf("report has %d groups, want 3", len(report))
	}
	wantCores := []int{-1, 0, 2}
	for i, cd := range report {
		if cd.Core != wantCores[i] {
			t.Errorf("group %d is core %d, want %d", i, cd.Core, wantCores[i])
		}
	}
	if report[2].Events[0].Msg != "pc" || report[2].Events[1].Msg != "x7" {
		t.Errorf("core2 events out of order: %v", report[2].Events)
	}

	var buf bytes.Buffer
	report.WriteTo(&buf, false)
	out := buf.String()
	for _, want := range []string{"# wrapper", "transition: single mask=001 master=core0 -> tmr mask=111", "# core2", "correction: x7"} {
		if !strings.Contains(out, want) {
			t.Errorf("report does not contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("uncolored report contains escapes")
	}
}

func TestCreateDiagnostics(t *testing.T) {
	if CreateDiagnostics(nil) != nil {
		t.Error("nil error produced diagnostics")
	}
	err := errors.Join(coreErr{core: 1}, slowErr{}, errors.New("plain"))
	events := CreateDiagnostics(err)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Core != 1 || events[0].Kind != Fault {
		t.Errorf("core error event = %+v", events[0])
	}
	if events[1].Kind != Timeout || events[1].Core != -1 {
		t.Errorf("timeout event = %+v", events[1])
	}
	if events[2].Msg != "plain" {
		t.Errorf("plain event = %+v", events[2])
	}
}

func TestBundle(t *testing.T) {
	files := []BundleFile{
		{Name: "report.txt", Data: []byte("single -> dmr\n")},
		{Name: "registers.txt", Data: []byte("DMR_MASK 0x03\n")},
	}
	var buf bytes.Buffer
	if err := WriteBundle(&buf, files, time.Unix(1700000000, 0)); err != nil {
		t.Fatal(err)
	}
	got, err := ReadBundle(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(files) {
		t.Fatalf("read %d files, want %d", len(got), len(files))
	}
	for i := range files {
		if got[i].Name != files[i].Name || string(got[i].Data) != string(files[i].Data) {
			t.Errorf("file %d = %q %q", i, got[i].Name, got[i].Data)
		}
	}
}

func TestBundleRejectsLongNames(t *testing.T) {
	err := WriteBundle(&bytes.Buffer{}, []BundleFile{{Name: "a-very-long-member-name.txt"}}, time.Time{})
	if err == nil {
		t.Error("expected error for long member name")
	}
}
