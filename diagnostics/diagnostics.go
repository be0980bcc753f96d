// Package diagnostics records the fault-diagnosis trail of the redundancy
// control core (mode transitions, corrections, timeouts) and prints it in a
// consistent way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Kind classifies an event.
type Kind uint8

const (
	Transition Kind = iota // a committed mode change
	Rollback               // a mode change undone after a failure
	Correction             // a minority core overwritten by the vote
	Mismatch               // disagreement that could not be corrected
	Timeout                // a bounded wait ran out
	Fault                  // any other error surfaced to the application
)

func (k Kind) String() string {
	switch k {
	case Transition:
		return "transition"
	case Rollback:
		return "rollback"
	case Correction:
		return "correction"
	case Mismatch:
		return "mismatch"
	case Timeout:
		return "timeout"
	case Fault:
		return "fault"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

func (k *Kind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	for c := Transition; c <= Fault; c++ {
		if c.String() == s {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("diagnostics: unknown event kind %q", s)
}

// State is the wrapper configuration before or after a transition.
type State struct {
	Mode   string `yaml:"mode"`
	Mask   uint8  `yaml:"mask"`
	Master int    `yaml:"master"`
}

func (s State) String() string {
	return fmt.Sprintf("%s mask=%03b master=core%d", s.Mode, s.Mask, s.Master)
}

// A single diagnostic event.
type Event struct {
	Seq  uint64    `yaml:"seq"`
	Time time.Time `yaml:"time"`
	Kind Kind      `yaml:"kind"`

	// Core the event is about, or -1 for events concerning the whole wrapper.
	Core int `yaml:"core"`

	// Only set for transitions and rollbacks.
	From State `yaml:"from,omitempty"`
	To   State `yaml:"to,omitempty"`

	Msg string `yaml:"msg"`
}

// Recorder keeps the most recent events. It is safe for concurrent use by
// all cores.
type Recorder struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
	limit  int
	now    func() time.Time
}

// NewRecorder returns a recorder that keeps at most limit events (unbounded
// when limit is zero or negative).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit, now: time.Now}
}

// Record stamps e with a sequence number and time and stores it.
func (r *Recorder) Record(e Event) Event {
	if r == nil {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.Seq = r.seq
	if e.Time.IsZero() {
		e.Time = r.now()
	}
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append(r.events[:0:0], r.events[len(r.events)-r.limit:]...)
	}
	return e
}

// Events returns a copy of the stored events, oldest first.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Since returns the events recorded after sequence number seq.
func (r *Recorder) Since(seq uint64) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Events of one core (or of the whole wrapper, for Core == -1).
type CoreDiagnostic struct {
	Core   int
	Events []Event
}

// Diagnostics of a whole run, grouped per core.
type Report []CoreDiagnostic

// CreateReport groups events per core. Wrapper-wide events come first, each
// group is in recording order.
func CreateReport(events []Event) Report {
	byCore := map[int][]Event{}
	for _, e := range events {
		byCore[e.Core] = append(byCore[e.Core], e)
	}
	var report Report
	for core, evs := range byCore {
		sort.SliceStable(evs, func(i, j int) bool {
			return evs[i].Seq < evs[j].Seq
		})
		report = append(report, CoreDiagnostic{Core: core, Events: evs})
	}
	sort.Slice(report, func(i, j int) bool {
		return report[i].Core < report[j].Core
	})
	return report
}

// Write the report to w. With color set, fault kinds are highlighted with
// ANSI escapes (use a colorable writer on Windows).
func (r Report) WriteTo(w io.Writer, color bool) {
	for _, cd := range r {
		cd.WriteTo(w, color)
	}
}

// Write the events of one core to w.
func (cd CoreDiagnostic) WriteTo(w io.Writer, color bool) {
	if cd.Core < 0 {
		fmt.Fprintln(w, "# wrapper")
	} else {
		fmt.Fprintf(w, "# core%d\n", cd.Core)
	}
	for _, e := range cd.Events {
		e.WriteTo(w, color)
	}
}

// Write this event to w as a single line.
func (e Event) WriteTo(w io.Writer, color bool) {
	kind := e.Kind.String()
	if color {
		switch e.Kind {
		case Mismatch, Fault, Timeout:
			kind = "\x1b[31m" + kind + "\x1b[0m" // red
		case Correction, Rollback:
			kind = "\x1b[33m" + kind + "\x1b[0m" // yellow
		}
	}
	switch e.Kind {
	case Transition, Rollback:
		fmt.Fprintf(w, "%6d %s: %s -> %s", e.Seq, kind, e.From, e.To)
		if e.Msg != "" {
			fmt.Fprintf(w, " (%s)", e.Msg)
		}
		fmt.Fprintln(w)
	default:
		fmt.Fprintf(w, "%6d %s: %s\n", e.Seq, kind, e.Msg)
	}
}

// Errors that concern one particular core report it through this method.
type coreError interface {
	DiagnosticCore() int
}

// Same convention as net.Error.
type timeoutError interface {
	Timeout() bool
}

// CreateDiagnostics turns an error into fault events, one per error in the
// tree built by errors.Join or by wrapping.
func CreateDiagnostics(err error) []Event {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var events []Event
		for _, err := range joined.Unwrap() {
			events = append(events, CreateDiagnostics(err)...)
		}
		return events
	}
	e := Event{Kind: Fault, Core: -1, Msg: err.Error()}
	var ce coreError
	if errors.As(err, &ce) {
		e.Core = ce.DiagnosticCore()
	}
	var te timeoutError
	if errors.As(err, &te) && te.Timeout() {
		e.Kind = Timeout
	}
	return []Event{e}
}
