// Package scenario runs line-oriented scripts against a safety wrapper on the
// simulated SoC. A script plays the part of the application running on the
// cores: it activates redundancy, stores checkpoints, injects faults and
// checks what the wrapper did.
//
// Each line is one command, split like a shell command line. A # starts a
// comment. An operation that fails stops the script, unless the next command
// is "expect error".
package scenario

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"

	"github.com/cei-upm/cbsafe/safety"
	"github.com/cei-upm/cbsafe/soc"
)

// Template is the sequence of the CB-heep template application: enter DMR,
// store a checkpoint and leave with core1 as master.
const Template = `# template application
activate dmr
step 16
store
step 16
stop 1
expect mode single
expect mask 1
expect master 1
expect sleeping 02
`

// Script errors match these names in "expect error <name>".
var errorNames = map[string]error{
	"invalid-mask":             safety.ErrInvalidMask,
	"already-active":           safety.ErrAlreadyActive,
	"not-active":               safety.ErrNotActive,
	"not-master":               safety.ErrNotMaster,
	"sync-timeout":             safety.ErrSyncTimeout,
	"critical-section-timeout": safety.ErrCriticalSectionTimeout,
	"illegal-sleep":            safety.ErrIllegalSleepWhileLock,
	"inconsistent-state":       safety.ErrInconsistentState,
	"stale-checkpoint":         safety.ErrStaleCheckpoint,
	"corrupt-checkpoint":       safety.ErrCorruptCheckpoint,
}

// ErrorNames returns the names accepted by "expect error", sorted.
func ErrorNames() []string {
	names := make([]string, 0, len(errorNames)+1)
	for name := range errorNames {
		names = append(names, name)
	}
	names = append(names, "none")
	sort.Strings(names)
	return names
}

// A ScriptError reports the line at which a script failed.
type ScriptError struct {
	Name string
	Line int
	Cmd  string
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %v", e.Name, e.Line, e.Cmd, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// Runner executes commands. It is not safe for concurrent use.
type Runner struct {
	sim *soc.SoC
	w   *safety.Wrapper
	out io.Writer
	log *slog.Logger

	// Core issuing single-core commands ("on <core>").
	core safety.Core

	// Error of the last operation, until an expectation consumes it.
	pending error
	lastErr error

	lastID  safety.CheckpointID
	section *safety.Section
}

func New(sim *soc.SoC, w *safety.Wrapper, out io.Writer, log *slog.Logger) *Runner {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{sim: sim, w: w, out: out, log: log.With("component", "scenario")}
}

// Run executes a whole script. name is used in error messages.
func (r *Runner) Run(name string, src io.Reader) error {
	sc := bufio.NewScanner(src)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if err := r.Exec(text); err != nil {
			return &ScriptError{Name: name, Line: line, Cmd: text, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if err := r.pending; err != nil {
		r.pending = nil
		return &ScriptError{Name: name, Line: line, Cmd: "end of script", Err: err}
	}
	return nil
}

// Exec executes one line.
func (r *Runner) Exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	if !(cmd == "expect" && len(args) > 0 && args[0] == "error") {
		if err := r.pending; err != nil {
			r.pending = nil
			return fmt.Errorf("unexpected error: %w", err)
		}
	}

	switch cmd {
	case "on":
		c, err := r.coreArg(args, 0)
		if err != nil {
			return err
		}
		r.core = c
		return nil
	case "expect":
		return r.expect(args)
	case "print":
		return r.print(args)
	}
	if fn := r.faultCommand(cmd); fn != nil {
		if r.sim == nil {
			return fmt.Errorf("%s needs the simulator", cmd)
		}
		return fn(args)
	}
	err = r.operation(cmd, args)
	var usage usageError
	if errors.As(err, &usage) {
		return err
	}
	r.lastErr = err
	r.pending = err
	if err != nil {
		r.log.Debug("operation failed", "cmd", cmd, "err", err)
	}
	return nil
}

type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{fmt.Sprintf(format, args...)}
}

// operation runs a wrapper operation. Errors other than usageError are
// wrapper results that the script may expect.
func (r *Runner) operation(cmd string, args []string) error {
	h := r.w.Hart(r.core)
	switch cmd {
	case "activate":
		if len(args) < 1 || len(args) > 2 {
			return usagef("usage: activate <mode> [mask]")
		}
		mode, err := safety.ParseMode(args[0])
		if err != nil {
			return usageError{err.Error()}
		}
		if len(args) == 1 {
			return h.Activate(mode)
		}
		mask, err := safety.ParseCoreMask(args[1])
		if err != nil {
			return usageError{err.Error()}
		}
		return h.ActivateOn(mode, mask)
	case "store":
		if len(args) != 0 {
			return usagef("usage: store")
		}
		return r.store()
	case "restore":
		id := r.lastID
		if len(args) == 1 {
			n, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return usageError{err.Error()}
			}
			id = safety.CheckpointID(n)
		}
		return r.w.Checkpoints.Restore(id)
	case "stop":
		master, err := r.coreArg(args, 0)
		if err != nil {
			return err
		}
		return r.stop(master)
	case "sleep":
		return h.Sleep()
	case "lock":
		if r.section != nil {
			return usagef("section already held by %s", r.section.Core())
		}
		s, err := r.w.Gate.Acquire(r.core)
		if err != nil {
			return err
		}
		r.section = s
		return nil
	case "unlock":
		if r.section == nil {
			return usagef("section not held")
		}
		r.section.Release()
		r.section = nil
		return nil
	case "irq":
		if len(args) != 1 {
			return usagef("usage: irq enable|disable|clear")
		}
		switch args[0] {
		case "enable":
			return r.w.Monitor.EnableInterrupt(r.core)
		case "disable":
			return r.w.Monitor.DisableInterrupt(r.core)
		case "clear":
			return r.w.Monitor.ClearInterrupt(r.core)
		}
		return usagef("usage: irq enable|disable|clear")
	}
	return usagef("unknown command %q", cmd)
}

// store issues the checkpoint from every member at once, the way every core
// of the redundant group executes the same call.
func (r *Runner) store() error {
	mask := r.w.Controller.State().Mask
	if !r.w.Controller.State().Mode.Redundant() {
		_, err := r.w.Checkpoints.StoreFrom(r.core)
		return err
	}
	cores := mask.Cores()
	ids := make([]safety.CheckpointID, len(cores))
	errs := make([]error, len(cores))
	var wg sync.WaitGroup
	for i, c := range cores {
		wg.Add(1)
		go func(i int, c safety.Core) {
			defer wg.Done()
			ids[i], errs[i] = r.w.Hart(c).StoreCheckpoint()
		}(i, c)
	}
	wg.Wait()
	for i := range cores {
		if errs[i] != nil {
			return errs[i]
		}
	}
	r.lastID = ids[0]
	fmt.Fprintf(r.out, "checkpoint %d stored\n", r.lastID)
	return nil
}

// stop is executed by every member of the active group, issuing core first.
func (r *Runner) stop(master safety.Core) error {
	st := r.w.Controller.State()
	cores := []safety.Core{r.core}
	for _, c := range st.Mask.Cores() {
		if c != r.core {
			cores = append(cores, c)
		}
	}
	for _, c := range cores {
		if err := r.w.Hart(c).Stop(master); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) faultCommand(cmd string) func([]string) error {
	switch cmd {
	case "fault":
		return func(args []string) error {
			if len(args) != 3 {
				return usagef("usage: fault <core> <field> <value>")
			}
			c, err := r.coreArg(args, 0)
			if err != nil {
				return err
			}
			v, err := strconv.ParseUint(args[2], 0, 32)
			if err != nil {
				return err
			}
			return r.sim.Corrupt(c, args[1], uint32(v))
		}
	case "step":
		return func(args []string) error {
			n := 1
			if len(args) == 1 {
				var err error
				if n, err = strconv.Atoi(args[0]); err != nil || n < 0 {
					return usagef("invalid step count %q", args[0])
				}
			}
			r.sim.Step(n)
			return nil
		}
	case "hang", "halt":
		return func(args []string) error {
			c, err := r.coreArg(args, 0)
			if err != nil {
				return err
			}
			on := true
			if len(args) == 2 {
				if on, err = onOff(args[1]); err != nil {
					return err
				}
			}
			if cmd == "hang" {
				r.sim.Hang(c, on)
			} else {
				r.sim.Halt(c, on)
			}
			return nil
		}
	}
	return nil
}

func onOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func (r *Runner) coreArg(args []string, i int) (safety.Core, error) {
	if len(args) <= i {
		return 0, usagef("missing core")
	}
	c, err := safety.ParseCore(args[i])
	if err != nil {
		return 0, usageError{err.Error()}
	}
	return c, nil
}

func (r *Runner) expect(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: expect <what> <value>")
	}
	what, want := args[0], args[1]
	st := r.w.Controller.State()
	switch what {
	case "error":
		err := r.pending
		r.pending = nil
		if want == "none" {
			if err != nil {
				return fmt.Errorf("expected no error, got %v", err)
			}
			return nil
		}
		target, ok := errorNames[want]
		if !ok {
			return fmt.Errorf("unknown error name %q (known: %s)", want, strings.Join(ErrorNames(), ", "))
		}
		if !errors.Is(err, target) {
			return fmt.Errorf("expected %s, got %v", want, err)
		}
		return nil
	case "mode":
		mode, err := safety.ParseMode(want)
		if err != nil {
			return err
		}
		if st.Mode != mode {
			return fmt.Errorf("mode is %s, expected %s", st.Mode, mode)
		}
	case "mask":
		mask, err := safety.ParseCoreMask(want)
		if err != nil {
			return err
		}
		if st.Mask != mask {
			return fmt.Errorf("mask is %s, expected %s", st.Mask, mask)
		}
	case "master":
		c, err := safety.ParseCore(want)
		if err != nil {
			return err
		}
		if st.Master != c {
			return fmt.Errorf("master is %s, expected %s", st.Master, c)
		}
	case "sleeping", "running":
		var mask safety.CoreMask
		if want != "none" {
			var err error
			if mask, err = safety.ParseCoreMask(want); err != nil {
				return err
			}
		}
		got := r.w.Monitor.Poll().Sleeping()
		if what == "running" {
			got = r.w.Monitor.Poll().Running()
		}
		if got != mask {
			return fmt.Errorf("%s cores are %s, expected %s", what, got, mask)
		}
	case "irq":
		pending := r.w.Monitor.InterruptPending()
		switch want {
		case "pending":
			if !pending {
				return fmt.Errorf("no interrupt pending")
			}
		case "clear":
			if pending {
				return fmt.Errorf("interrupt pending")
			}
		default:
			return fmt.Errorf("usage: expect irq pending|clear")
		}
	case "corrections":
		n, err := strconv.Atoi(want)
		if err != nil {
			return err
		}
		cp, ok := r.w.Checkpoints.Latest()
		if !ok {
			return fmt.Errorf("no valid checkpoint")
		}
		if len(cp.Corrections) != n {
			return fmt.Errorf("checkpoint %d has %d corrections, expected %d", cp.ID, len(cp.Corrections), n)
		}
	case "pc":
		if r.sim == nil {
			return fmt.Errorf("expect pc needs the simulator")
		}
		if len(args) != 3 {
			return fmt.Errorf("usage: expect pc <core> <value>")
		}
		c, err := safety.ParseCore(args[1])
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(args[2], 0, 32)
		if err != nil {
			return err
		}
		if pc := r.sim.State(c).PC; pc != uint32(v) {
			return fmt.Errorf("%s pc is %#x, expected %#x", c, pc, v)
		}
	default:
		return fmt.Errorf("cannot expect %q", what)
	}
	return nil
}

func (r *Runner) print(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: print state|status|events")
	}
	switch args[0] {
	case "state":
		st := r.w.Controller.State()
		fmt.Fprintf(r.out, "mode=%s mask=%s master=%s\n", st.Mode, st.Mask, st.Master)
	case "status":
		st := r.w.Monitor.Poll()
		fmt.Fprintf(r.out, "running=%s sleeping=%s debug=%s irq=%v\n",
			st.Running(), st.Sleeping(), st.Debug(), r.w.Monitor.InterruptPending())
	case "events":
		for _, e := range r.w.Monitor.Events() {
			e.WriteTo(r.out, false)
		}
	default:
		return fmt.Errorf("cannot print %q", args[0])
	}
	return nil
}

// LastError returns the result of the last wrapper operation.
func (r *Runner) LastError() error {
	return r.lastErr
}
