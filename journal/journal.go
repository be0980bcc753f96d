// Package journal keeps an append-only record of committed checkpoints.
//
// The journal is a stream of YAML documents, one per checkpoint. A lock file
// next to it keeps two processes driving the same control block from
// interleaving their records.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v2"

	"github.com/cei-upm/cbsafe/safety"
)

var ErrLocked = errors.New("journal: in use by another process")

// Journal implements safety.Sink.
type Journal struct {
	path string
	lock *flock.Flock
	log  *slog.Logger

	mu sync.Mutex
	f  *os.File
	n  int
}

// Open opens (creating if needed) the journal at path for appending.
func Open(path string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("journal: lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrLocked
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return &Journal{path: path, lock: lock, log: log.With("component", "journal"), f: f}, nil
}

func (j *Journal) Path() string {
	return j.path
}

// Commit appends cp to the journal and syncs it to disk.
func (j *Journal) Commit(cp *safety.Checkpoint) error {
	data, err := yaml.Marshal(cp)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return fmt.Errorf("journal: %s is closed", j.path)
	}
	if _, err := j.f.Write(append([]byte("---\n"), data...)); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	j.n++
	j.log.Debug("checkpoint journaled", "id", cp.ID, "entries", j.n)
	return nil
}

// Close closes the file and releases the lock. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	if uerr := j.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Load reads every checkpoint in the journal at path, oldest first.
func Load(path string) ([]*safety.Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func Read(r io.Reader) ([]*safety.Checkpoint, error) {
	dec := yaml.NewDecoder(bufio.NewReader(r))
	var cps []*safety.Checkpoint
	for {
		cp := new(safety.Checkpoint)
		err := dec.Decode(cp)
		if err == io.EOF {
			return cps, nil
		}
		if err != nil {
			return cps, fmt.Errorf("journal: entry %d: %w", len(cps)+1, err)
		}
		cps = append(cps, cp)
	}
}

// Verify checks the CRC of every entry and returns one CorruptCheckpointError
// per entry that does not match.
func Verify(cps []*safety.Checkpoint) error {
	var errs []error
	for _, cp := range cps {
		if got := cp.Checksum(); got != cp.CRC {
			errs = append(errs, &safety.CorruptCheckpointError{ID: cp.ID, Want: cp.CRC, Got: got})
		}
	}
	return errors.Join(errs...)
}

// WriteTable prints one line per checkpoint, the output of `cbsafe journal`.
func WriteTable(w io.Writer, cps []*safety.Checkpoint) {
	for _, cp := range cps {
		status := "ok"
		if cp.Checksum() != cp.CRC {
			status = "CORRUPT"
		}
		fmt.Fprintf(w, "%4d  %s  %-8s %-10s master=%s corrections=%d crc=%#04x %s\n",
			cp.ID, cp.Time.Format("2006-01-02 15:04:05.000"), cp.Mode, cp.Mask, cp.Master,
			len(cp.Corrections), cp.CRC, status)
	}
}
