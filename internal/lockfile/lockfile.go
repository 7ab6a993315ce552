// Package lockfile implements the cross-process leadership claim. The
// lockfile's existence plus liveness of the recorded pid is the
// leadership predicate: exactly one process per state dir should hold
// it and run the pool server. Mutation goes through atomic exclusive
// creates; everything else is read-and-verify.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrHeld is returned by Acquire when the lockfile belongs to a live
// process.
var ErrHeld = errors.New("lockfile held by a live process")

// Record is the lockfile payload, written exactly once per leadership
// term.
type Record struct {
	PID       int    `json:"pid"`
	Timestamp string `json:"timestamp"`
}

// Acquire claims leadership at path, creating the state dir if needed.
// The claim is an exclusive create; a file left by a dead process is
// removed and the create retried once. After writing, the file is read
// back to confirm the claim survived a concurrent takeover. Returns
// ErrHeld when a live process holds it.
func Acquire(path string) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	err := create(path)
	if err == nil {
		return confirm(path)
	}
	if !os.IsExist(err) {
		return err
	}

	rec, readErr := read(path)
	if readErr == nil && IsAlive(rec.PID) {
		return heldBy(rec)
	}
	// Dead holder or unreadable record: claim the stale file.
	_ = os.Remove(path)

	if err := create(path); err != nil {
		if os.IsExist(err) {
			if rec, readErr := read(path); readErr == nil {
				return heldBy(rec)
			}
			return ErrHeld
		}
		return err
	}
	return confirm(path)
}

// ForceAcquire claims leadership unconditionally, replacing whatever
// record exists. Last resort after connect retries are exhausted:
// availability over strict exclusion.
func ForceAcquire(path string) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	data, err := marshalOwn()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("replacing lockfile %s: %w", path, err)
	}
	return nil
}

func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating state dir for %s: %w", path, err)
	}
	return nil
}

// Release removes the lockfile only if it still carries our pid. A
// record claimed by someone else in the meantime is left alone.
func Release(path string) error {
	rec, err := read(path)
	if err != nil {
		return nil
	}
	if rec.PID != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

// Holder returns the current record and whether its pid is alive. A
// missing lockfile returns a nil record and no error.
func Holder(path string) (*Record, bool, error) {
	rec, err := read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, IsAlive(rec.PID), nil
}

// IsAlive probes a pid with signal 0. On Unix, FindProcess always
// succeeds, so the signal result is the actual liveness test.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func create(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	data, err := marshalOwn()
	if err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("writing lockfile %s: %w", path, err)
	}
	return f.Close()
}

// confirm re-reads the file after a create and verifies the record
// still carries our pid. Closes the window where two processes both
// judged the same file stale.
func confirm(path string) error {
	rec, err := read(path)
	if err != nil {
		return fmt.Errorf("confirming lockfile %s: %w", path, err)
	}
	if rec.PID != os.Getpid() {
		return heldBy(rec)
	}
	return nil
}

func read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing lockfile %s: %w", path, err)
	}
	return &rec, nil
}

func marshalOwn() ([]byte, error) {
	rec := Record{
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return json.MarshalIndent(rec, "", "  ")
}

func heldBy(rec *Record) error {
	return fmt.Errorf("%w (pid %d since %s)", ErrHeld, rec.PID, rec.Timestamp)
}
