// Package filelock provides a cross-process advisory lock backed by a
// sentinel file created with exclusive-create semantics.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrTimeout is returned when the lock cannot be acquired before the
// caller's deadline.
var ErrTimeout = errors.New("filelock: acquire timed out")

// DefaultPollInterval is how often Acquire retries the exclusive create.
const DefaultPollInterval = 100 * time.Millisecond

// Lock is the advisory-lock interface; the scheduler never branches on the
// underlying platform mechanism.
type Lock interface {
	Acquire(timeout time.Duration) error
	Release() error
}

// Sentinel implements Lock by exclusively creating a sentinel file and
// polling until it wins or times out. The sentinel records the holder pid
// for post-mortem inspection; correctness relies only on O_EXCL.
type Sentinel struct {
	path         string
	pollInterval time.Duration
	held         bool
}

// New creates a sentinel lock at path (conventionally "<target>.lock").
func New(path string) *Sentinel {
	return &Sentinel{path: path, pollInterval: DefaultPollInterval}
}

// Acquire polls the exclusive create until it succeeds or timeout elapses.
func (l *Sentinel) Acquire(timeout time.Duration) error {
	if l.held {
		return fmt.Errorf("filelock: %s already held by this lock", l.path)
	}
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			f.Close()
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("filelock: create %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("filelock: %s held by another process: %w", l.path, ErrTimeout)
		}
		time.Sleep(l.pollInterval)
	}
}

// Release removes the sentinel. Releasing an unheld lock is an error.
func (l *Sentinel) Release() error {
	if !l.held {
		return fmt.Errorf("filelock: %s not held", l.path)
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filelock: remove %s: %w", l.path, err)
	}
	return nil
}

// SetPollInterval overrides the retry cadence; tests use a short interval.
func (l *Sentinel) SetPollInterval(d time.Duration) { l.pollInterval = d }
