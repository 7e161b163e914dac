// Package pidfile manages the daemon's PID file: exclusive creation,
// liveness probing of a previous owner, and stale-file takeover.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning means a live daemon owns the PID file.
var ErrAlreadyRunning = errors.New("daemon already running")

// ErrCorrupt means the PID file exists but does not hold a PID.
var ErrCorrupt = errors.New("pid file corrupt")

// File is a handle to one PID file path.
type File struct {
	path string
}

// New returns a handle for path; nothing touches the filesystem yet.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the PID file location.
func (f *File) Path() string { return f.path }

// Acquire writes the current PID with O_EXCL semantics. If the file
// already exists, the recorded process is probed with signal 0: a live
// owner fails with ErrAlreadyRunning, a stale file is taken over.
func (f *File) Acquire() error {
	pid := os.Getpid()
	if err := f.writeExclusive(pid); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("write pid file: %w", err)
	}

	owner, err := f.Read()
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			// Unreadable leftover, take it over.
			return f.overwrite(pid)
		}
		return err
	}
	if processAlive(owner) {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, owner)
	}
	return f.overwrite(pid)
}

// Read parses the stored PID.
func (f *File) Read() (int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrCorrupt, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// LivePID returns the recorded PID when that process is still alive.
func (f *File) LivePID() (int, bool) {
	pid, err := f.Read()
	if err != nil {
		return 0, false
	}
	if !processAlive(pid) {
		return 0, false
	}
	return pid, true
}

// Release removes the PID file at clean shutdown. Missing is fine.
func (f *File) Release() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *File) writeExclusive(pid int) error {
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(fh, "%d\n", pid)
	cerr := fh.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func (f *File) overwrite(pid int) error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale pid file: %w", err)
	}
	if err := f.writeExclusive(pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
