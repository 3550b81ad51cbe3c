// Package lockfile provides flock-based exclusive locks for FlowPipe.
//
// The process takes one lock on its state directory, and every account worker
// takes its own lock so the same account is never served by two processes.
// Locks are released by the kernel when the holding process exits.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcessLockName names the state directory lock held by a FlowPipe process.
const ProcessLockName = "flowpipe"

// ErrEmptyName is returned when a lock name is empty or not a plain file name.
var ErrEmptyName = errors.New("lock name must be a non-empty file name")

// Lock represents an acquired lock file.
type Lock struct {
	file *os.File
	path string
	name string
}

// AcquireLock takes the process lock on the state directory.
func AcquireLock(stateDir string) (*Lock, error) {
	return Acquire(stateDir, ProcessLockName)
}

// Acquire takes the exclusive lock <dir>/<name>.lock without blocking.
// A *LockError describes the current holder when the lock is taken.
func Acquire(dir, name string) (*Lock, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("%w: %q", ErrEmptyName, name)
	}
	lockPath := filepath.Join(dir, name+".lock")
	slog.Debug("Lockfile.Acquire: attempting", "lock_path", lockPath)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readHolder(lockPath)
		slog.Warn("Lockfile.Acquire: lock held elsewhere", "lock_path", lockPath, "holder", holder)
		return nil, &LockError{Name: name, LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(fmt.Sprintf("pid=%d\nname=%s\n", os.Getpid(), name)), 0)
		if err != nil {
			slog.Warn("Lockfile.Acquire: failed to record owner", "error", err, "lock_path", lockPath)
		}
	}
	_ = file.Sync()

	slog.Info("Lockfile.Acquire: lock acquired", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, name: name}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiter never opens a file that
	// is about to disappear.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock %s: %w", l.path, err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", l.path, err))
	}
	l.file = nil
	slog.Debug("Lockfile.Release: lock released", "lock_path", l.path)
	return errors.Join(errs...)
}

// LockError reports a lock held by another process.
type LockError struct {
	Name     string
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("lock %q is held by another FlowPipe process (lock file: %s", e.Name, e.LockPath)
	if e.Holder != "" {
		msg += ", holder: " + e.Holder
	}
	return msg + "); if no such process exists the file is stale and may be removed"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readHolder describes the process recorded in an existing lock file.
func readHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := extractPID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if isProcessRunning(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running, stale lock)", pid)
}

// extractPID parses the pid=NNNN line of a lock file.
func extractPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

// isProcessRunning sends signal 0 to probe for the process.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
