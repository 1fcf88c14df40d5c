// Package lockfile guards a RemindPipe state directory against a second running instance.
//
// Two engines sharing one SQLite database or WhatsApp session would both schedule
// and send reminders. The lock is an flock on a file in the state directory, so
// the kernel releases it when the process exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "remindpipe.lock"

// Info is the owner information written into the lock file.
type Info struct {
	PID     int
	Started time.Time
}

func (i Info) String() string {
	if i.PID == 0 {
		return "unknown owner"
	}
	state := "not running, stale lock"
	if isProcessRunning(i.PID) {
		state = "running"
	}
	if i.Started.IsZero() {
		return fmt.Sprintf("PID %d (%s)", i.PID, state)
	}
	return fmt.Sprintf("PID %d started %s (%s)", i.PID, i.Started.Format(time.RFC3339), state)
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if
// needed. It fails immediately with a *LockError when another process holds it.
func AcquireLock(stateDir string) (*Lock, error) {
	path := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// No O_TRUNC: a failed attempt must not wipe the owner's info.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := readInfo(path)
		slog.Error("Lock.Acquire: state directory is locked", "lockPath", path, "owner", owner.String(), "error", err)
		return nil, &LockError{LockPath: path, Owner: owner, Cause: err}
	}

	if err := writeInfo(file, Info{PID: os.Getpid(), Started: time.Now().UTC()}); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("Lock.Acquire: state directory locked", "lockPath", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a new owner never has its file deleted.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lockPath", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lockPath", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, err)
	}
	slog.Debug("Lock.Release: state directory unlocked", "lockPath", l.path)
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Owner    Info
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another RemindPipe instance is already using this state directory (lock %s, owner %s); "+
		"if the owner is not running, remove the lock file and start again", e.LockPath, e.Owner)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "pid=%d\nstarted=%s\n", info.PID, info.Started.Format(time.RFC3339)); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("Lock.Acquire: failed to sync lock file", "error", err)
	}
	return nil
}

func readInfo(path string) Info {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}
	}
	return parseInfo(string(data))
}

// parseInfo reads "key=value" lines; unknown keys and bad values are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = t
			}
		}
	}
	return info
}

// isProcessRunning sends signal 0, which only checks that pid exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
