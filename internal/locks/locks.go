// Package locks provides the file locks serializing access to the archive
// cache and guaranteeing a single agent instance per directory.
package locks

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	InstanceLockName   = "autohost.lock"
	InstancePidName    = "autohost.pid"
	UnitsyncLockName   = "unitsync.lock"
	AutoUpdateLockName = "autoUpdate.lock"
)

// FileLock is an exclusive flock(2)-based lock on a named file. The zero
// value is not usable; create one with New.
type FileLock struct {
	path string
	f    *os.File
}

// New returns an unacquired lock on path. The file is created lazily.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Held reports whether this process currently holds the lock.
func (l *FileLock) Held() bool { return l.f != nil }

func (l *FileLock) open() error {
	if l.f != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}
	// The spawned game process must not inherit the lock descriptor.
	syscall.CloseOnExec(int(f.Fd()))
	l.f = f
	return nil
}

// TryLock attempts a non-blocking exclusive acquisition. It returns false
// without error when another process holds the lock.
func (l *FileLock) TryLock() (bool, error) {
	if err := l.open(); err != nil {
		return false, err
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK || err == syscall.EAGAIN {
		l.close()
		return false, nil
	}
	if err != nil {
		l.close()
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	return true, nil
}

// LockTimeout blocks for the lock up to d, polling at interval. It returns
// false when the deadline passes without acquisition.
func (l *FileLock) LockTimeout(d, interval time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for {
		ok, err := l.TryLock()
		if err != nil || ok {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(interval)
	}
}

// Unlock releases the lock if held. Safe to call when not held.
func (l *FileLock) Unlock() {
	if l.f == nil {
		return
	}
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	l.close()
}

func (l *FileLock) close() {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
}

// InstanceLock guards a single running agent per instance directory. On
// success it records the owner PID in autohost.pid.
type InstanceLock struct {
	lock    *FileLock
	pidPath string
}

// AcquireInstance takes the per-instance lock non-blocking. When another
// instance holds it, the returned error carries that instance's PID as read
// from autohost.pid.
func AcquireInstance(instanceDir string) (*InstanceLock, error) {
	il := &InstanceLock{
		lock:    New(filepath.Join(instanceDir, InstanceLockName)),
		pidPath: filepath.Join(instanceDir, InstancePidName),
	}
	ok, err := il.lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		pid := il.readPid()
		if pid > 0 {
			return nil, fmt.Errorf("another instance is already running from %s (PID %d)", instanceDir, pid)
		}
		return nil, fmt.Errorf("another instance is already running from %s", instanceDir)
	}
	if err := TryWithBackoff(func() error {
		return os.WriteFile(il.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	}, 3, 100*time.Millisecond); err != nil {
		il.lock.Unlock()
		return nil, fmt.Errorf("writing %s: %w", il.pidPath, err)
	}
	return il, nil
}

func (il *InstanceLock) readPid() int {
	data, err := os.ReadFile(il.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Release drops the instance lock and removes the PID file.
func (il *InstanceLock) Release() {
	os.Remove(il.pidPath)
	il.lock.Unlock()
}

// TryWithBackoff retries op up to maxTries times, sleeping delay between
// attempts. The last error is returned when all attempts fail.
func TryWithBackoff(op func() error, maxTries int, delay time.Duration) error {
	var err error
	for i := 0; i < maxTries; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i < maxTries-1 {
			time.Sleep(delay)
		}
	}
	return err
}
