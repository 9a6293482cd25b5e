package spring

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/locks"
)

// Exit classifications for a finished game process.
type ExitClass int

const (
	ExitClean      ExitClass = iota
	ExitSyncErrors           // status 255
	ExitCrash                // non-zero status, signal or core dump
)

// ExitStatus describes how the game process ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
	CoreDump bool
}

// Class maps the raw status onto the crash taxonomy.
func (s ExitStatus) Class() ExitClass {
	switch {
	case s.Signaled || s.CoreDump:
		return ExitCrash
	case s.Code == 255:
		return ExitSyncErrors
	case s.Code != 0:
		return ExitCrash
	default:
		return ExitClean
	}
}

// Launcher owns the engine binary invocation and the archive-cache lock
// handshake that precedes it.
type Launcher struct {
	log *logrus.Logger

	Binary      string
	InstanceDir string
	LogFile     string

	// Broadcast announces launch progress to the battle room.
	Broadcast func(msg string)
	// CancelVote interrupts any vote when the launch enters its blocking
	// lock wait.
	CancelVote func(reason string)

	unitsyncLock *locks.FileLock
	proc         *os.Process
	startedAt    time.Time
	onExit       func(ExitStatus)
}

// NewLauncher creates a launcher for the engine binary.
func NewLauncher(log *logrus.Logger, binary, instanceDir, logFile string) *Launcher {
	return &Launcher{log: log, Binary: binary, InstanceDir: instanceDir, LogFile: logFile}
}

// Running reports whether a child process is alive from the launcher's
// point of view (not yet reaped).
func (l *Launcher) Running() bool { return l.proc != nil }

// PID returns the child PID, 0 when idle.
func (l *Launcher) PID() int {
	if l.proc == nil {
		return 0
	}
	return l.proc.Pid
}

// Start writes the start script, takes the archive-cache lock and spawns
// the engine. The lock is first tried non-blocking; when held elsewhere the
// launch degrades to a 30s timed wait with a room broadcast, and any
// pending vote is cancelled so the wait cannot race a map change.
func (l *Launcher) Start(script string, extraArgs []string) (int, error) {
	if l.proc != nil {
		return 0, fmt.Errorf("game already running (pid %d)", l.proc.Pid)
	}

	scriptPath := filepath.Join(l.InstanceDir, "startscript.txt")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return 0, fmt.Errorf("write start script: %w", err)
	}

	lock := locks.New(filepath.Join(l.InstanceDir, locks.UnitsyncLockName))
	got, err := lock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("archive cache lock: %w", err)
	}
	if !got {
		if l.CancelVote != nil {
			l.CancelVote("game launch in progress")
		}
		if l.Broadcast != nil {
			l.Broadcast("Preparing to launch game...")
		}
		got, err = lock.LockTimeout(30*time.Second, 500*time.Millisecond)
		if err != nil {
			return 0, fmt.Errorf("archive cache lock: %w", err)
		}
		if !got {
			return 0, fmt.Errorf("archive cache still busy after 30s, launch aborted")
		}
	}
	l.unitsyncLock = lock

	logf, err := os.OpenFile(l.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Unlock()
		l.unitsyncLock = nil
		return 0, fmt.Errorf("open game log: %w", err)
	}
	defer logf.Close()

	args := append([]string{scriptPath}, extraArgs...)
	cmd := exec.Command(l.Binary, args...)
	cmd.Dir = l.InstanceDir
	cmd.Stdout = logf
	cmd.Stderr = logf
	// the lock FD carries CLOEXEC so the child cannot pin the archive cache

	if err := cmd.Start(); err != nil {
		lock.Unlock()
		l.unitsyncLock = nil
		return 0, fmt.Errorf("spawn %s: %w", l.Binary, err)
	}
	l.proc = cmd.Process
	l.startedAt = time.Now()
	l.log.WithFields(logrus.Fields{"pid": l.proc.Pid, "binary": l.Binary}).Info("game process started")

	go func(p *os.Process) {
		state, _ := p.Wait()
		l.reap(state)
	}(cmd.Process)

	return cmd.Process.Pid, nil
}

// SetOnExit installs the callback receiving the exit status from the
// reaper goroutine. The main loop converts it into a completion event.
func (l *Launcher) SetOnExit(fn func(ExitStatus)) { l.onExit = fn }

// reap is called once from the waiter goroutine.
func (l *Launcher) reap(state *os.ProcessState) {
	status := ExitStatus{}
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				status.Signaled = true
				status.Signal = ws.Signal()
				status.CoreDump = ws.CoreDump()
			}
			status.Code = ws.ExitStatus()
		} else {
			status.Code = state.ExitCode()
		}
	}
	if l.onExit != nil {
		l.onExit(status)
	}
}

// Release clears the child bookkeeping and drops the archive-cache lock.
// Must run on the main loop after the exit event was consumed.
func (l *Launcher) Release() {
	l.proc = nil
	if l.unitsyncLock != nil {
		l.unitsyncLock.Unlock()
		l.unitsyncLock = nil
	}
}

// Uptime is how long the current child has been running.
func (l *Launcher) Uptime() time.Duration {
	if l.proc == nil {
		return 0
	}
	return time.Since(l.startedAt)
}

// Kill force-terminates the child.
func (l *Launcher) Kill() error {
	if l.proc == nil {
		return nil
	}
	return l.proc.Kill()
}
