package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned when the PID file names a live process.
var ErrAlreadyRunning = errors.New("relay is already running")

// LifecycleManager owns the PID file.
type LifecycleManager struct {
	pidFile string
}

// NewLifecycleManager manages pidFile.
func NewLifecycleManager(pidFile string) *LifecycleManager {
	return &LifecycleManager{pidFile: pidFile}
}

// Start writes the PID file. A file left by a dead process is replaced.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if pid, err := ReadPID(l.pidFile); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Stop removes the PID file if it is still ours.
func (l *LifecycleManager) Stop() error {
	if pid, err := ReadPID(l.pidFile); err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// PIDFile is the managed path.
func (l *LifecycleManager) PIDFile() string {
	return l.pidFile
}

// ReadPID parses the PID file at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

// ProcessAlive reports whether pid is a running process.
func ProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 checks for existence.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
