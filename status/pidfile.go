package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PIDFile marks the running daemon. Only one daemon per runtime dir.
type PIDFile struct {
	path string
	pid  int
}

// AcquirePID writes the pid file in dir. A file left by a dead process is
// replaced, a live one is an error.
func AcquirePID(dir string) (*PIDFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fail to create runtime dir: %w", err)
	}
	path := filepath.Join(dir, PIDFileName)

	if pid, err := readPID(path); err == nil {
		if processRunning(pid) {
			return nil, fmt.Errorf("another dashcam is already running (PID %d)", pid)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("fail to remove stale pid file: %w", err)
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("fail to write pid file: %w", err)
	}
	return &PIDFile{path: path, pid: pid}, nil
}

// Remove deletes the file if it still holds our pid.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	pid, err := readPID(p.path)
	if err != nil || pid != p.pid {
		return nil
	}
	return os.Remove(p.path)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("fail to parse pid file: %w", err)
	}
	return pid, nil
}

func processRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM: exists, owned by someone else
	return err == nil || errors.Is(err, unix.EPERM)
}
