// Package status lets processes other than the daemon observe whether a
// recording is in progress. The daemon publishes a status file on every
// change and holds a pid file while it runs.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tuzkov/dashcam/session"
)

const (
	FileName    = "status.json"
	PIDFileName = "dashcam.pid"
)

// Snapshot is the published form of a session status.
type Snapshot struct {
	session.Status
	PID       int       `json:"pid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Write replaces the status file in dir atomically.
func Write(dir string, snap Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fail to create runtime dir: %w", err)
	}
	if snap.PID == 0 {
		snap.PID = os.Getpid()
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	return atomicWriteJSON(filepath.Join(dir, FileName), snap)
}

func Read(dir string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("fail to decode status: %w", err)
	}
	return snap, nil
}

// IsRecording reports whether a live daemon in dir has the camera engaged. A
// status file left by a dead daemon does not count.
func IsRecording(dir string) (bool, error) {
	pid, err := readPID(filepath.Join(dir, PIDFileName))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !processRunning(pid) {
		return false, nil
	}

	snap, err := Read(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return snap.PID == pid && (snap.State.Active() || snap.DeviceHeld), nil
}

func atomicWriteJSON(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "status-*.tmp")
	if err != nil {
		return fmt.Errorf("fail to create temp status: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("fail to encode status: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil

	return os.Rename(tmpPath, path)
}
