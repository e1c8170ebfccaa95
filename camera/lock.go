package camera

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// deviceLock is an advisory lock on the device node, shared with other processes.
type deviceLock struct {
	f *os.File
}

func lockDevice(path string) (*deviceLock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fail to open device node: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("device %s is locked: %w", path, err)
	}
	return &deviceLock{f: f}, nil
}

func (l *deviceLock) unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() { l.f = nil }()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("fail to unlock device: %w", err)
	}
	return l.f.Close()
}
