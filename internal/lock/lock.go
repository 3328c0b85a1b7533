// Package lock implements the single-instance guard over the
// daemon's persistent-state directory: an exclusive, non-blocking
// flock on a sentinel file.
package lock

import (
	"errors"
	"os"
	"syscall"
)

// ErrBusy is returned by Acquire when another instance already holds
// the lock.
var ErrBusy = errors.New("lock: another instance is already running")

// Lock wraps the open sentinel file descriptor the flock is held
// against.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if needed) path and takes a non-blocking
// exclusive flock on it. It returns ErrBusy if another process
// already holds the lock.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		return nil, err
	}

	return &Lock{file: f}, nil
}

// Release unlocks and closes the sentinel file.
func (l *Lock) Release() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
