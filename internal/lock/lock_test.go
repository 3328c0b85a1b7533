package lock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAcquireThenBusyThenRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mtpusbd.lock")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	_, err = Acquire(path)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire: got %v, want ErrBusy", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	l2.Release()
}
