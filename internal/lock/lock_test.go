package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Verify lock file exists and contains PID.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if len(data) == 0 {
		t.Error("lock file is empty")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file still present after Release")
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(path)
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var heldErr *HeldError
	if !errors.As(err, &heldErr) {
		t.Errorf("expected HeldError, got %T: %v", err, err)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("Release() on nil = %v, want nil", err)
	}
}
