package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "LOCK"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if len(data) == 0 {
		t.Error("lock file does not name its holder")
	}

	if err := l.Release(); err != nil {
		t.Errorf("release: %v", err)
	}
}

func TestSecondAcquireReportsHolder(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = l.Release() }()

	_, err = Acquire(dir)
	if err == nil {
		t.Fatal("second acquire succeeded on a held session")
	}

	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %T (%v), want *LockHeldError", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", held.PID, os.Getpid())
	}
}

func TestReleaseOnNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("release on nil: %v", err)
	}
}

func TestReleaseTwice(t *testing.T) {
	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second release: %v", err)
	}
}
