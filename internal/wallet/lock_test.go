package wallet

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestMutexLock(t *testing.T) {
	lock := NewMutexLock()

	unlock, err := lock.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lock.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Lock() error = %v, want DeadlineExceeded", err)
	}

	unlock()

	unlock, err = lock.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	unlock()
}

func TestMutexLockHandsOver(t *testing.T) {
	lock := NewMutexLock()
	unlock, _ := lock.Lock(context.Background())

	acquired := make(chan struct{})
	go func() {
		u, err := lock.Lock(context.Background())
		if err == nil {
			u()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestFileLockAcrossHolders(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no flock on windows")
	}

	path := filepath.Join(t.TempDir(), "vault.lock")
	a := NewFileLock(path)
	b := NewFileLock(path)

	unlock, err := a.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second holder Lock() error = %v, want DeadlineExceeded", err)
	}

	unlock()

	unlockB, err := b.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	unlockB()
}
