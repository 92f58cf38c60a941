package wallet

import (
	"context"
	"errors"
	"time"
)

// VaultLock serializes select-sign-broadcast for one vault key. Lock blocks
// until the lock is held or ctx is done, and returns the release function.
type VaultLock interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// MutexLock is an in-process VaultLock.
type MutexLock struct {
	ch chan struct{}
}

// NewMutexLock creates an in-process lock.
func NewMutexLock() *MutexLock {
	return &MutexLock{ch: make(chan struct{}, 1)}
}

// Lock acquires the lock or fails with ctx's error.
func (m *MutexLock) Lock(ctx context.Context) (func(), error) {
	select {
	case m.ch <- struct{}{}:
		return func() { <-m.ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FileLock is a VaultLock shared by every process that uses the same lock
// file, so two daemons pointed at one vault never build concurrently.
type FileLock struct {
	path  string
	local *MutexLock
	poll  time.Duration
}

// NewFileLock creates a lock backed by an flock on path.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		path:  path,
		local: NewMutexLock(),
		poll:  50 * time.Millisecond,
	}
}

// Lock takes the in-process lock first, then polls the file lock.
func (f *FileLock) Lock(ctx context.Context) (func(), error) {
	unlockLocal, err := f.local.Lock(ctx)
	if err != nil {
		return nil, err
	}

	for {
		file, err := tryLock(f.path)
		if err == nil {
			return func() {
				releaseLock(file)
				unlockLocal()
			}, nil
		}
		if !errors.Is(err, errLockHeld) {
			unlockLocal()
			return nil, err
		}

		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(f.poll):
		}
	}
}

var (
	_ VaultLock = (*MutexLock)(nil)
	_ VaultLock = (*FileLock)(nil)
)
