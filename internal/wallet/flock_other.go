//go:build !unix

package wallet

import (
	"errors"
	"fmt"
	"os"
)

// No flock here: sends are serialized within the process only.

var errLockHeld = errors.New("lock held by another process")

// tryLock opens the lock file but does not acquire a cross-process lock.
func tryLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// releaseLock closes the lock file.
func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
}
