package store

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrLocked is returned by TryLock while another holder owns the lock.
var ErrLocked = errors.New("metrics file is locked by another supervisor")

const lockPollInterval = 50 * time.Millisecond

// Lock is an exclusive advisory lock guarding one metrics file across
// processes. Only one supervisor may own a metrics file at a time.
type Lock struct {
	f *os.File
}

// LockPath is the lock file kept next to a metrics file.
func LockPath(path string) string { return path + ".lock" }

// AcquireLock waits for the lock on the metrics file at path until ctx is done.
func AcquireLock(ctx context.Context, path string) (*Lock, error) {
	t := time.NewTicker(lockPollInterval)
	defer t.Stop()
	for {
		l, err := TryLock(path)
		if !errors.Is(err, ErrLocked) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLocked, ctx.Err())
		case <-t.C:
		}
	}
}

// Release drops the lock. It is safe on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
