package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileSuffix = ".lock"
	lockRetryDelay = 250 * time.Millisecond
)

// DBLock is an exclusive cross-process lock on the history database.
type DBLock struct {
	lock   *flock.Flock
	dbPath string
}

// AcquireDBLock resolves dbPath, creates its directory and takes the lock
// next to it. When another process holds it, it waits until ctx is done.
func AcquireDBLock(ctx context.Context, dbPath string) (*DBLock, error) {
	abs, err := GetAbsDBPath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	l := &DBLock{lock: flock.New(abs + lockFileSuffix), dbPath: abs}
	locked, err := l.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", l.lock.Path(), err)
	}
	if locked {
		return l, nil
	}

	Log.Infof("Another pwatch process is using %s, waiting for it to finish...", abs)
	locked, err = l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock on %s after waiting: %w", l.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("lock on %s not acquired", l.lock.Path())
	}
	return l, nil
}

// DBPath is the absolute database path the lock guards.
func (l *DBLock) DBPath() string { return l.dbPath }

// Release drops the lock. Releasing twice is harmless.
func (l *DBLock) Release() error {
	if err := l.lock.Unlock(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to release lock on %s: %w", l.lock.Path(), err)
	}
	return nil
}

// GetAbsDBPath resolves the database path. An empty path means
// ~/.config/pwatch/pwatch.sqlite.
func GetAbsDBPath(dbPath string) (string, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "pwatch", "pwatch.sqlite"), nil
	}
	return filepath.Abs(dbPath)
}
