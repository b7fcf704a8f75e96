package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockScope is an exclusive advisory lock on a file shared by every gateway
// process on the host. Release is safe to call on every exit path.
type lockScope struct {
	path string
	fl   *flock.Flock
	held bool
}

func newLockScope(path string) *lockScope {
	return &lockScope{path: path, fl: flock.New(path)}
}

const lockAttempts = 3

// TryLock takes the lock without blocking. false means another holder has it.
func (l *lockScope) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	for i := 0; i < lockAttempts; i++ {
		ok, err := l.fl.TryLock()
		if err != nil {
			return false, fmt.Errorf("lock %s: %w", l.path, err)
		}
		if !ok {
			return false, nil
		}
		current, err := holdsPath(l.fl.Fh(), l.path)
		if err != nil {
			_ = l.fl.Unlock()
			return false, fmt.Errorf("lock %s: %w", l.path, err)
		}
		if current {
			l.held = true
			return true, nil
		}
		// A previous holder unlinked the file after we opened it.
		_ = l.fl.Unlock()
	}
	return false, nil
}

// holdsPath reports whether fh is the file currently linked at path.
func holdsPath(fh *os.File, path string) (bool, error) {
	if fh == nil {
		return false, nil
	}
	held, err := fh.Stat()
	if err != nil {
		return false, err
	}
	cur, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return os.SameFile(held, cur), nil
}

// Release unlocks and removes the lock file if this scope holds it.
func (l *lockScope) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	// Remove while still holding the lock so no other holder's file is deleted.
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	return errors.Join(rmErr, l.fl.Unlock())
}
