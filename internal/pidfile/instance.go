package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrInstanceRunning means another shell host holds the instance lock.
var ErrInstanceRunning = errors.New("another naia shell is already running")

// InstanceLock is held for the lifetime of a shell session so two sessions
// never supervise (or reap) the same PID records.
type InstanceLock struct {
	fl *flock.Flock
}

// AcquireInstanceLock takes <dir>/naia.lock without blocking.
func AcquireInstanceLock(dir string) (*InstanceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	fl := flock.New(filepath.Join(dir, "naia.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, ErrInstanceRunning
	}
	return &InstanceLock{fl: fl}, nil
}

func (l *InstanceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
