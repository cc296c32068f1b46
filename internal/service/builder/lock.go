package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/perimetra/release-pipeline/internal/logger"
)

// errRunInFlight is returned when another builder already holds the
// per-version lock.
var errRunInFlight = errors.New("another release build is in flight for this version")

// lockLifetime bounds how long a lock file is trusted. A lock older than
// this belongs to a crashed run and is removed.
const lockLifetime = 10 * time.Minute

// lock is an advisory per-version marker file created with O_EXCL.
type lock struct {
	path string
}

// acquireLock takes the per-version lock, reclaiming a stale one once.
func acquireLock(ctx context.Context, path string) (*lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

			if closeErr := f.Close(); closeErr != nil {
				_ = os.Remove(path)

				return nil, closeErr
			}

			return &lock{path: path}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		info, statErr := os.Stat(path)
		if statErr == nil && time.Since(info.ModTime()) <= lockLifetime {
			return nil, fmt.Errorf("%s: %w", path, errRunInFlight)
		}

		logger.WarnKV(ctx, "Removing stale release lock", "lock", path)

		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return nil, removeErr
		}
	}

	return nil, fmt.Errorf("%s: %w", path, errRunInFlight)
}

// release drops the lock. Safe to call once per acquisition.
func (l *lock) release() {
	_ = os.Remove(l.path)
}
