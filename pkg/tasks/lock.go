package tasks

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
)

// LockFile is the name of the workspace lock inside the state directory.
const LockFile = "executor.lock"

const lockRetryDelay = 200 * time.Millisecond

// acquireLock blocks until the workspace lock at path is available or ctx is cancelled.
func acquireLock(ctx context.Context, path string) (*flock.Flock, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to lock %s", path)
	}

	if !locked {
		buildsys.Log(ctx).Info().Str("path", path).Msg("waiting for another executor process to finish")
		locked, err = lock.TryLockContext(ctx, lockRetryDelay)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to lock %s", path)
		}
		if !locked {
			return nil, eris.Errorf("failed to lock %s", path)
		}
	}

	return lock, nil
}
