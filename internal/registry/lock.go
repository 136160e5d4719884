package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// lockStaleAge is how old a lock directory must be (by mtime) before
	// it is presumed abandoned by a dead process and forcibly removed.
	lockStaleAge = 30 * time.Second

	// lockAcquireTimeout bounds the total time spent acquiring the lock.
	lockAcquireTimeout = 10 * time.Second
)

var errLockHeld = errors.New("registry lock held")

// acquireLock takes the inter-process advisory lock guarding the registry
// file. The lock is a directory created with exclusive-create semantics, so
// it works across unrelated processes on any filesystem. Collisions are
// retried with exponential backoff and jitter until the acquisition budget
// runs out.
func acquireLock(path string) (release func(), err error) {
	lockDir := path + ".lock"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.RandomizationFactor = 0.5

	_, err = backoff.Retry(context.Background(), func() (struct{}, error) {
		mkErr := os.Mkdir(lockDir, 0o700)
		if mkErr == nil {
			return struct{}{}, nil
		}
		if !os.IsExist(mkErr) {
			return struct{}{}, backoff.Permanent(mkErr)
		}
		// Tolerate a process that died holding the lock.
		if info, statErr := os.Stat(lockDir); statErr == nil && time.Since(info.ModTime()) > lockStaleAge {
			_ = os.RemoveAll(lockDir)
		}
		return struct{}{}, errLockHeld
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(lockAcquireTimeout))
	if err != nil {
		return nil, fmt.Errorf("acquiring registry lock %s: %w", lockDir, err)
	}

	return func() { _ = os.RemoveAll(lockDir) }, nil
}
