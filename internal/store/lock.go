package store

import (
	"context"
	"math/rand"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
)

// lockFS grabs the store-wide advisory lock file at path and returns a
// function that releases it, per spec.md §5 "Store directory is owned
// by exactly one process." Taken once, at daemon startup, for as long
// as the process runs — unlike the teacher's cache/lock.go, which
// re-takes and releases a lock per cache entry across the life of many
// short-lived operations, contention here is not an expected steady
// state: it almost always means a second distclangd was pointed at the
// same -cache-root. Backoff reflects that by growing (instead of the
// teacher's flat retry interval) and by escalating the log once it
// looks like a stuck second process rather than a startup race.
func lockFS(ctx context.Context, path string, giveUpTimeout time.Duration) (unlock func() error, err error) {
	ctx, cancel := context.WithTimeout(ctx, giveUpTimeout)
	defer cancel()

	attempt := 0
	l := fslock.L{
		Path: path,
		Block: fslock.Blocker(func() error {
			attempt++
			delay := lockRetryDelay(attempt)
			if attempt >= lockStuckWarnAttempt {
				logging.Errorf(ctx, "store: still unable to grab lock on %s after %d attempts, "+
					"retrying after %s; is another distclangd already running against this cache root?",
					path, attempt, delay)
			} else {
				logging.Warningf(ctx, "store: lock on %s busy (attempt %d), retrying after %s", path, attempt, delay)
			}
			tr := clock.Sleep(ctx, delay)
			return tr.Err
		}),
	}

	handle, err := l.Lock()
	if err != nil {
		return nil, err
	}
	return handle.Unlock, nil
}

// lockStuckWarnAttempt is the retry count past which continued
// contention reads as a second live process, not transient startup
// overlap between two instances racing to open the same store.
const lockStuckWarnAttempt = 3

// lockRetryDelay grows geometrically from lockRetryBaseDelay up to
// lockRetryMaxDelay, jittered by up to its own magnitude so that two
// processes racing for the same lock don't retry in lockstep.
func lockRetryDelay(attempt int) time.Duration {
	base := lockRetryBaseDelay << uint(attempt-1)
	if base > lockRetryMaxDelay || base <= 0 {
		base = lockRetryMaxDelay
	}
	return base + time.Duration(rand.Int63n(int64(base)))
}

const (
	lockRetryBaseDelay = 500 * time.Millisecond
	lockRetryMaxDelay  = 10 * time.Second
)
