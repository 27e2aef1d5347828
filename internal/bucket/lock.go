package bucket

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// staleGrace is added to the TTL before a contender marker is considered
// abandoned, absorbing clock skew between writers.
const staleGrace = time.Second

// lockPollInterval is how often a waiting contender re-checks the lock
// directory.
const lockPollInterval = 200 * time.Millisecond

// ErrLockTimeout is returned when the lock was not acquired within the
// caller's timeout.
var ErrLockTimeout = fmt.Errorf("timed out waiting for conversation lock")

// Lock is a cooperative per-conversation lease built on the object store.
// Each contender writes a token marker under locks/; the earliest
// non-stale marker holds the lock. Markers older than TTL plus a grace
// period are treated as abandoned and removed opportunistically.
type Lock struct {
	bucket *Bucket
	logger *slog.Logger

	prefix string
	token  string
	ttl    time.Duration

	now func() time.Time
}

// NewLock creates an unacquired lock for one conversation. ttl bounds how
// long a crashed holder can block others.
func NewLock(b *Bucket, operatorID, userID string, ttl time.Duration, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		bucket: b,
		logger: logger.With("component", "lock", "operator_id", operatorID, "user_id", userID),
		prefix: LockPrefix(operatorID, userID),
		token:  uuid.NewString(),
		ttl:    ttl,
		now:    time.Now,
	}
}

type lockEntry struct {
	token    string
	acquired time.Time
}

// electHolder picks the lock holder from the listed contenders: the
// earliest non-stale marker, with the token as tiebreaker for identical
// timestamps. It also returns the stale tokens found.
func electHolder(entries []lockEntry, now time.Time, ttl time.Duration) (holder string, stale []string) {
	live := entries[:0:0]
	for _, e := range entries {
		if now.Sub(e.acquired) > ttl+staleGrace {
			stale = append(stale, e.token)
			continue
		}
		live = append(live, e)
	}
	if len(live) == 0 {
		return "", stale
	}

	sort.Slice(live, func(i, j int) bool {
		if !live[i].acquired.Equal(live[j].acquired) {
			return live[i].acquired.Before(live[j].acquired)
		}
		return live[i].token < live[j].token
	})
	return live[0].token, stale
}

// Acquire writes this contender's marker and waits until it holds the
// lock or timeout elapses. On timeout the marker is removed so later
// contenders are not blocked.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	if err := l.bucket.Put(ctx, l.markerKey(), []byte(l.token), "text/plain"); err != nil {
		return fmt.Errorf("failed to write lock marker: %w", err)
	}

	deadline := l.now().Add(timeout)
	for {
		holder, err := l.check(ctx)
		if err != nil {
			l.release(ctx)
			return err
		}
		if holder == l.token {
			l.logger.Debug("Conversation lock acquired", "token", l.token)
			return nil
		}

		if !l.now().Before(deadline) {
			l.release(ctx)
			return fmt.Errorf("%w: held by %s", ErrLockTimeout, holder)
		}

		select {
		case <-ctx.Done():
			l.release(ctx)
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release removes this contender's marker.
func (l *Lock) Release(ctx context.Context) {
	l.release(ctx)
}

func (l *Lock) release(ctx context.Context) {
	if err := l.bucket.Delete(ctx, l.markerKey()); err != nil {
		l.logger.Warn("Failed to remove lock marker", "token", l.token, "error", err)
	}
}

func (l *Lock) markerKey() string {
	return l.prefix + l.token
}

// check lists the contender markers, elects the holder and cleans up
// abandoned markers.
func (l *Lock) check(ctx context.Context) (string, error) {
	objects, err := l.bucket.List(ctx, l.prefix)
	if err != nil {
		return "", fmt.Errorf("failed to list lock markers: %w", err)
	}

	entries := make([]lockEntry, 0, len(objects))
	for _, obj := range objects {
		entries = append(entries, lockEntry{
			token:    strings.TrimPrefix(obj.Key, l.prefix),
			acquired: obj.LastModified,
		})
	}

	holder, stale := electHolder(entries, l.now().UTC(), l.ttl)
	for _, token := range stale {
		l.logger.Warn("Removing abandoned lock marker", "token", token)
		if err := l.bucket.Delete(ctx, l.prefix+token); err != nil {
			l.logger.Warn("Failed to remove abandoned lock marker", "token", token, "error", err)
		}
	}
	return holder, nil
}
