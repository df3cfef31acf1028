package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockLost means the lease expired while the job ran and the key no
	// longer carried this run's holder when it finished.
	ErrLockLost = errors.New("lock lost before release")
)

// HeldError reports who holds a job lock and for how much longer.
type HeldError struct {
	Job    string
	Holder string
	TTL    time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("job %s held by %s for another %s", e.Job, e.Holder, e.TTL.Round(time.Second))
}

func (e *HeldError) Is(target error) bool {
	return target == ErrLockNotAcquired
}

// Locker guards jobs that must run on one replica at a time.
type Locker interface {
	WithLock(ctx context.Context, job string, fn func(ctx context.Context) error) error
}

type jobLocker struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

// NewLocker creates a locker backed by one Redis key per job. The key holds
// "owner/run-id" so a skipped replica can tell who is running the job. fn
// runs with a deadline of ttl so the key never outlives the work it guards.
func NewLocker(client *redis.Client, owner string, ttl time.Duration) Locker {
	return &jobLocker{
		client: client,
		owner:  owner,
		ttl:    ttl,
	}
}

func jobKey(job string) string {
	return "lock:job:" + job
}

func (l *jobLocker) WithLock(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	key := jobKey(job)
	holder := l.owner + "/" + uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, holder, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", job, err)
	}
	if !ok {
		return l.held(ctx, job, key)
	}

	runCtx, cancel := context.WithTimeout(ctx, l.ttl)
	runErr := fn(runCtx)
	cancel()

	// release on a fresh context, fn may have used up ctx
	releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancelRelease()
	if err := l.release(releaseCtx, job, key, holder); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// held describes the current holder. A key that expired between SETNX and
// GET still counts as not acquired; the next run will take it.
func (l *jobLocker) held(ctx context.Context, job, key string) error {
	pipe := l.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock %s: %w", job, ErrLockNotAcquired)
	}
	return &HeldError{Job: job, Holder: getCmd.Val(), TTL: ttlCmd.Val()}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *jobLocker) release(ctx context.Context, job, key, holder string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, holder).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", job, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", job, ErrLockLost)
	}
	return nil
}
