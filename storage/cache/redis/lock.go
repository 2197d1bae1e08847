package rediscache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/enrollment"
)

const (
	lockPrefix      = "lock:"
	defaultLockTTL  = 30 * time.Second
	lockRetryPeriod = 25 * time.Millisecond
)

// releaseScript deletes the lock only if it is still held with our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is an enrollment.Locker backed by SET NX keys that expire after ttl.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	logger core.Logger
}

var _ enrollment.Locker = (*Locker)(nil)

// NewLocker returns a Locker giving up after conf.LockWait (when set) or when ctx is done.
func NewLocker(client *redis.Client, conf core.RedisConfig, logger core.Logger) *Locker {
	ttl := conf.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Locker{client: client, ttl: ttl, wait: conf.LockWait, logger: logger}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	key = lockPrefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(lockRetryPeriod)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, errors.Wrapf(err, "acquiring lock %q", key)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(enrollment.ErrReconciliationConflict, "waiting for lock %q: %v", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && l.logger != nil {
		l.logger.Warn("releasing lock "+key, err)
	}
}
