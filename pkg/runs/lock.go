package runs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Locker grants exclusive ingestion rights per competitor. Acquire blocks
// until the lock is free or ctx ends; the returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, competitorID int64) (release func(), err error)
}

// LocalLocker serializes runs within one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[int64]chan struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, competitorID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[competitorID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[competitorID] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for competitor %d: %w", competitorID, ctx.Err())
	}
}

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if this holder still owns it.
var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serializes runs across processes sharing one Redis. The key
// carries a TTL so a crashed holder cannot block a shop forever; a live
// holder keeps refreshing it.
type RedisLocker struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(rdb goredis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{rdb: rdb, prefix: "micradar:run-lock:", ttl: ttl, poll: 250 * time.Millisecond}
}

func (r *RedisLocker) Acquire(ctx context.Context, competitorID int64) (func(), error) {
	key := fmt.Sprintf("%s%d", r.prefix, competitorID)
	token := uuid.NewString()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for competitor %d: %w", competitorID, ctx.Err())
		}
	}

	stop := make(chan struct{})
	go r.keepAlive(key, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.rdb, []string{key}, token).Err()
		})
	}, nil
}

func (r *RedisLocker) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = refreshScript.Run(ctx, r.rdb, []string{key}, token, r.ttl.Milliseconds()).Err()
			cancel()
		}
	}
}
