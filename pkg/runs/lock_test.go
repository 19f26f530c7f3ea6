package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewRedisLocker(rdb, ttl)
	l.poll = 10 * time.Millisecond
	return l, mr
}

func TestRedisLockerExcludes(t *testing.T) {
	l, mr := newRedisLocker(t, time.Minute)
	release, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("micradar:run-lock:1") {
		t.Fatal("expected lock key in redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// Other competitors are independent.
	other, err := l.Acquire(context.Background(), 2)
	if err != nil {
		t.Fatalf("acquire other competitor: %v", err)
	}
	other()

	release()
	release()
	if mr.Exists("micradar:run-lock:1") {
		t.Fatal("expected lock key removed on release")
	}
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t, time.Minute)
	release, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		next, err := l.Acquire(ctx, 1)
		if err == nil {
			next()
		}
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("expected second acquire to block, returned %v", err)
	default:
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}

func TestRedisLockerReleaseChecksToken(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second)
	key := "micradar:run-lock:1"

	stale, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// The holder stalls past its lease and another process takes over.
	mr.FastForward(2 * time.Second)
	if mr.Exists(key) {
		t.Fatal("expected lease expired")
	}
	fresh, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	owner, err := mr.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	stale()
	got, err := mr.Get(key)
	if err != nil || got != owner {
		t.Fatalf("expected stale release to leave the new owner's lock, got %q %v", got, err)
	}
	fresh()
	if mr.Exists(key) {
		t.Fatal("expected owner release to remove the lock")
	}
}

func TestRedisLockerKeepsLeaseAlive(t *testing.T) {
	ttl := 300 * time.Millisecond
	l, mr := newRedisLocker(t, ttl)
	key := "micradar:run-lock:1"

	release, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	// Redis time only moves when told; age the lease, then wait for a refresh.
	mr.FastForward(250 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL(key) <= 100*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("expected lease refreshed, ttl %v", mr.TTL(key))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !mr.Exists(key) {
		t.Fatal("expected lock still held")
	}
}
