package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, mr *miniredis.Miniredis, name string, limit int, window time.Duration) *FixedWindowLimiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewRedisFixedWindowLimiter(client, "test:ratelimit", name, limit, window)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	return limiter
}

func TestFixedWindowLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := newLimiter(t, mr, "auth", 2, time.Hour)
	ctx := context.Background()

	first := limiter.Allow(ctx, "ip-1")
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("first request should pass: %+v", first)
	}
	if !limiter.Allow(ctx, "ip-1").Allowed {
		t.Fatalf("second request should pass")
	}
	third := limiter.Allow(ctx, "ip-1")
	if third.Allowed {
		t.Fatalf("third request should be blocked")
	}
	if third.RetryAfter <= 0 || third.RetryAfter > time.Hour {
		t.Fatalf("unexpected retry after %s", third.RetryAfter)
	}
	if !limiter.Allow(ctx, "ip-2").Allowed {
		t.Fatalf("other keys have their own quota")
	}
}

func TestFixedWindowLimiterNamesAreIndependent(t *testing.T) {
	mr := miniredis.RunT(t)
	auth := newLimiter(t, mr, "auth", 1, time.Hour)
	upload := newLimiter(t, mr, "upload", 1, time.Hour)
	ctx := context.Background()
	if !auth.Allow(ctx, "ip-1").Allowed || !upload.Allow(ctx, "ip-1").Allowed {
		t.Fatalf("separate limiters must not share counters")
	}
}

func TestFixedWindowLimiterResetsNextWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := newLimiter(t, mr, "auth", 1, time.Minute)
	now := time.Date(2025, 1, 1, 10, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	if !limiter.Allow(ctx, "ip").Allowed {
		t.Fatalf("first request should pass")
	}
	blocked := limiter.Allow(ctx, "ip")
	if blocked.Allowed || blocked.RetryAfter != 30*time.Second {
		t.Fatalf("expected block with 30s retry, got %+v", blocked)
	}
	now = now.Add(31 * time.Second)
	if !limiter.Allow(ctx, "ip").Allowed {
		t.Fatalf("new window should pass")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := newLimiter(t, mr, "auth", 1, time.Second)
	mr.Close()
	if limiter.Allow(context.Background(), "ip-1").Allowed {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresClient(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter(nil, "", "auth", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for nil client")
	}
}
