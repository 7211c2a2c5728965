package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// Интеграционные тесты ходят в живой Redis; при его отсутствии
// пропускаются.
func openRedisForIntegrationTest(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("SUBPLAT_REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestInvalidateProfile_Integration(t *testing.T) {
	rdb := openRedisForIntegrationTest(t)
	cache := NewProfileCache(rdb, nil)

	ctx := context.Background()
	if err := rdb.Set(ctx, profileKeyPrefix+"uid-1", `{"subscriptions":[]}`, time.Minute).Err(); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	if err := cache.InvalidateProfile("uid-1"); err != nil {
		t.Fatalf("invalidate profile: %v", err)
	}

	if err := rdb.Get(ctx, profileKeyPrefix+"uid-1").Err(); err != redis.Nil {
		t.Fatalf("expected profile key removed, got %v", err)
	}
}

func TestInvalidateProfile_MissingKey_Integration(t *testing.T) {
	rdb := openRedisForIntegrationTest(t)
	cache := NewProfileCache(rdb, nil)

	if err := cache.InvalidateProfile("uid-without-profile"); err != nil {
		t.Fatalf("expected missing key to be tolerated, got %v", err)
	}
}

func TestPing_Integration(t *testing.T) {
	rdb := openRedisForIntegrationTest(t)
	cache := NewProfileCache(rdb, nil)

	if err := cache.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
