package testsupport

import (
	"context"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"costops/internal/adapters/redis"
)

// NewRedisClient connects through the production client so integration tests
// exercise the same timeouts. Limiter keys are flushed before and after the test.
func NewRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	ctx := context.Background()
	client, err := redis.NewClient(ctx, LoadRedisConfigFromEnv(t))
	if err != nil {
		t.Fatalf("redis unavailable: %v", err)
	}

	rdb := client.Client()
	flush := func() {
		if err := rdb.FlushDB(ctx).Err(); err != nil {
			t.Logf("flush redis: %v", err)
		}
	}
	flush()
	t.Cleanup(func() {
		flush()
		_ = client.Close()
	})
	return rdb
}
