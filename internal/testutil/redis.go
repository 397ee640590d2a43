//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// AppDB is the APPL_DB index on a SONiC Redis.
const AppDB = 0

// RedisAddr returns the address of the test Redis from NEWTOPS_TEST_REDIS_ADDR.
func RedisAddr() string {
	return os.Getenv("NEWTOPS_TEST_REDIS_ADDR")
}

// SkipIfNoRedis skips the test if the test Redis is not reachable and
// returns its address otherwise.
func SkipIfNoRedis(t *testing.T) string {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set NEWTOPS_TEST_REDIS_ADDR")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
	return addr
}

// Context returns a context with a reasonable timeout for tests.
// The cancel function is registered via t.Cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// FlushDB flushes a specific Redis database.
func FlushDB(t *testing.T, addr string, db int) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", db, err)
	}
}

// SeedAppDB loads APPL_DB tables into db. The format is
// { "TABLE": { "key": { "field": "value" } } }; each entry becomes a hash
// at "TABLE:key", the APPL_DB separator.
func SeedAppDB(t *testing.T, addr string, db int, tables map[string]map[string]map[string]string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	ctx := context.Background()
	for table, entries := range tables {
		for key, fields := range entries {
			if err := hset(ctx, client, table+":"+key, fields); err != nil {
				t.Fatalf("seeding %s:%s: %v", table, key, err)
			}
		}
	}
}

// WriteKey writes one hash at the raw key.
func WriteKey(t *testing.T, addr string, db int, key string, fields map[string]string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	if err := hset(context.Background(), client, key, fields); err != nil {
		t.Fatalf("writing %s: %v", key, err)
	}
}

// DeleteKey removes the raw key.
func DeleteKey(t *testing.T, addr string, db int, key string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	if err := client.Del(context.Background(), key).Err(); err != nil {
		t.Fatalf("deleting %s: %v", key, err)
	}
}

func hset(ctx context.Context, client *redis.Client, key string, fields map[string]string) error {
	if len(fields) == 0 {
		// Empty hashes do not exist in Redis; keep the key with a placeholder.
		return client.HSet(ctx, key, "NULL", "NULL").Err()
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return client.HSet(ctx, key, args...).Err()
}
