package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/stock-exchange/internal/store"
)

// newTestRedis connects to TEST_REDIS_URL or skips the test.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return rdb
}

func TestCachedStore_Suite(t *testing.T) {
	rdb := newTestRedis(t)
	runStoreSuite(t, store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute))
}

func TestCachedStore_InvalidatesAfterCommit(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)

	st := newStock("Cached Co " + time.Now().Format("150405.000000"))
	if err := cs.Atomic(ctx, func(tx store.Tx) error { return tx.CreateStock(ctx, st) }); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Populate the cache.
	if _, err := cs.GetStock(ctx, st.ID); err != nil {
		t.Fatalf("get: %v", err)
	}

	err := cs.Atomic(ctx, func(tx store.Tx) error {
		cur, err := tx.GetStock(ctx, st.ID)
		if err != nil {
			return err
		}
		cur.AvailableUnits = 10
		return tx.UpdateStock(ctx, cur)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := cs.GetStock(ctx, st.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.AvailableUnits != 10 {
		t.Errorf("expected cache to be invalidated, got %d available", got.AvailableUnits)
	}
}
