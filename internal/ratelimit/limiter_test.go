package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"github.com/timshannon/badgerhold/v4"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	opts.Options = badger.DefaultOptions(opts.Dir).WithLogger(nil)
	db, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLimiter(db)
}

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	r1 := l.CheckRateLimit(ctx, "crawl_host", "slow.example", 1, 60*time.Second)
	require.True(t, r1.Allowed)

	r2 := l.CheckRateLimit(ctx, "crawl_host", "slow.example", 1, 60*time.Second)
	require.False(t, r2.Allowed)
	require.Greater(t, r2.ResetInSeconds, 0)
	require.LessOrEqual(t, r2.ResetInSeconds, 60)
}

func TestSlidingWindowExpiresOldTimestamps(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	r1 := l.CheckRateLimit(ctx, "crawl_host", "fast.example", 1, 20*time.Millisecond)
	require.True(t, r1.Allowed)

	time.Sleep(30 * time.Millisecond)

	r2 := l.CheckRateLimit(ctx, "crawl_host", "fast.example", 1, 20*time.Millisecond)
	require.True(t, r2.Allowed)
}

func TestDifferentKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	r1 := l.CheckRateLimit(ctx, "crawl_host", "a.example", 1, time.Minute)
	require.True(t, r1.Allowed)
	r2 := l.CheckRateLimit(ctx, "crawl_host", "b.example", 1, time.Minute)
	require.True(t, r2.Allowed)
}
