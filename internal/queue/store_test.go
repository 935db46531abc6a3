package queue

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"github.com/timshannon/badgerhold/v4"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	opts.Options = badger.DefaultOptions(opts.Dir).WithLogger(nil)
	db, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestEnqueueDequeueComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "crawl", []byte(`{"bookmark_id":"bm_1"}`), EnqueueOptions{Priority: 0, GroupID: "u1", MaxRetries: 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := s.Dequeue(ctx, "crawl", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, 1, job.RunsAttempted)

	again, err := s.Dequeue(ctx, "crawl", time.Minute)
	require.NoError(t, err)
	require.Nil(t, again, "a running job must not be eligible for re-dequeue")

	require.NoError(t, s.Complete(ctx, job.ID, false))

	stats, err := s.Stats(ctx, "crawl")
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
	require.Equal(t, 0, stats.Running)
}

func TestIdempotencyKeyCollapses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Enqueue(ctx, "crawl", []byte(`{}`), EnqueueOptions{IdempotencyKey: "k1", MaxRetries: 1})
	require.NoError(t, err)
	id2, err := s.Enqueue(ctx, "crawl", []byte(`{}`), EnqueueOptions{IdempotencyKey: "k1", MaxRetries: 1})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	stats, err := s.Stats(ctx, "crawl")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestFairnessAlternatesGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Enqueue(ctx, "crawl", []byte(`{}`), EnqueueOptions{Priority: 50, GroupID: "u1", MaxRetries: 1})
		require.NoError(t, err)
		_, err = s.Enqueue(ctx, "crawl", []byte(`{}`), EnqueueOptions{Priority: 50, GroupID: "u2", MaxRetries: 1})
		require.NoError(t, err)
	}

	var groupSeq []string
	for i := 0; i < 8; i++ {
		job, err := s.Dequeue(ctx, "crawl", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		groupSeq = append(groupSeq, job.GroupID)
		require.NoError(t, s.Complete(ctx, job.ID, false))
	}

	// No group should run three times in a row before the other appears.
	run := 1
	for i := 1; i < len(groupSeq); i++ {
		if groupSeq[i] == groupSeq[i-1] {
			run++
		} else {
			run = 1
		}
		require.LessOrEqual(t, run, 2, "group %s ran too many times consecutively", groupSeq[i])
	}
}

func TestFailRetriesThenTerminates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	backoff := NewExponentialBackoff(time.Millisecond, time.Second)

	id, err := s.Enqueue(ctx, "crawl", []byte(`{}`), EnqueueOptions{MaxRetries: 2})
	require.NoError(t, err)

	job, err := s.Dequeue(ctx, "crawl", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	require.NoError(t, s.Fail(ctx, job.ID, "boom", nil, backoff))

	stats, err := s.Stats(ctx, "crawl")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending, "one retry remains")

	time.Sleep(5 * time.Millisecond)
	job2, err := s.Dequeue(ctx, "crawl", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job2)
	require.Equal(t, 2, job2.RunsAttempted)

	require.NoError(t, s.Fail(ctx, job2.ID, "boom again", nil, backoff))

	stats, err = s.Stats(ctx, "crawl")
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
	require.Equal(t, 1, stats.Failed)
}

func TestRetryAfterDoesNotConsumeAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	backoff := NewExponentialBackoff(time.Millisecond, time.Second)

	id, err := s.Enqueue(ctx, "crawl", []byte(`{}`), EnqueueOptions{MaxRetries: 1})
	require.NoError(t, err)

	job, err := s.Dequeue(ctx, "crawl", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, 1, job.RunsAttempted)

	delay := 10 * time.Millisecond
	require.NoError(t, s.Fail(ctx, job.ID, "rate limited", &delay, backoff))

	time.Sleep(20 * time.Millisecond)
	job2, err := s.Dequeue(ctx, "crawl", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job2)
	require.Equal(t, 1, job2.RunsAttempted, "retry-after must not consume an attempt")
}
