package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/models"
)

func TestRunnerOnErrorReportsPermanentOnlyWhenRetriesExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	registry := NewRegistry()
	registry.Register(models.QueueDescriptor{
		Name:              "crawl",
		PayloadSchema:     func(json.RawMessage) error { return nil },
		DefaultMaxRetries: 2,
		TimeoutSeconds:    5,
	})

	_, err := s.Enqueue(ctx, "crawl", []byte(`{}`), EnqueueOptions{MaxRetries: 2})
	require.NoError(t, err)

	backoff := NewExponentialBackoff(time.Millisecond, 10*time.Millisecond)
	runner := NewRunner(s, registry, common.GetLogger(), 5*time.Millisecond, time.Minute, backoff)

	calls := make(chan bool, 4)
	runner.RegisterHandler("crawl", 1, func(ctx context.Context, job *models.Job) error {
		return errors.New("boom")
	}, Observers{
		OnError: func(job *models.Job, err error, permanent bool) {
			calls <- permanent
		},
	})
	runner.Start()
	defer runner.Stop(ctx)

	select {
	case first := <-calls:
		require.False(t, first, "one retry remains after the first failure")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first OnError call")
	}

	select {
	case second := <-calls:
		require.True(t, second, "max_retries is exhausted on the second failure")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second OnError call")
	}
}
