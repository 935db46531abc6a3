// Package queue implements the durable, typed job queue runtime
// and the worker-pool runner that bridges it to in-process
// handlers: badgerhold-backed rows, ID-encoded arrival ordering,
// priority-then-fairness dequeue, retry with jittered backoff.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/crawlcore/crawlcore/internal/models"
)

// Store is the durable queue backing store. One Store instance serves
// every logical queue in the process; jobs are partitioned by the Queue
// field. All dequeue/enqueue/fail/complete operations that must be
// atomic against concurrent callers are serialized by mu — badgerhold
// does not offer SELECT FOR UPDATE SKIP LOCKED, and since the store is
// embedded in this single process, a mutex around the read-then-write
// critical section gives the same single-round-trip atomicity the spec
// asks for.
type Store struct {
	mu    sync.Mutex
	db    *badgerhold.Store
	clock func() time.Time
}

func NewStore(db *badgerhold.Store) *Store {
	return &Store{db: db, clock: time.Now}
}

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	Priority       int
	GroupID        string
	IdempotencyKey string
	Delay          time.Duration
	MaxRetries     int
}

// Enqueue inserts a pending job. If IdempotencyKey is set and collides
// with an open (pending or running) job on the same queue, the existing
// job's ID is returned and no row is inserted, so at most one open job
// per key exists on a queue.
func (s *Store) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.IdempotencyKey != "" {
		var existing []models.Job
		err := s.db.Find(&existing, badgerhold.Where("Queue").Eq(queue).
			And("IdempotencyKey").Eq(opts.IdempotencyKey).
			And("Status").In(models.JobStatusPending, models.JobStatusRunning))
		if err != nil {
			return "", fmt.Errorf("check idempotency: %w", err)
		}
		if len(existing) > 0 {
			return existing[0].ID, nil
		}
	}

	id := newJobID(s.clock())
	job := models.NewJob(id, queue, payload, opts.Priority, opts.GroupID, opts.IdempotencyKey, opts.MaxRetries, opts.Delay)
	if err := s.db.Insert(id, job); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// newJobID encodes enqueue time so that, within a priority+group bucket,
// sorting by ID is sorting by arrival order.
func newJobID(t time.Time) string {
	return fmt.Sprintf("%019d:%s", t.UnixNano(), uuid.New().String())
}

// Dequeue atomically selects and leases the next eligible job for queue,
// honoring priority then per-group fairness then arrival order.
// Returns nil, nil if nothing is eligible.
func (s *Store) Dequeue(ctx context.Context, queue string, leaseDuration time.Duration) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var candidates []models.Job
	err := s.db.Find(&candidates, badgerhold.Where("Queue").Eq(queue).
		And("Status").Eq(models.JobStatusPending).
		And("NextRunAt").Le(now))
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	minPriority := candidates[0].Priority
	for _, c := range candidates[1:] {
		if c.Priority < minPriority {
			minPriority = c.Priority
		}
	}
	tied := candidates[:0]
	for _, c := range candidates {
		if c.Priority == minPriority {
			tied = append(tied, c)
		}
	}

	cursors := make(map[string]time.Time, len(tied))
	for _, c := range tied {
		if _, ok := cursors[c.GroupID]; ok {
			continue
		}
		cursors[c.GroupID] = s.groupLastServed(queue, c.GroupID)
	}

	sort.SliceStable(tied, func(i, j int) bool {
		li, lj := cursors[tied[i].GroupID], cursors[tied[j].GroupID]
		if !li.Equal(lj) {
			return li.Before(lj)
		}
		return tied[i].EnqueuedAt.Before(tied[j].EnqueuedAt)
	})

	chosen := tied[0]
	chosen.Status = models.JobStatusRunning
	chosen.RunsAttempted++
	chosen.LeaseExpiresAt = now.Add(leaseDuration)
	if err := s.db.Update(chosen.ID, &chosen); err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	s.touchGroupCursor(queue, chosen.GroupID, now)

	return &chosen, nil
}

func (s *Store) groupLastServed(queue, groupID string) time.Time {
	var cursor models.GroupCursor
	err := s.db.Get(groupCursorID(queue, groupID), &cursor)
	if err != nil {
		return time.Time{}
	}
	return cursor.LastServedAt
}

func (s *Store) touchGroupCursor(queue, groupID string, at time.Time) {
	id := groupCursorID(queue, groupID)
	cursor := models.GroupCursor{ID: id, Queue: queue, GroupID: groupID, LastServedAt: at}
	_ = s.db.Upsert(id, &cursor)
}

func groupCursorID(queue, groupID string) string {
	return queue + "\x00" + groupID
}

// Complete removes the job (or marks it completed if the queue's
// descriptor requests retention).
func (s *Store) Complete(ctx context.Context, jobID string, keepFailed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Get(jobID, &job); err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if keepFailed {
		job.Status = models.JobStatusCompleted
		return s.db.Update(jobID, &job)
	}
	return s.db.Delete(jobID, &job)
}

// Fail applies the retry-or-terminal transition. When
// retryAfter is non-nil, attempts are not consumed — this is the
// rate-limiter "retry-after" sentinel, not a failure.
func (s *Store) Fail(ctx context.Context, jobID string, errMsg string, retryAfter *time.Duration, backoff BackoffFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Get(jobID, &job); err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	job.LastError = errMsg

	if retryAfter != nil {
		// Dequeue unconditionally bumps RunsAttempted; a retry-after
		// dispatch is throttling, not a real attempt, so undo that bump
		// so the throttle never burns down max_retries.
		if job.RunsAttempted > 0 {
			job.RunsAttempted--
		}
		job.Status = models.JobStatusPending
		job.NextRunAt = s.clock().Add(*retryAfter)
		return s.db.Update(jobID, &job)
	}

	if job.RunsAttempted < job.MaxRetries {
		job.Status = models.JobStatusPending
		job.NextRunAt = s.clock().Add(backoff(job.RunsAttempted))
		return s.db.Update(jobID, &job)
	}

	job.Status = models.JobStatusFailed
	return s.db.Update(jobID, &job)
}

// CompleteSchemaInvalid drops a malformed payload as a terminal
// "completed" with the validation error recorded.
func (s *Store) CompleteSchemaInvalid(ctx context.Context, jobID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Get(jobID, &job); err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	job.LastError = errMsg
	job.Status = models.JobStatusCompleted
	return s.db.Update(jobID, &job)
}

// ExtendLease is called by the runner's heartbeat while a handler runs,
// at an interval <= lease/3.
func (s *Store) ExtendLease(ctx context.Context, jobID string, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Get(jobID, &job); err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if job.Status != models.JobStatusRunning {
		return nil
	}
	job.LeaseExpiresAt = s.clock().Add(leaseDuration)
	return s.db.Update(jobID, &job)
}

// RecoverExpiredLeases resets any running job whose lease has expired
// back to pending, across every queue.
// Returns the count reset.
func (s *Store) RecoverExpiredLeases(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var expired []models.Job
	err := s.db.Find(&expired, badgerhold.Where("Status").Eq(models.JobStatusRunning).
		And("LeaseExpiresAt").Le(now))
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	for i := range expired {
		expired[i].Status = models.JobStatusPending
		expired[i].NextRunAt = now
		if err := s.db.Update(expired[i].ID, &expired[i]); err != nil {
			return i, fmt.Errorf("reset job %s: %w", expired[i].ID, err)
		}
	}
	return len(expired), nil
}

// RequeueAllRunning marks every running job pending immediately, used on
// graceful shutdown instead of waiting out the lease.
func (s *Store) RequeueAllRunning(ctx context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var running []models.Job
	err := s.db.Find(&running, badgerhold.Where("Status").Eq(models.JobStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("query running jobs: %w", err)
	}
	for i := range running {
		running[i].Status = models.JobStatusPending
		running[i].NextRunAt = now
		running[i].LastError = reason
		if err := s.db.Update(running[i].ID, &running[i]); err != nil {
			return i, fmt.Errorf("requeue job %s: %w", running[i].ID, err)
		}
	}
	return len(running), nil
}

// Stats reports per-queue counts.
func (s *Store) Stats(ctx context.Context, queue string) (models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var stats models.QueueStats

	pending, err := s.db.Count(&models.Job{}, badgerhold.Where("Queue").Eq(queue).And("Status").Eq(models.JobStatusPending))
	if err != nil {
		return stats, err
	}
	running, err := s.db.Count(&models.Job{}, badgerhold.Where("Queue").Eq(queue).And("Status").Eq(models.JobStatusRunning))
	if err != nil {
		return stats, err
	}
	pendingRetry, err := s.db.Count(&models.Job{}, badgerhold.Where("Queue").Eq(queue).
		And("Status").Eq(models.JobStatusPending).And("NextRunAt").Gt(now))
	if err != nil {
		return stats, err
	}
	failed, err := s.db.Count(&models.Job{}, badgerhold.Where("Queue").Eq(queue).And("Status").Eq(models.JobStatusFailed))
	if err != nil {
		return stats, err
	}

	stats.Pending = int(pending)
	stats.Running = int(running)
	stats.PendingRetry = int(pendingRetry)
	stats.Failed = int(failed)
	return stats, nil
}

// CancelAllNonRunning deletes every pending (not yet dispatched) job on a
// queue and returns the count removed.
func (s *Store) CancelAllNonRunning(ctx context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.Job
	if err := s.db.Find(&pending, badgerhold.Where("Queue").Eq(queue).And("Status").Eq(models.JobStatusPending)); err != nil {
		return 0, fmt.Errorf("query pending jobs: %w", err)
	}
	for i := range pending {
		if err := s.db.Delete(pending[i].ID, &pending[i]); err != nil {
			return i, fmt.Errorf("delete job %s: %w", pending[i].ID, err)
		}
	}
	return len(pending), nil
}

// AppendLog records one entry of a job's dispatch trail. Unlike Fail,
// this never touches the job's terminal status — it's used for
// non-fatal, downgraded events (a skipped screenshot, a failed archive
// step).
func (s *Store) AppendLog(ctx context.Context, jobID, level, message string) error {
	entry := models.NewJobLog(jobID, level, message)
	if err := s.db.Insert(entry.ID, &entry); err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// GetLogs returns a job's trail in chronological order, most recent
// `limit` entries (0 = unbounded).
func (s *Store) GetLogs(ctx context.Context, jobID string, limit int) ([]models.JobLog, error) {
	var entries []models.JobLog
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("Timestamp")
	if err := s.db.Find(&entries, query); err != nil {
		return nil, fmt.Errorf("get job logs: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
