package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a durable job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCompleted JobStatus = "completed"
)

// Job is one row in a durable, typed queue. Exactly one worker holds
// status=running for a job at any moment; crash recovery resets jobs whose
// lease has expired back to pending.
type Job struct {
	ID             string          `badgerhold:"key"`
	Queue          string          `badgerhold:"index"`
	Payload        json.RawMessage
	Priority       int             `badgerhold:"index"` // lower = higher priority, 0 = user-initiated, 50 = bulk import
	GroupID        string          `badgerhold:"index"` // fairness bucket, typically user id
	Status         JobStatus       `badgerhold:"index"`
	RunsAttempted  int
	MaxRetries     int
	NextRunAt      time.Time `badgerhold:"index"` // used to implement delayed retry and dequeue eligibility
	IdempotencyKey string    `badgerhold:"index"`
	LeaseExpiresAt time.Time // valid only while Status == running
	EnqueuedAt     time.Time
	LastError      string
}

// NewJob builds a pending job ready for insertion. The caller supplies the
// ID so the queue store can generate a sortable, collision-resistant key.
func NewJob(id, queue string, payload json.RawMessage, priority int, groupID, idempotencyKey string, maxRetries int, delay time.Duration) *Job {
	now := time.Now()
	return &Job{
		ID:             id,
		Queue:          queue,
		Payload:        payload,
		Priority:       priority,
		GroupID:        groupID,
		Status:         JobStatusPending,
		MaxRetries:     maxRetries,
		NextRunAt:      now.Add(delay),
		IdempotencyKey: idempotencyKey,
		EnqueuedAt:     now,
	}
}

// QueueDescriptor is a process-wide singleton describing one logical
// queue: its payload schema, retry defaults, retention policy, and the
// wall-clock deadline applied to every dispatched job.
type QueueDescriptor struct {
	Name             string
	PayloadSchema    func(json.RawMessage) error // returns a validation error for malformed payloads
	DefaultMaxRetries int
	KeepFailed       bool
	TimeoutSeconds   int
}

// QueueStats is the snapshot returned by queue.Store.Stats.
type QueueStats struct {
	Pending      int
	Running      int
	PendingRetry int // pending jobs whose NextRunAt is in the future
	Failed       int
}

// JobLog is one entry of a job's dispatch trail: distinct from the job's
// terminal LastError, it records per-attempt events (including non-fatal,
// downgraded failures like a skipped screenshot) so crash-recovery and
// retry behavior are observable after the fact.
type JobLog struct {
	ID        string `badgerhold:"key"`
	JobID     string `badgerhold:"index"`
	Timestamp time.Time
	Level     string // "info", "warn", "error"
	Message   string
}

func NewJobLog(jobID, level, message string) JobLog {
	return JobLog{ID: uuid.NewString(), JobID: jobID, Timestamp: time.Now(), Level: level, Message: message}
}

// GroupCursor tracks, per (queue, group), the last time a job from that
// group was dispatched — the fairness ledger the dequeue ordering consults.
type GroupCursor struct {
	ID           string `badgerhold:"key"` // queue + "\x00" + group
	Queue        string `badgerhold:"index"`
	GroupID      string
	LastServedAt time.Time
}
