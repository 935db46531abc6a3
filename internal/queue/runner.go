package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/models"
)

// Handler processes one dequeued job's payload. Cancellation is
// cooperative: the handler must observe ctx and return promptly when it
// fires. Returning a *models.RetryAfter requests a delayed,
// attempt-preserving retry.
type Handler func(ctx context.Context, job *models.Job) error

// Observers are invoked after a dispatch resolves; either may be nil.
// OnError's permanent flag distinguishes a retry (more attempts remain or
// this was a RetryAfter throttle) from a terminal failure the owning
// bookmark must surface.
type Observers struct {
	OnComplete func(job *models.Job)
	OnError    func(job *models.Job, err error, permanent bool)
}

type registration struct {
	handler     Handler
	concurrency int
	observers   Observers
}

// Runner bridges the durable Store to in-process Handlers: a
// staggered-start goroutine-per-worker loop per queue, graceful shutdown
// via requeue-then-cancel, each queue configured independently.
type Runner struct {
	store         *Store
	registry      *Registry
	logger        arbor.ILogger
	pollInterval  time.Duration
	leaseDuration time.Duration
	backoff       BackoffFunc

	regs map[string]registration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRunner(store *Store, registry *Registry, logger arbor.ILogger, pollInterval, leaseDuration time.Duration, backoff BackoffFunc) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:         store,
		registry:      registry,
		logger:        logger,
		pollInterval:  pollInterval,
		leaseDuration: leaseDuration,
		backoff:       backoff,
		regs:          make(map[string]registration),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterHandler attaches a handler to a queue with its own worker
// concurrency; the timeout and payload validator come from the queue's
// registered QueueDescriptor.
func (r *Runner) RegisterHandler(queue string, concurrency int, h Handler, obs Observers) {
	r.regs[queue] = registration{handler: h, concurrency: concurrency, observers: obs}
}

// Start launches concurrency workers per registered queue.
func (r *Runner) Start() {
	for queue, reg := range r.regs {
		for i := 0; i < reg.concurrency; i++ {
			workerID := i
			common.SafeGoWithContext(r.ctx, r.logger, "queue-worker-"+queue, func() {
				// Stagger start so concurrent workers don't all poll in lockstep.
				time.Sleep(time.Duration(workerID) * (r.pollInterval / time.Duration(max(reg.concurrency, 1))))
				r.workerLoop(queue, reg)
			})
		}
	}
}

// Stop requeues all in-flight jobs immediately (rather than waiting out
// their lease) and stops polling.
func (r *Runner) Stop(ctx context.Context) {
	n, err := r.store.RequeueAllRunning(ctx, "shutdown - job will resume on restart")
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to requeue running jobs on shutdown")
	} else if n > 0 {
		r.logger.Info().Int("count", n).Msg("requeued in-flight jobs on shutdown")
	}
	r.cancel()
}

func (r *Runner) workerLoop(queue string, reg registration) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.dispatchOnce(queue, reg)
		}
	}
}

func (r *Runner) dispatchOnce(queue string, reg registration) {
	desc, ok := r.registry.Get(queue)
	if !ok {
		r.logger.Error().Str("queue", queue).Msg("dispatch on unregistered queue")
		return
	}

	job, err := r.store.Dequeue(r.ctx, queue, r.leaseDuration)
	if err != nil {
		r.logger.Warn().Err(err).Str("queue", queue).Msg("dequeue failed")
		return
	}
	if job == nil {
		return
	}

	if desc.PayloadSchema != nil {
		if verr := desc.PayloadSchema(job.Payload); verr != nil {
			if cerr := r.store.CompleteSchemaInvalid(r.ctx, job.ID, verr.Error()); cerr != nil {
				r.logger.Error().Err(cerr).Str("job_id", job.ID).Msg("failed to drop schema-invalid job")
			}
			r.logger.Warn().Str("job_id", job.ID).Str("queue", queue).Err(verr).Msg("dropped schema-invalid job")
			if reg.observers.OnError != nil {
				reg.observers.OnError(job, verr, false)
			}
			return
		}
	}

	timeout := r.leaseDuration
	if desc.TimeoutSeconds > 0 {
		timeout = time.Duration(desc.TimeoutSeconds) * time.Second
	}
	handlerCtx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	heartbeatInterval := r.leaseDuration / 3
	heartbeatDone := make(chan struct{})
	common.SafeGo(r.logger, "lease-heartbeat-"+job.ID, func() {
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-t.C:
				_ = r.store.ExtendLease(context.Background(), job.ID, r.leaseDuration)
			}
		}
	})

	err = reg.handler(handlerCtx, job)
	close(heartbeatDone)

	if err == nil {
		if cerr := r.store.Complete(r.ctx, job.ID, desc.KeepFailed); cerr != nil {
			r.logger.Error().Err(cerr).Str("job_id", job.ID).Msg("failed to complete job")
		}
		if reg.observers.OnComplete != nil {
			reg.observers.OnComplete(job)
		}
		return
	}

	if ra, ok := models.AsRetryAfter(err); ok {
		d := ra.Delay
		if ferr := r.store.Fail(r.ctx, job.ID, err.Error(), &d, r.backoff); ferr != nil {
			r.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("failed to schedule retry-after")
		}
		if reg.observers.OnError != nil {
			reg.observers.OnError(job, err, false)
		}
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = errWrapTimeout(err)
	}

	// job.RunsAttempted already reflects Dequeue's increment, so it tells
	// us whether this Fail call is about to exhaust retries before we
	// even issue it.
	permanent := job.RunsAttempted >= job.MaxRetries
	if ferr := r.store.Fail(r.ctx, job.ID, err.Error(), nil, r.backoff); ferr != nil {
		r.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("failed to record job failure")
	}
	if reg.observers.OnError != nil {
		reg.observers.OnError(job, err, permanent)
	}
}

func errWrapTimeout(err error) error {
	return errors.New("job timed out or was cancelled: " + err.Error())
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// MarshalPayload is a small convenience used by callers constructing a
// job payload before Enqueue.
func MarshalPayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
