package queue

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// Runtime wires the Store and Registry together with the periodic
// crash-recovery sweep that resets any running job whose lease has
// expired back to pending, on process start and on a cron schedule
// thereafter.
type Runtime struct {
	Store    *Store
	Registry *Registry

	logger arbor.ILogger
	cron   *cron.Cron
}

func NewRuntime(store *Store, registry *Registry, logger arbor.ILogger, sweepSchedule string) (*Runtime, error) {
	rt := &Runtime{Store: store, Registry: registry, logger: logger, cron: cron.New(cron.WithSeconds())}
	_, err := rt.cron.AddFunc(sweepSchedule, rt.sweep)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Start runs an initial sweep (process-start recovery) then starts the
// periodic schedule.
func (rt *Runtime) Start() {
	rt.sweep()
	rt.cron.Start()
}

func (rt *Runtime) Stop() {
	ctx := rt.cron.Stop()
	<-ctx.Done()
}

func (rt *Runtime) sweep() {
	n, err := rt.Store.RecoverExpiredLeases(context.Background())
	if err != nil {
		rt.logger.Warn().Err(err).Msg("crash-recovery sweep failed")
		return
	}
	if n > 0 {
		rt.logger.Info().Int("count", n).Msg("crash recovery reset expired leases to pending")
	}
}

// AppendLog exposes the store's job log trail to handlers without
// leaking the Store itself into every collaborator package.
func (rt *Runtime) AppendLog(ctx context.Context, jobID, level, message string) {
	if err := rt.Store.AppendLog(ctx, jobID, level, message); err != nil {
		rt.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to append job log")
	}
}

// Enqueue is a typed convenience wrapper: marshal payload, apply the
// queue's DefaultMaxRetries if the caller didn't override, insert.
func (rt *Runtime) Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) (string, error) {
	body, err := MarshalPayload(payload)
	if err != nil {
		return "", err
	}
	if opts.MaxRetries == 0 {
		if desc, ok := rt.Registry.Get(queue); ok {
			opts.MaxRetries = desc.DefaultMaxRetries
		}
	}
	return rt.Store.Enqueue(ctx, queue, body, opts)
}
