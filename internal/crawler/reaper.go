package crawler

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/common"
)

// Reaper periodically closes browser contexts whose owning job has
// exceeded job_timeout + 5 minutes, using the Pool's registry as the
// authoritative ownership map.
type Reaper struct {
	pool       *Pool
	logger     arbor.ILogger
	maxAge     time.Duration
	sweep      time.Duration
	closeGrace time.Duration

	stop chan struct{}
}

func NewReaper(pool *Pool, logger arbor.ILogger, jobTimeout time.Duration) *Reaper {
	return &Reaper{
		pool:       pool,
		logger:     logger,
		maxAge:     jobTimeout + 5*time.Minute,
		sweep:      5 * time.Minute,
		closeGrace: 10 * time.Second,
		stop:       make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	common.SafeGo(r.logger, "browser-context-reaper", func() {
		ticker := time.NewTicker(r.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.reapOnce()
			}
		}
	})
}

func (r *Reaper) Stop() { close(r.stop) }

func (r *Reaper) reapOnce() {
	now := time.Now()

	r.pool.registryMu.Lock()
	var stale []string
	for jobID, entry := range r.pool.registry {
		if now.Sub(entry.createdAt) > r.maxAge {
			stale = append(stale, jobID)
		}
	}
	r.pool.registryMu.Unlock()

	for _, jobID := range stale {
		r.closeWithGrace(jobID)
	}
}

// closeWithGrace races the context's cancel against closeGrace; on
// timeout the entry remains registered so the next sweep retries it
// instead of leaking the slot.
func (r *Reaper) closeWithGrace(jobID string) {
	r.pool.registryMu.Lock()
	entry, ok := r.pool.registry[jobID]
	r.pool.registryMu.Unlock()
	if !ok {
		return
	}

	done := make(chan struct{})
	go func() {
		entry.cancel()
		close(done)
	}()

	select {
	case <-done:
		r.pool.unregister(jobID)
		r.logger.Debug().Str("job_id", jobID).Msg("reaped stale browser context")
	case <-time.After(r.closeGrace):
		r.logger.Warn().Str("job_id", jobID).Msg("browser context close timed out, will retry next sweep")
	}
}
