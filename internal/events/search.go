package events

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
)

// searchOp is one pending index operation awaiting a batch flush.
type searchOp struct {
	bookmarkID string
	isDelete   bool
	fields     map[string]interface{}
	done       chan error
}

// SearchIndexer batches SearchIndex job handling over a short window
// to amortize round-trips to the
// external search engine. Adds and deletes are flushed as same-type
// batches in insertion order; every caller blocks on its own done
// channel until its batch resolves, matching "each batch awaiting a
// terminal success/failure status ... before resolving per-caller
// promises."
type SearchIndexer struct {
	index  interfaces.SearchIndex
	logger arbor.ILogger

	maxBatch int
	window   time.Duration

	mu      sync.Mutex
	pending []*searchOp
	timer   *time.Timer
}

func NewSearchIndexer(index interfaces.SearchIndex, logger arbor.ILogger, maxBatch int, window time.Duration) *SearchIndexer {
	if maxBatch <= 0 {
		maxBatch = 50
	}
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &SearchIndexer{index: index, logger: logger, maxBatch: maxBatch, window: window}
}

// Handle is the queue.Handler for the search_index queue. It submits the
// job's operation into the current batch and blocks until that batch is
// flushed, propagating the flush's resulting error back to the queue
// runner for retry classification.
func (s *SearchIndexer) Handle(ctx context.Context, job *models.Job) error {
	var payload models.SearchIndexPayload
	if err := models.ValidatePayload(job.Payload, &payload); err != nil {
		return err
	}

	op := &searchOp{
		bookmarkID: payload.BookmarkID,
		isDelete:   payload.Type == "delete",
		fields:     map[string]interface{}{"bookmark_id": payload.BookmarkID},
		done:       make(chan error, 1),
	}
	s.submit(op)

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SearchIndexer) submit(op *searchOp) {
	s.mu.Lock()
	s.pending = append(s.pending, op)
	shouldFlushNow := len(s.pending) >= s.maxBatch
	if s.timer == nil && !shouldFlushNow {
		s.timer = time.AfterFunc(s.window, s.flush)
	}
	batch := (*[]*searchOp)(nil)
	if shouldFlushNow {
		b := s.pending
		s.pending = nil
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		batch = &b
	}
	s.mu.Unlock()

	if batch != nil {
		s.flushBatch(*batch)
	}
}

func (s *SearchIndexer) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	s.flushBatch(batch)
}

// flushBatch splits the batch into contiguous runs of same-type
// operations and processes them in insertion order.
func (s *SearchIndexer) flushBatch(batch []*searchOp) {
	if len(batch) == 0 {
		return
	}

	i := 0
	for i < len(batch) {
		j := i + 1
		for j < len(batch) && batch[j].isDelete == batch[i].isDelete {
			j++
		}
		s.runGroup(batch[i:j])
		i = j
	}
}

func (s *SearchIndexer) runGroup(group []*searchOp) {
	ctx := context.Background()
	for _, op := range group {
		var err error
		if op.isDelete {
			err = s.index.Delete(ctx, op.bookmarkID)
		} else {
			err = s.index.Upsert(ctx, op.bookmarkID, op.fields)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("bookmark_id", op.bookmarkID).Bool("delete", op.isDelete).Msg("search index op failed")
		}
		op.done <- err
	}
}
