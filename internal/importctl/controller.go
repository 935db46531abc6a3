package importctl

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/metrics"
	"github.com/crawlcore/crawlcore/internal/models"
	"github.com/crawlcore/crawlcore/internal/queue"
)

// staleSweepEveryNIterations spaces the stale-item sweep roughly a
// minute apart against the 1s default poll interval.
const staleSweepEveryNIterations = 60

// Controller is the long-lived import poller: the same
// ticker-plus-context-cancel loop the queue workers run, generalized from
// one-job-per-tick to one-batch-per-tick with its own backpressure gate.
type Controller struct {
	store        *Store
	queueStore   *queue.Store
	creator      *BookmarkCreator
	bookmarks    bookmarkStatusReader
	logger       arbor.ILogger
	pollInterval time.Duration
	staleAfter   time.Duration
	batchSize    int
	maxInFlight  int

	mu        sync.Mutex
	iteration int

	ctx    context.Context
	cancel context.CancelFunc
}

// bookmarkStatusReader is the narrow slice of interfaces.BookmarkStore the
// controller needs to decide whether a claimed item's downstream work has
// settled.
type bookmarkStatusReader interface {
	Get(ctx context.Context, id string) (*models.Bookmark, error)
}

func NewController(store *Store, queueStore *queue.Store, creator *BookmarkCreator, bookmarks bookmarkStatusReader, logger arbor.ILogger, cfg *common.ImporterConfig) *Controller {
	pollInterval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil || pollInterval <= 0 {
		pollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:        store,
		queueStore:   queueStore,
		creator:      creator,
		bookmarks:    bookmarks,
		logger:       logger,
		pollInterval: pollInterval,
		staleAfter:   time.Duration(cfg.StaleThresholdSec) * time.Second,
		batchSize:    cfg.BatchSize,
		maxInFlight:  cfg.MaxInFlight,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the poller loop in its own goroutine.
func (c *Controller) Start() {
	common.SafeGoWithContext(c.ctx, c.logger, "import-controller", c.loop)
}

func (c *Controller) Stop() {
	c.cancel()
}

func (c *Controller) loop() {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) tick() {
	c.mu.Lock()
	c.iteration++
	iteration := c.iteration
	c.mu.Unlock()

	if iteration%staleSweepEveryNIterations == 0 {
		c.resetStale()
	}

	if n, err := c.store.ResetPausedProcessing(c.ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to reset paused-session processing items")
	} else if n > 0 {
		c.logger.Info().Int("count", n).Msg("returned paused-session items to pending")
	}

	c.reapSettledDownstream()
	c.emitGauges()

	if c.backpressured() {
		return
	}

	c.claimAndProcessBatch()
}

func (c *Controller) resetStale() {
	n, err := c.store.ResetStale(c.ctx, c.staleAfter)
	if err != nil {
		c.logger.Warn().Err(err).Msg("stale staging sweep failed")
		return
	}
	if n > 0 {
		metrics.ImportStagingStaleResetTotal.Add(float64(n))
		c.logger.Info().Int("count", n).Msg("reset stale processing staging items to pending")
	}
}

// reapSettledDownstream resolves items that produced a bookmark: each is
// completed/failed once that bookmark's crawl and
// tagging status have both left the pending state; sessions with an empty
// staging pool are completed.
func (c *Controller) reapSettledDownstream() {
	items, err := c.store.AwaitingDownstream(c.ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to scan downstream-pending staging items")
		return
	}

	touchedSessions := make(map[string]bool)
	for _, item := range items {
		bm, err := c.bookmarks.Get(c.ctx, item.ResultBookmarkID)
		if err != nil {
			c.logger.Warn().Err(err).Str("bookmark_id", item.ResultBookmarkID).Msg("failed to load bookmark for downstream settlement check")
			continue
		}

		crawlSettled := bm.CrawlStatus == "" || bm.CrawlStatus == models.CrawlStatusSuccess || bm.CrawlStatus == models.CrawlStatusFailure
		taggingSettled := bm.TaggingStatus == "" || bm.TaggingStatus == models.EnrichmentSuccess || bm.TaggingStatus == models.EnrichmentFailure
		if !crawlSettled || !taggingSettled {
			continue
		}

		if bm.CrawlStatus == models.CrawlStatusFailure {
			if err := c.store.MarkTerminal(c.ctx, item.ID, models.StagingItemFailed, "", "crawl failed"); err != nil {
				c.logger.Warn().Err(err).Str("staging_item_id", item.ID).Msg("failed to mark staging item failed")
				continue
			}
			metrics.ImportStagingProcessedTotal.WithLabelValues("failed").Inc()
		} else {
			if err := c.store.MarkTerminal(c.ctx, item.ID, models.StagingItemCompleted, models.StagingResultAccepted, ""); err != nil {
				c.logger.Warn().Err(err).Str("staging_item_id", item.ID).Msg("failed to mark staging item completed")
				continue
			}
			metrics.ImportStagingProcessedTotal.WithLabelValues("accepted").Inc()
		}
		touchedSessions[item.SessionID] = true
	}

	for sessionID := range touchedSessions {
		if err := c.store.CompleteIfEmpty(c.ctx, sessionID); err != nil {
			c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to complete empty import session")
		}
	}
}

// backpressured gates claiming on downstream depth:
// max(crawl_depth, ai_depth, processing_count) >= max_in_flight.
func (c *Controller) backpressured() bool {
	crawlerDepth := c.queueDepth(queue.QueueCrawl)
	aiDepth := c.queueDepth(queue.QueueTag) + c.queueDepth(queue.QueueSummarize)
	processing, err := c.store.CountProcessing(c.ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to count processing staging items")
		processing = 0
	}

	inFlight := crawlerDepth
	if aiDepth > inFlight {
		inFlight = aiDepth
	}
	if processing > inFlight {
		inFlight = processing
	}

	return inFlight >= c.maxInFlight
}

func (c *Controller) queueDepth(name string) int {
	stats, err := c.queueStore.Stats(c.ctx, name)
	if err != nil {
		c.logger.Warn().Err(err).Str("queue", name).Msg("failed to read queue depth")
		return 0
	}
	return stats.Pending + stats.Running
}

// claimAndProcessBatch claims a fair batch and hands each item to the
// shared bookmark-create path in parallel.
func (c *Controller) claimAndProcessBatch() {
	start := time.Now()

	claimed, err := c.store.ClaimBatch(c.ctx, c.batchSize)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to claim staging batch")
		return
	}
	if len(claimed) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, item := range claimed {
		item := item
		wg.Add(1)
		common.SafeGo(c.logger, "import-item-"+item.ID, func() {
			defer wg.Done()
			c.processItem(item)
		})
	}
	wg.Wait()

	metrics.ImportBatchDurationSeconds.Observe(time.Since(start).Seconds())
}

func (c *Controller) processItem(item models.ImportStagingItem) {
	sess, err := c.store.GetSession(c.ctx, item.SessionID)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", item.SessionID).Msg("failed to load session for staging item")
		return
	}

	bookmarkID, err := c.creator.Create(c.ctx, CreateBookmarkRequest{
		UserID:   sess.UserID,
		Type:     item.Type,
		URL:      item.URL,
		Content:  item.Content,
		Tags:     item.Tags,
		ListIDs:  item.ListIDs,
		Priority: PriorityLowImport,
	})

	switch {
	case err == ErrDuplicateURL:
		if merr := c.store.MarkTerminal(c.ctx, item.ID, models.StagingItemCompleted, models.StagingResultSkippedDuplicate, "duplicate url"); merr != nil {
			c.logger.Warn().Err(merr).Str("staging_item_id", item.ID).Msg("failed to mark duplicate staging item")
		}
		metrics.ImportStagingProcessedTotal.WithLabelValues("skipped_duplicate").Inc()
	case err != nil:
		if merr := c.store.MarkTerminal(c.ctx, item.ID, models.StagingItemFailed, models.StagingResultRejected, err.Error()); merr != nil {
			c.logger.Warn().Err(merr).Str("staging_item_id", item.ID).Msg("failed to mark invalid staging item")
		}
		metrics.ImportStagingProcessedTotal.WithLabelValues("rejected").Inc()
	default:
		// Not yet terminal: the item waits on crawl/tag settlement, which
		// reapSettledDownstream checks on subsequent ticks.
		if merr := c.store.MarkProcessingWithBookmark(c.ctx, item.ID, bookmarkID); merr != nil {
			c.logger.Warn().Err(merr).Str("staging_item_id", item.ID).Msg("failed to record created bookmark on staging item")
		}
	}

	if err := c.store.TouchSession(c.ctx, item.SessionID); err != nil {
		c.logger.Warn().Err(err).Str("session_id", item.SessionID).Msg("failed to update session fairness cursor")
	}
}

func (c *Controller) emitGauges() {
	pending, err := c.store.CountPending(c.ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to count pending staging items")
	} else {
		metrics.ImportStagingPendingTotal.Set(float64(pending))
	}

	processing, err := c.store.CountProcessing(c.ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to count processing staging items")
	} else {
		metrics.ImportStagingInFlight.Set(float64(processing))
	}

	counts, err := c.store.SessionsByStatus(c.ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to count import sessions by status")
		return
	}
	for _, status := range []models.ImportSessionStatus{
		models.ImportSessionStaging, models.ImportSessionPending, models.ImportSessionRunning,
		models.ImportSessionPaused, models.ImportSessionCompleted,
	} {
		metrics.ImportSessionsActive.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
