package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/metrics"
	"github.com/crawlcore/crawlcore/internal/models"
	"github.com/crawlcore/crawlcore/internal/queue"
	"github.com/crawlcore/crawlcore/internal/ratelimit"
)

// PipelineConfig carries the crawl-specific tunables a Pipeline needs out
// of common.CrawlerConfig, kept as plain fields so the handler doesn't
// depend on the whole common package Config type.
type PipelineConfig struct {
	JobTimeout         time.Duration
	NavigateTimeout    time.Duration
	ScreenshotTimeout  time.Duration
	ParseTimeout       time.Duration
	ParserMemLimitMB   int
	StoreScreenshot    bool
	StorePDF           bool
	FullPageScreenshot bool
	FullPageArchive    bool
	DownloadBanner     bool
	DownloadVideo      bool
	EnableAdblocker    bool
	HTMLInlineThresh   int
	MaxAssetMB         int
	DomainRLMaxReq     int
	DomainRLWindow     time.Duration
}

// Pipeline implements the Crawl queue handler.
type Pipeline struct {
	cfg PipelineConfig

	bookmarks interfaces.BookmarkStore
	blobs     interfaces.BlobStore
	runtime   *queue.Runtime

	limiter *ratelimit.Limiter
	pool    *Pool
	prober  *ContentTypeProber
	parser  *ParserBridge
	archiver interfaces.Archiver
	assetStorer *AssetStorer
	httpClient  *http.Client

	logger arbor.ILogger

	// firstPriorityZeroSeen prevents double-recording the first-crawl
	// latency metric across retries of the same bookmark; keyed by
	// bookmark ID, guarded by firstCrawlMu since Handle runs on every
	// crawl worker concurrently.
	firstCrawlMu          sync.Mutex
	firstPriorityZeroSeen map[string]bool
}

func NewPipeline(
	cfg PipelineConfig,
	bookmarks interfaces.BookmarkStore,
	blobs interfaces.BlobStore,
	runtime *queue.Runtime,
	limiter *ratelimit.Limiter,
	pool *Pool,
	prober *ContentTypeProber,
	parser *ParserBridge,
	archiver interfaces.Archiver,
	httpClient *http.Client,
	logger arbor.ILogger,
) *Pipeline {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	maxAssetMB := cfg.MaxAssetMB
	if maxAssetMB <= 0 {
		maxAssetMB = 25
	}
	return &Pipeline{
		cfg:                    cfg,
		bookmarks:               bookmarks,
		blobs:                   blobs,
		runtime:                 runtime,
		limiter:                 limiter,
		pool:                    pool,
		prober:                  prober,
		parser:                  parser,
		archiver:                archiver,
		assetStorer:             NewAssetStorer(blobs, bookmarks, httpClient, logger, cfg.HTMLInlineThresh, maxAssetMB),
		httpClient:              httpClient,
		logger:                  logger,
		firstPriorityZeroSeen:   make(map[string]bool),
	}
}

// Handle is the queue.Handler for the crawl queue.
func (p *Pipeline) Handle(ctx context.Context, job *models.Job) error {
	var payload models.CrawlPayload
	if err := models.ValidatePayload(job.Payload, &payload); err != nil {
		return err // dropped by the runner before Handle is ever called in practice; defensive here too
	}

	bm, err := p.bookmarks.Get(ctx, payload.BookmarkID)
	if err != nil {
		return fmt.Errorf("load bookmark: %w", err)
	}
	if bm.PrecrawledArchiveAssetID != "" {
		return p.finishPrecrawled(ctx, bm, job)
	}

	host, err := hostOf(bm.URL)
	if err != nil {
		bm.MarkCrawlFailure()
		_ = p.bookmarks.Update(ctx, bm)
		metrics.WorkerStats.WithLabelValues("crawler", "failed_permanent").Inc()
		return nil // malformed URL is fatal-to-job, not retryable
	}

	// Step 1: domain rate-limit gate.
	res := p.limiter.CheckRateLimit(ctx, "crawl", host, p.cfg.DomainRLMaxReq, p.cfg.DomainRLWindow)
	if !res.Allowed {
		jitterMultiplier := 1.0 + 0.4*jitterFraction() // 1.0..1.4x spread keeps retries against a throttled host from herding
		delay := time.Duration(float64(res.ResetInSeconds) * float64(time.Second) * jitterMultiplier)
		return &models.RetryAfter{Delay: delay}
	}

	// Step 2: content-type probe.
	ct, isAsset, perr := p.prober.Probe(ctx, bm.URL)
	if perr == nil && isAsset {
		return p.morphToAsset(ctx, bm, ct)
	}

	// Step 3: browser phase (with browserless fallback).
	mode := p.pool.Mode()
	var capture *CaptureResult
	var statusCode int
	if mode == ModeBrowserless {
		capture, statusCode, err = p.fetchBrowserless(ctx, bm.URL)
	} else {
		capture, statusCode, err = p.fetchWithBrowser(ctx, job.ID, bm.URL, payload.StorePDF)
		if err != nil {
			p.logger.Warn().Err(err).Str("bookmark_id", bm.ID).Msg("browser phase failed, falling back to browserless")
			capture, statusCode, err = p.fetchBrowserless(ctx, bm.URL)
		}
	}
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}

	metrics.CrawlerStatusCodes.WithLabelValues(fmt.Sprintf("%d", statusCode)).Inc()

	// Step 7: retry policy by HTTP status.
	if statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return fmt.Errorf("retryable status code %d", statusCode)
	}

	// Step 8: content extraction via the parser subprocess.
	parsed, perr := p.parser.Extract(ctx, ParserRequest{HTMLContent: capture.HTML, URL: bm.URL, JobID: job.ID})
	if perr != nil {
		var pe *ParserError
		if errors.As(perr, &pe) && pe.Kind == ParserFailureSchemaInvalid {
			return perr // not retryable-useful, but not fatal either; surfaces as generic job failure
		}
		return perr // OOM/generic: retryable while attempts remain
	}

	// Step 9: phase 1 persistence (fast, user-visible).
	applyMetadata(bm, parsed.Metadata, statusCode)
	if err := p.bookmarks.Update(ctx, bm); err != nil {
		return fmt.Errorf("phase 1 persist: %w", err)
	}

	// Step 10: asset storage, in parallel, subject to quota.
	var readable string
	if parsed.ReadableContent != nil {
		readable = parsed.ReadableContent.Content
	} else {
		readable = capture.HTML
	}
	captureForStorage := &CaptureResult{HTML: readable}
	if p.cfg.StoreScreenshot {
		captureForStorage.Screenshot = capture.Screenshot
	}
	if p.cfg.StorePDF || payload.StorePDF {
		captureForStorage.PDF = capture.PDF
		if captureForStorage.PDF == nil && parsed.ReadableContent != nil {
			// No browser ever printed a page (browserless mode, or the PDF
			// capture was downgraded); honor store_pdf by rendering the
			// readable content instead.
			title := bm.Title
			if title == "" {
				title = bm.URL
			}
			if pdfBytes, ferr := renderFallbackPDF(title, parsed.ReadableContent.Content); ferr != nil {
				p.logger.Warn().Err(ferr).Str("bookmark_id", bm.ID).Msg("fallback pdf render failed, continuing without pdf")
			} else {
				captureForStorage.PDF = pdfBytes
			}
		}
	}

	// Snapshot prior-attempt assets before new rows land; whatever this
	// pass re-captures supersedes them once phase 2 commits.
	priorAssets, lerr := p.bookmarks.ListAssets(ctx, bm.ID)
	if lerr != nil {
		p.logger.Warn().Err(lerr).Str("bookmark_id", bm.ID).Msg("failed to list prior assets, superseded cleanup skipped")
	}
	stored, serr := p.assetStorer.StoreAll(ctx, bm.UserID, bm.ID, captureForStorage, bannerURLFor(parsed.Metadata), p.cfg.StorePDF || payload.StorePDF)
	if serr != nil {
		p.logger.Warn().Err(serr).Str("bookmark_id", bm.ID).Msg("asset storage encountered a hard failure, continuing with what succeeded")
		if p.runtime != nil {
			p.runtime.AppendLog(ctx, job.ID, "warn", "asset storage failure: "+serr.Error())
		}
	}

	// Step 11: phase 2 persistence (transactional in the reference store:
	// a single Update call covering all of these fields at once).
	now := time.Now()
	bm.CrawledAt = &now
	if stored != nil {
		if stored.InlineHTML != "" {
			bm.HTMLContent = stored.InlineHTML
			bm.ContentAssetID = ""
		} else if stored.Content != nil {
			bm.ContentAssetID = stored.Content.ID
			bm.HTMLContent = ""
		}
	}
	if err := p.bookmarks.Update(ctx, bm); err != nil {
		return fmt.Errorf("phase 2 persist: %w", err)
	}
	p.assetStorer.DeleteSuperseded(ctx, priorAssets, stored)

	// Step 12: follow-up jobs.
	p.enqueueFollowUps(ctx, bm, job, payload)

	// Step 13: archive step (best-effort, last).
	if p.cfg.FullPageArchive || payload.ArchiveFullPage {
		p.runArchiveStep(ctx, job.ID, bm, capture.HTML)
	}

	// Step 14: first successful priority-0 crawl latency metric.
	if job.Priority == 0 {
		p.recordFirstCrawlLatency(bm, now)
	}

	metrics.WorkerStats.WithLabelValues("crawler", "completed").Inc()
	return nil
}

// recordFirstCrawlLatency observes creation-to-completion latency exactly
// once per bookmark, no matter how many workers or retries touch it.
func (p *Pipeline) recordFirstCrawlLatency(bm *models.Bookmark, completedAt time.Time) {
	p.firstCrawlMu.Lock()
	seen := p.firstPriorityZeroSeen[bm.ID]
	if !seen {
		p.firstPriorityZeroSeen[bm.ID] = true
	}
	p.firstCrawlMu.Unlock()
	if seen {
		return
	}
	metrics.BookmarkCrawlLatencySeconds.Observe(completedAt.Sub(bm.CreatedAt).Seconds())
}

// OnError is the crawl queue's Observers.OnError: on a permanent failure
// (retries exhausted) it surfaces crawl_status=failure on the owning
// bookmark and clears dependent tagging/summarization statuses.
// Non-permanent failures (more retries remain) are metrics-only.
func (p *Pipeline) OnError(job *models.Job, err error, permanent bool) {
	if !permanent {
		return
	}
	metrics.WorkerStats.WithLabelValues("crawler", "failed_permanent").Inc()

	var payload models.CrawlPayload
	if verr := models.ValidatePayload(job.Payload, &payload); verr != nil || payload.BookmarkID == "" {
		return
	}
	ctx := context.Background()
	bm, berr := p.bookmarks.Get(ctx, payload.BookmarkID)
	if berr != nil {
		p.logger.Warn().Err(berr).Str("bookmark_id", payload.BookmarkID).Msg("failed to load bookmark for permanent-failure update")
		return
	}
	bm.MarkCrawlFailure()
	if uerr := p.bookmarks.Update(ctx, bm); uerr != nil {
		p.logger.Warn().Err(uerr).Str("bookmark_id", bm.ID).Msg("failed to persist permanent crawl failure")
	}
}

// finishPrecrawled short-circuits the browser phase entirely when the
// bookmark already carries a user-uploaded precrawled archive asset.
func (p *Pipeline) finishPrecrawled(ctx context.Context, bm *models.Bookmark, job *models.Job) error {
	now := time.Now()
	bm.CrawledAt = &now
	bm.CrawlStatus = models.CrawlStatusSuccess
	bm.CrawlStatusCode = http.StatusOK
	if err := p.bookmarks.Update(ctx, bm); err != nil {
		return fmt.Errorf("precrawled persist: %w", err)
	}
	metrics.WorkerStats.WithLabelValues("crawler", "completed").Inc()
	return nil
}

func (p *Pipeline) morphToAsset(ctx context.Context, bm *models.Bookmark, contentType string) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, bm.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	maxBytes := p.assetStorer.maxAssetBytes
	commit, rollback, err := p.blobs.ReserveQuota(ctx, bm.UserID, maxBytes)
	if err != nil {
		return fmt.Errorf("reserve quota for asset morph: %w", err)
	}
	assetID := common.NewAssetID()
	size, err := p.blobs.Put(ctx, assetID, io.LimitReader(resp.Body, maxBytes), maxBytes)
	if err != nil {
		rollback()
		return fmt.Errorf("store morphed asset body: %w", err)
	}
	commit(size)

	bm.Type = models.BookmarkTypeAsset
	bm.AssetID = assetID
	bm.AssetType = contentType
	if err := p.bookmarks.Update(ctx, bm); err != nil {
		return fmt.Errorf("flip bookmark type to asset: %w", err)
	}

	if p.runtime != nil {
		if _, err := p.runtime.Enqueue(ctx, queue.QueueAssetPreprocessing, models.AssetPreprocessingPayload{BookmarkID: bm.ID}, queue.EnqueueOptions{Priority: 50, GroupID: bm.UserID}); err != nil {
			p.logger.Warn().Err(err).Str("bookmark_id", bm.ID).Msg("failed to enqueue asset preprocessing job")
		}
	}
	metrics.WorkerStats.WithLabelValues("crawler", "completed").Inc()
	return nil
}

func (p *Pipeline) fetchWithBrowser(ctx context.Context, jobID, targetURL string, forcePDF bool) (*CaptureResult, int, error) {
	pageCtx, release, err := p.pool.Acquire(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	InstallNavigationGuard(pageCtx, p.logger, p.cfg.EnableAdblocker)

	navCtx, navCancel := context.WithTimeout(pageCtx, p.cfg.NavigateTimeout)
	defer navCancel()
	statusCode, err := navigateAndWait(navCtx, targetURL)
	if err != nil {
		return nil, 0, err
	}

	capture, err := CaptureAll(pageCtx, p.logger, CaptureOptions{
		FullPageScreenshot: p.cfg.FullPageScreenshot,
		CapturePDF:         p.cfg.StorePDF || forcePDF,
		ScreenshotTimeout:  p.cfg.ScreenshotTimeout,
	})
	if err != nil {
		return nil, statusCode, err
	}
	return capture, statusCode, nil
}

func (p *Pipeline) fetchBrowserless(ctx context.Context, targetURL string) (*CaptureResult, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return &CaptureResult{HTML: string(body)}, resp.StatusCode, nil
}

func (p *Pipeline) enqueueFollowUps(ctx context.Context, bm *models.Bookmark, job *models.Job, payload models.CrawlPayload) {
	if p.runtime == nil {
		return
	}
	opts := queue.EnqueueOptions{Priority: job.Priority, GroupID: bm.UserID}

	if payload.RunInference {
		if _, err := p.runtime.Enqueue(ctx, queue.QueueTag, models.TagSummarizePayload{BookmarkID: bm.ID, Type: "tag"}, opts); err != nil {
			p.logger.Warn().Err(err).Msg("failed to enqueue tag job")
		}
		if _, err := p.runtime.Enqueue(ctx, queue.QueueSummarize, models.TagSummarizePayload{BookmarkID: bm.ID, Type: "summarize"}, opts); err != nil {
			p.logger.Warn().Err(err).Msg("failed to enqueue summarize job")
		}
	}
	if _, err := p.runtime.Enqueue(ctx, queue.QueueSearchIndex, models.SearchIndexPayload{BookmarkID: bm.ID, Type: "upsert"}, opts); err != nil {
		p.logger.Warn().Err(err).Msg("failed to enqueue search index job")
	}
	if p.cfg.DownloadVideo {
		if _, err := p.runtime.Enqueue(ctx, queue.QueueVideoExtract, models.VideoExtractPayload{BookmarkID: bm.ID, URL: bm.URL}, opts); err != nil {
			p.logger.Warn().Err(err).Msg("failed to enqueue video extract job")
		}
	}
	if _, err := p.runtime.Enqueue(ctx, queue.QueueWebhook, models.WebhookPayload{BookmarkID: bm.ID, Event: "crawled", UserID: bm.UserID}, opts); err != nil {
		p.logger.Warn().Err(err).Msg("failed to enqueue webhook job")
	}
	if _, err := p.runtime.Enqueue(ctx, queue.QueueRuleEngine, models.RuleEnginePayload{BookmarkID: bm.ID, Events: []models.RuleEngineEvent{{Type: "bookmarkAdded"}}}, opts); err != nil {
		p.logger.Warn().Err(err).Msg("failed to enqueue rule engine job")
	}
}

func (p *Pipeline) runArchiveStep(ctx context.Context, jobID string, bm *models.Bookmark, html string) {
	archived, err := p.archiver.Archive(ctx, html, bm.URL)
	if err != nil {
		p.logger.Warn().Err(err).Str("bookmark_id", bm.ID).Msg("archive step failed, bookmark otherwise complete")
		if p.runtime != nil {
			p.runtime.AppendLog(ctx, jobID, "warn", "archive step failed: "+err.Error())
		}
		return
	}
	var priorAssetID string
	assets, aerr := p.bookmarks.ListAssets(ctx, bm.ID)
	if aerr == nil {
		for _, a := range assets {
			if a.Role == models.AssetRoleFullPageArchive {
				priorAssetID = a.ID
				break
			}
		}
	}
	if _, err := attachArchiveAsset(ctx, p.assetStorer, bm.UserID, bm.ID, priorAssetID, archived); err != nil {
		p.logger.Warn().Err(err).Str("bookmark_id", bm.ID).Msg("failed to attach archive asset")
	}
}

func applyMetadata(bm *models.Bookmark, md ParserMetadata, statusCode int) {
	bm.Title = md.Title
	bm.Description = md.Description
	bm.Author = md.Author
	bm.Publisher = md.Publisher
	bm.ImageURL = md.ImageURL
	bm.Favicon = md.Favicon
	bm.DatePublished = md.DatePublished
	bm.DateModified = md.DateModified
	bm.CrawlStatus = models.CrawlStatusSuccess
	bm.CrawlStatusCode = statusCode
}

func bannerURLFor(md ParserMetadata) string { return md.ImageURL }

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid bookmark URL: %q", rawURL)
	}
	return u.Hostname(), nil
}

// jitterFraction returns a value in [0,1) without relying on math/rand's
// global seed at job-handling time; a simple nanosecond-derived spread is
// enough for thundering-herd avoidance here.
func jitterFraction() float64 {
	return float64(time.Now().Nanosecond()%1000) / 1000.0
}
