// Command crawlcore is the asynchronous processing core's process
// entrypoint: it wires configuration, storage, the durable queue runtime,
// the crawl pipeline, the import controller, and the event fan-out
// collaborators together, then serves the metrics and WebSocket endpoints
// until a shutdown signal arrives: load config, build the logger, print
// the startup banner, register signal handling, launch workers, wait,
// then drain on shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/crawlcore/crawlcore/internal/ai"
	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/crawler"
	"github.com/crawlcore/crawlcore/internal/events"
	"github.com/crawlcore/crawlcore/internal/importctl"
	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/metrics"
	"github.com/crawlcore/crawlcore/internal/queue"
	"github.com/crawlcore/crawlcore/internal/ratelimit"
	"github.com/crawlcore/crawlcore/internal/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "using defaults, failed to load config %s: %v\n", *configPath, err)
		cfg = common.NewDefaultConfig()
	}

	logger := common.SetupLogger(cfg)
	common.PrintBanner(cfg, logger)
	defer common.Stop()

	db, err := storage.NewBadgerDB(logger, &cfg.Storage.Badger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open storage")
		os.Exit(1)
	}
	defer db.Close()

	bookmarks := storage.NewBookmarkStore(db, logger)
	blobs, err := storage.NewFilesystemBlobStore(cfg.Storage.Filesystem.Assets, int64(cfg.MaxAssetSizeMB)*1024*1024, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open blob store")
		os.Exit(1)
	}
	searchIndex := storage.NewSearchIndex(db, logger)
	limiter := ratelimit.NewLimiter(db.Store())

	registry := queue.NewRegistry()
	for _, desc := range queue.DefaultDescriptors(cfg.Queue.DefaultMaxRetries, cfg.Crawler.JobTimeoutSec) {
		registry.Register(desc)
	}
	queueStore := queue.NewStore(db.Store())
	runtime, err := queue.NewRuntime(queueStore, registry, logger, cfg.Queue.CrashSweepInterval)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start queue runtime")
		os.Exit(1)
	}
	runtime.Start()
	defer runtime.Stop()

	backoff := queue.NewExponentialBackoff(
		time.Duration(cfg.Queue.BackoffBaseMS)*time.Millisecond,
		time.Duration(cfg.Queue.BackoffCapMS)*time.Millisecond,
	)
	pollInterval, err := time.ParseDuration(cfg.Queue.DefaultPollInterval)
	if err != nil {
		pollInterval = time.Second
	}
	leaseDuration := time.Duration(cfg.Queue.LeaseSeconds) * time.Second
	runner := queue.NewRunner(queueStore, registry, logger, pollInterval, leaseDuration, backoff)

	httpClient := common.NewHTTPClient(cfg.Proxy, 30*time.Second)

	var cookies []crawler.Cookie
	if cfg.Crawler.BrowserCookiePath != "" {
		cookies, err = crawler.LoadCookieFile(cfg.Crawler.BrowserCookiePath)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.Crawler.BrowserCookiePath).Msg("invalid cookie file, aborting crawler initialization")
			os.Exit(1)
		}
	}

	bus := events.NewBus(logger)
	statsPublisher := events.NewStatsPublisher(bus, queueStore, []string{
		queue.QueueCrawl, queue.QueueTag, queue.QueueSummarize, queue.QueueSearchIndex,
		queue.QueueAssetPreprocessing, queue.QueueVideoExtract, queue.QueueWebhook, queue.QueueRuleEngine,
	}, 500*time.Millisecond)
	wsBroadcaster := events.NewWebSocketBroadcaster(bus, logger)

	pool := crawler.NewPool(crawler.PoolConfig{
		Mode:            browserMode(cfg.Crawler),
		MaxInstances:    cfg.Crawler.NumWorkers,
		UserAgent:       cfg.Crawler.UserAgent,
		Headless:        true,
		WebSocketURL:    cfg.Crawler.BrowserWebSocketURL,
		EnableAdblocker: cfg.Crawler.EnableAdblocker,
		Cookies:         cookies,
	}, logger)
	if err := pool.Init(context.Background()); err != nil {
		// A desired-but-unavailable browser degrades to browserless rather
		// than blocking startup.
		logger.Warn().Err(err).Msg("browser unavailable, falling back to browserless mode")
		pool = crawler.NewPool(crawler.PoolConfig{Mode: crawler.ModeBrowserless}, logger)
	}
	defer pool.Shutdown()
	reaper := crawler.NewReaper(pool, logger, cfg.Crawler.JobTimeout())
	reaper.Start()
	defer reaper.Stop()

	parserBridge := crawler.NewParserBridge(cfg.Crawler.ParserBridgePath, cfg.Crawler.ParserMemLimitMB, cfg.Crawler.ParseTimeout(), logger)
	prober := crawler.NewContentTypeProber(httpClient)

	var archiver interfaces.Archiver
	if cfg.Crawler.ArchiverBridgePath != "" {
		archiver = crawler.NewSubprocessArchiver(cfg.Crawler.ArchiverBridgePath, cfg.Proxy, cfg.Crawler.JobTimeout(), logger)
	} else {
		archiver = crawler.MarkdownArchiver{}
	}

	pipeline := crawler.NewPipeline(crawler.PipelineConfig{
		JobTimeout:         cfg.Crawler.JobTimeout(),
		NavigateTimeout:    cfg.Crawler.NavigateTimeout(),
		ScreenshotTimeout:  cfg.Crawler.ScreenshotTimeout(),
		ParseTimeout:       cfg.Crawler.ParseTimeout(),
		ParserMemLimitMB:   cfg.Crawler.ParserMemLimitMB,
		StoreScreenshot:    cfg.Crawler.StoreScreenshot,
		StorePDF:           cfg.Crawler.StorePDF,
		FullPageScreenshot: cfg.Crawler.FullPageScreenshot,
		FullPageArchive:    cfg.Crawler.FullPageArchive,
		DownloadBanner:     cfg.Crawler.DownloadBannerImage,
		DownloadVideo:      cfg.Crawler.DownloadVideo,
		EnableAdblocker:    cfg.Crawler.EnableAdblocker,
		HTMLInlineThresh:   cfg.Crawler.HTMLContentSizeThresh,
		MaxAssetMB:         cfg.MaxAssetSizeMB,
		DomainRLMaxReq:     cfg.Crawler.DomainRateLimiting.MaxRequests,
		DomainRLWindow:     time.Duration(cfg.Crawler.DomainRateLimiting.WindowMS) * time.Millisecond,
	}, bookmarks, blobs, runtime, limiter, pool, prober, parserBridge, archiver, httpClient, logger)

	var llmClient interfaces.LLMClient
	if cfg.AI.APIKey != "" {
		llmClient, err = ai.NewClient(&cfg.AI, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to build AI client, tag/summarize jobs will fail until configured")
		}
	}
	tagHandler := ai.NewTagHandler(bookmarks, llmClient, nil, logger)
	summarizeHandler := ai.NewSummarizeHandler(bookmarks, llmClient, logger)

	searchIndexer := events.NewSearchIndexer(searchIndex, logger, cfg.Events.SearchBatchMaxOps, time.Duration(cfg.Events.SearchBatchWindowMS)*time.Millisecond)

	webhookDeliverer := events.NewHTTPWebhookDeliverer(func(userID string) (string, bool) {
		if cfg.Events.WebhookEndpointURL == "" {
			return "", false
		}
		return cfg.Events.WebhookEndpointURL, true
	}, logger)
	webhookHandler := events.NewWebhookHandler(webhookDeliverer)

	ruleEngineDispatcher := events.NewHTTPRuleEngineDispatcher(cfg.Events.RuleEngineURL, logger)
	ruleEngineHandler := events.NewRuleEngineHandler(ruleEngineDispatcher)

	runner.RegisterHandler(queue.QueueCrawl, cfg.Crawler.NumWorkers, pipeline.Handle, queue.Observers{OnError: pipeline.OnError})
	runner.RegisterHandler(queue.QueueTag, cfg.Queue.DefaultConcurrency, tagHandler.Handle, queue.Observers{})
	runner.RegisterHandler(queue.QueueSummarize, cfg.Queue.DefaultConcurrency, summarizeHandler.Handle, queue.Observers{})
	runner.RegisterHandler(queue.QueueSearchIndex, cfg.Queue.DefaultConcurrency, searchIndexer.Handle, queue.Observers{})
	runner.RegisterHandler(queue.QueueWebhook, cfg.Queue.DefaultConcurrency, webhookHandler.Handle, queue.Observers{})
	runner.RegisterHandler(queue.QueueRuleEngine, cfg.Queue.DefaultConcurrency, ruleEngineHandler.Handle, queue.Observers{})

	assetPreprocessor := crawler.NewAssetPreprocessor(bookmarks, blobs, runtime, logger)
	runner.RegisterHandler(queue.QueueAssetPreprocessing, cfg.Queue.DefaultConcurrency, assetPreprocessor.Handle, queue.Observers{})
	videoExtractor := crawler.NewVideoExtractor(bookmarks, blobs, httpClient, int64(cfg.MaxAssetSizeMB)<<20, logger)
	runner.RegisterHandler(queue.QueueVideoExtract, cfg.Queue.DefaultConcurrency, videoExtractor.Handle, queue.Observers{})
	runner.Start()

	importStore := importctl.NewStore(db)
	bookmarkCreator := importctl.NewBookmarkCreator(bookmarks, runtime, nil, logger, func() string { return uuid.NewString() })
	importController := importctl.NewController(importStore, queueStore, bookmarkCreator, bookmarks, logger, &cfg.Importer)
	importController.Start()
	defer importController.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", wsBroadcaster.ServeHTTP)
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics/websocket server stopped unexpectedly")
		}
	}()

	statsTicker := time.NewTicker(500 * time.Millisecond)
	statsStop := make(chan struct{})
	go func() {
		for {
			select {
			case <-statsStop:
				return
			case <-statsTicker.C:
				statsPublisher.Notify(context.Background())
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	common.PrintShutdownBanner(logger)
	close(statsStop)
	statsTicker.Stop()
	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runner.Stop(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
}

func browserMode(cfg common.CrawlerConfig) crawler.BrowserMode {
	if cfg.BrowserWebSocketURL != "" {
		return crawler.ModeConnected
	}
	if cfg.BrowserConnectOnDemand {
		return crawler.ModeOnDemand
	}
	return crawler.ModeBrowserless
}
