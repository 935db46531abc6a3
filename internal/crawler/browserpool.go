// Package crawler implements the crawl pipeline orchestrator, the shared
// browser pool and reaper, the parser subprocess bridge client, and the
// supporting content-type probe and asset/archive steps. The pool's
// connection lifecycle is mutex-guarded (re)connect with round-robin
// context handout, tolerating partial instance failures.
package crawler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// BrowserMode selects how the crawl pipeline obtains a navigable context.
type BrowserMode string

const (
	ModeConnected   BrowserMode = "connected"   // one process-wide browser, isolated per-job contexts
	ModeOnDemand    BrowserMode = "on_demand"   // a fresh browser process per job
	ModeBrowserless BrowserMode = "browserless" // no browser: direct HTTP fetch only
)

// PoolConfig configures the shared browser pool.
type PoolConfig struct {
	Mode             BrowserMode
	MaxInstances     int
	UserAgent        string
	Headless         bool
	WebSocketURL     string // non-empty selects connecting to an external browser over CDP
	EnableAdblocker  bool
	Cookies          []Cookie // injected into every context before navigation
}

type instance struct {
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

// contextEntry is one registered job-owned browser context, tracked for
// the reaper.
type contextEntry struct {
	cancel    context.CancelFunc
	createdAt time.Time
}

// Pool owns zero or more shared browser instances plus the registry of
// every context currently on loan to a job.
type Pool struct {
	cfg    PoolConfig
	logger arbor.ILogger

	mu          sync.Mutex
	instances   []instance
	roundRobin  int
	initialized bool
	shuttingDown bool

	registryMu sync.Mutex
	registry   map[string]*contextEntry // job_id -> owned context
}

func NewPool(cfg PoolConfig, logger arbor.ILogger) *Pool {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 1
	}
	return &Pool{cfg: cfg, logger: logger, registry: make(map[string]*contextEntry)}
}

// Init connects or spawns the shared browser instance(s). Browserless
// mode is a no-op: the pipeline falls back to direct HTTP fetch.
func (p *Pool) Init(ctx context.Context) error {
	if p.cfg.Mode != ModeConnected {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

func (p *Pool) connectLocked(ctx context.Context) error {
	var failures int
	for i := 0; i < p.cfg.MaxInstances; i++ {
		inst, err := p.createInstance(ctx)
		if err != nil {
			failures++
			p.logger.Warn().Err(err).Int("instance", i).Msg("browser instance failed to start")
			continue
		}
		p.instances = append(p.instances, inst)
	}
	if len(p.instances) == 0 {
		return fmt.Errorf("all %d browser instances failed to start", p.cfg.MaxInstances)
	}
	p.initialized = true
	if failures > 0 {
		p.logger.Warn().Int("failed", failures).Int("started", len(p.instances)).Msg("browser pool started with partial capacity")
	}
	return nil
}

func (p *Pool) createInstance(ctx context.Context) (instance, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(p.cfg.UserAgent),
	)
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if p.cfg.WebSocketURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, p.cfg.WebSocketURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 10*time.Second)
	defer testCancel()
	var title string
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank"), chromedp.Title(&title)); err != nil {
		browserCancel()
		allocCancel()
		return instance{}, fmt.Errorf("browser health check failed: %w", err)
	}

	return instance{browserCtx: browserCtx, browserCancel: browserCancel, allocatorCancel: allocCancel}, nil
}

// Acquire returns an isolated page context for jobID plus a release func.
// Connected mode opens a fresh browser context (isolated cookies/cache)
// under a round-robin shared browser; on-demand spawns a dedicated
// browser for this job alone. The returned context is also registered
// for the reaper.
func (p *Pool) Acquire(ctx context.Context, jobID string) (context.Context, func(), error) {
	switch p.cfg.Mode {
	case ModeBrowserless:
		return nil, nil, fmt.Errorf("browserless mode has no browser context")
	case ModeOnDemand:
		inst, err := p.createInstance(ctx)
		if err != nil {
			return nil, nil, err
		}
		pageCtx, pageCancel := chromedp.NewContext(inst.browserCtx)
		release := func() {
			pageCancel()
			inst.browserCancel()
			inst.allocatorCancel()
			p.unregister(jobID)
		}
		if err := p.injectCookies(pageCtx); err != nil {
			release()
			return nil, nil, err
		}
		p.register(jobID, pageCancel)
		return pageCtx, release, nil
	default: // ModeConnected
		p.mu.Lock()
		if len(p.instances) == 0 {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("browser pool has no live instances")
		}
		inst := p.instances[p.roundRobin%len(p.instances)]
		p.roundRobin++
		p.mu.Unlock()

		pageCtx, pageCancel := chromedp.NewContext(inst.browserCtx)
		release := func() {
			pageCancel()
			p.unregister(jobID)
		}
		if err := p.injectCookies(pageCtx); err != nil {
			release()
			return nil, nil, err
		}
		p.register(jobID, pageCancel)
		return pageCtx, release, nil
	}
}

// injectCookies applies the configured cookie file to a fresh context.
func (p *Pool) injectCookies(pageCtx context.Context) error {
	if len(p.cfg.Cookies) == 0 {
		return nil
	}
	if err := chromedp.Run(pageCtx, setCookiesAction(p.cfg.Cookies)); err != nil {
		return fmt.Errorf("inject cookies into browser context: %w", err)
	}
	return nil
}

func (p *Pool) register(jobID string, cancel context.CancelFunc) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	p.registry[jobID] = &contextEntry{cancel: cancel, createdAt: time.Now()}
}

func (p *Pool) unregister(jobID string) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	delete(p.registry, jobID)
}

// Mode exposes the configured mode for the pipeline's step-3 branch.
func (p *Pool) Mode() BrowserMode { return p.cfg.Mode }

// Shutdown closes every shared instance, suppressing the reconnect loop.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shuttingDown = true
	for _, inst := range p.instances {
		inst.browserCancel()
		inst.allocatorCancel()
	}
	p.instances = nil
}

// reconnect is invoked by disconnect-detection (wired by the caller
// observing chromedp's context.Done on the shared browser) and retries
// every 5s until the pool is shutting down.
func (p *Pool) reconnect(ctx context.Context) {
	for {
		p.mu.Lock()
		down := p.shuttingDown
		p.mu.Unlock()
		if down {
			return
		}
		time.Sleep(5 * time.Second)
		p.mu.Lock()
		err := p.connectLocked(ctx)
		p.mu.Unlock()
		if err == nil {
			p.logger.Info().Msg("browser pool reconnected")
			return
		}
		p.logger.Warn().Err(err).Msg("browser pool reconnect attempt failed")
	}
}
