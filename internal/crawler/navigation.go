package crawler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/common"
)

// navigateAndWait navigates, waits for domcontentloaded under ctx's
// deadline, then runs a best-effort wait for document.readyState
// "complete" (polled every 250ms), capped at 5s, that never fails the job
// on its own timeout. Returns
// the final navigation status code.
func navigateAndWait(ctx context.Context, targetURL string) (int, error) {
	var statusCode int64 = http.StatusOK

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			statusCode = e.Response.Status
		}
	})

	if err := chromedp.Run(ctx, chromedp.Navigate(targetURL)); err != nil {
		return 0, err
	}

	idleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-idleCtx.Done():
			return int(statusCode), nil
		case <-ticker.C:
			var state string
			if err := chromedp.Run(idleCtx, chromedp.Evaluate(`document.readyState`, &state)); err == nil && state == "complete" {
				return int(statusCode), nil
			}
		}
	}
}

// blockedResourceTypes are aborted outright regardless of URL; pages
// don't need their audio/video sub-resources to be captured.
var blockedResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeMedia: true,
}

// InstallNavigationGuard wires a per-page request interceptor that
// enforces the URL allow-list on every sub-request, blocks audio/video
// resources, and auto-dismisses JS modal dialogs, racing every decision
// against ctx cancellation.
func InstallNavigationGuard(ctx context.Context, logger arbor.ILogger, adblockEnabled bool) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			handleRequestPaused(ctx, logger, e, adblockEnabled)
		case *page.EventJavascriptDialogOpening:
			go func() {
				_ = chromedp.Run(ctx, page.HandleJavaScriptDialog(true))
			}()
		}
	})
}

func handleRequestPaused(ctx context.Context, logger arbor.ILogger, ev *fetch.EventRequestPaused, adblockEnabled bool) {
	requestID := ev.RequestID

	if ctx.Err() != nil {
		_ = chromedp.Run(ctx, fetch.FailRequest(requestID, network.ErrorReasonAborted))
		return
	}

	if blockedResourceTypes[ev.ResourceType] {
		_ = chromedp.Run(ctx, fetch.FailRequest(requestID, network.ErrorReasonBlockedByClient))
		return
	}

	if adblockEnabled && looksLikeAd(ev.Request.URL) {
		_ = chromedp.Run(ctx, fetch.FailRequest(requestID, network.ErrorReasonBlockedByClient))
		return
	}

	if allowed, reason := common.IsNavigationAllowed(ev.Request.URL); !allowed {
		logger.Debug().Str("url", ev.Request.URL).Str("reason", reason).Msg("navigation guard blocked sub-request")
		_ = chromedp.Run(ctx, fetch.FailRequest(requestID, network.ErrorReasonBlockedByClient))
		return
	}

	_ = chromedp.Run(ctx, fetch.ContinueRequest(requestID))
}

// looksLikeAd is a minimal heuristic blocklist; enable_adblocker's
// configured mode in the source loads a full prebuilt blocklist, which is
// out of scope for this embedded check.
func looksLikeAd(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, frag := range []string{"doubleclick.net", "googlesyndication.com", "/ads/", "adservice."} {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
