package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

func capturePDF(ctx context.Context) ([]byte, error) {
	buf, _, err := page.PrintToPDF().Do(ctx)
	return buf, err
}

// CaptureResult is the output of the parallel capture fan-out.
// Screenshot/PDF are nil on non-fatal failure;
// HTML failing is fatal to the job (no content to extract from).
type CaptureResult struct {
	HTML           string
	Screenshot     []byte
	PDF            []byte
	ScreenshotErr  error
	PDFErr         error
}

// CaptureOptions toggles which optional captures run.
type CaptureOptions struct {
	FullPageScreenshot bool
	CapturePDF         bool
	ScreenshotTimeout  time.Duration
}

// CaptureAll extracts serialized HTML and races screenshot/PDF capture
// in parallel against pageCtx's cancellation; screenshot/PDF failures are
// logged and downgraded to "no screenshot"/"no PDF" rather than failing
// the job.
func CaptureAll(pageCtx context.Context, logger arbor.ILogger, opts CaptureOptions) (*CaptureResult, error) {
	result := &CaptureResult{}

	var html string
	if err := chromedp.Run(pageCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	result.HTML = html

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		shotCtx, cancel := context.WithTimeout(pageCtx, opts.ScreenshotTimeout)
		defer cancel()
		var buf []byte
		var err error
		if opts.FullPageScreenshot {
			err = chromedp.Run(shotCtx, chromedp.FullScreenshot(&buf, 90))
		} else {
			err = chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf))
		}
		if err != nil {
			logger.Warn().Err(err).Msg("screenshot capture failed, downgrading to no screenshot")
			result.ScreenshotErr = err
			return
		}
		result.Screenshot = buf
	}()

	go func() {
		defer wg.Done()
		if !opts.CapturePDF {
			return
		}
		pdfCtx, cancel := context.WithTimeout(pageCtx, opts.ScreenshotTimeout)
		defer cancel()
		var buf []byte
		if err := chromedp.Run(pdfCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var perr error
			buf, perr = capturePDF(ctx)
			return perr
		})); err != nil {
			logger.Warn().Err(err).Msg("PDF capture failed, downgrading to no PDF")
			result.PDFErr = err
			return
		}
		result.PDF = buf
	}()

	wg.Wait()
	return result, nil
}
