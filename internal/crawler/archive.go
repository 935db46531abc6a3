package crawler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
)

// SubprocessArchiver shells out to an external single-file HTML archiver
// binary with the configured proxy settings: one request, one response,
// bounded by the crawl job's own timeout.
type SubprocessArchiver struct {
	binaryPath string
	httpProxy  string
	httpsProxy string
	noProxy    string
	timeout    time.Duration
	logger     arbor.ILogger
}

func NewSubprocessArchiver(binaryPath string, proxy common.ProxyConfig, timeout time.Duration, logger arbor.ILogger) *SubprocessArchiver {
	return &SubprocessArchiver{
		binaryPath: binaryPath,
		httpProxy:  proxy.HTTPProxy,
		httpsProxy: proxy.HTTPSProxy,
		noProxy:    proxy.NoProxy,
		timeout:    timeout,
		logger:     logger,
	}
}

var _ interfaces.Archiver = (*SubprocessArchiver)(nil)

// Archive feeds html on stdin and reads the single-file archive back on
// stdout. A non-zero exit or a process that never produces output is
// reported as an error; the caller (pipeline.go step 13) treats archive
// failure as non-fatal to the job.
func (a *SubprocessArchiver) Archive(ctx context.Context, html, sourceURL string) ([]byte, error) {
	if a.binaryPath == "" {
		return nil, fmt.Errorf("no archiver binary configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.binaryPath, "--url", sourceURL)
	cmd.Env = append(cmd.Env,
		"HTTP_PROXY="+a.httpProxy,
		"HTTPS_PROXY="+a.httpsProxy,
		"NO_PROXY="+a.noProxy,
	)
	cmd.Stdin = bytes.NewReader([]byte(html))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		a.logger.Warn().Err(err).Str("stderr", stderr.String()).Msg("archiver subprocess failed")
		return nil, fmt.Errorf("archiver subprocess: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("archiver subprocess produced no output")
	}
	return stdout.Bytes(), nil
}

// MarkdownArchiver is a fallback used when no external archiver binary is
// configured: it validates the parser's readable_content markdown by
// round-tripping it through goldmark and stores the rendered HTML as the
// "archive" instead of a true single-file snapshot.
type MarkdownArchiver struct{}

var _ interfaces.Archiver = (*MarkdownArchiver)(nil)

func (MarkdownArchiver) Archive(ctx context.Context, html, sourceURL string) ([]byte, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(html), &buf); err != nil {
		return nil, fmt.Errorf("markdown archive fallback: %w", err)
	}
	return buf.Bytes(), nil
}

// attachArchiveAsset stores the archived bytes as a full_page_archive
// asset, superseding any prior one.
func attachArchiveAsset(ctx context.Context, storer *AssetStorer, userID, bookmarkID string, priorAssetID string, archived []byte) (*models.Asset, error) {
	asset, err := storer.store(ctx, userID, bookmarkID, models.AssetRoleFullPageArchive, "text/html", archived)
	if err != nil {
		return nil, err
	}
	if priorAssetID != "" && priorAssetID != asset.ID {
		if derr := storer.bookmarks.DeleteAsset(ctx, priorAssetID); derr != nil {
			storer.logger.Warn().Err(derr).Str("asset_id", priorAssetID).Msg("failed to delete superseded archive asset")
		} else if derr := storer.blobs.Delete(ctx, priorAssetID); derr != nil {
			storer.logger.Warn().Err(derr).Str("asset_id", priorAssetID).Msg("failed to delete superseded archive blob")
		}
	}
	return asset, nil
}
