package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
)

// VideoExtractor handles the video_extract queue: it streams the page's
// video to the blob store under the same per-user quota reservation the
// rest of the asset machinery uses, and attaches it as a video-role asset.
// Transport failures and throttle-shaped status codes return errors so the
// queue's normal retry/backoff machinery applies.
type VideoExtractor struct {
	bookmarks interfaces.BookmarkStore
	blobs     interfaces.BlobStore
	client    *http.Client
	maxBytes  int64
	logger    arbor.ILogger
}

func NewVideoExtractor(bookmarks interfaces.BookmarkStore, blobs interfaces.BlobStore, client *http.Client, maxBytes int64, logger arbor.ILogger) *VideoExtractor {
	if client == nil {
		client = http.DefaultClient
	}
	return &VideoExtractor{bookmarks: bookmarks, blobs: blobs, client: client, maxBytes: maxBytes, logger: logger}
}

// Handle is the queue.Handler for the video-extract queue.
func (v *VideoExtractor) Handle(ctx context.Context, job *models.Job) error {
	var payload models.VideoExtractPayload
	if err := models.ValidatePayload(job.Payload, &payload); err != nil {
		return err
	}

	bm, err := v.bookmarks.Get(ctx, payload.BookmarkID)
	if err != nil {
		return fmt.Errorf("load bookmark: %w", err)
	}

	assets, err := v.bookmarks.ListAssets(ctx, bm.ID)
	if err == nil {
		for _, a := range assets {
			if a.Role == models.AssetRoleVideo {
				return nil // already extracted on a prior attempt
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.URL, nil)
	if err != nil {
		return fmt.Errorf("build video request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("retryable video fetch status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		v.logger.Warn().Int("status", resp.StatusCode).Str("url", payload.URL).Msg("video fetch returned non-ok status, skipping")
		return nil
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "video/") && !strings.HasPrefix(ct, "application/octet-stream") {
		v.logger.Warn().Str("content_type", ct).Str("url", payload.URL).Msg("video url did not serve video content, skipping")
		return nil
	}

	commit, rollback, err := v.blobs.ReserveQuota(ctx, bm.UserID, v.maxBytes)
	if err != nil {
		// Quota exhaustion is non-fatal: skip the asset, keep the bookmark.
		v.logger.Warn().Err(err).Str("bookmark_id", bm.ID).Msg("video skipped, quota reservation failed")
		return nil
	}

	assetID := common.NewAssetID()
	size, err := v.blobs.Put(ctx, assetID, io.LimitReader(resp.Body, v.maxBytes), v.maxBytes)
	if err != nil {
		rollback()
		return fmt.Errorf("store video blob: %w", err)
	}
	commit(size)

	asset := &models.Asset{
		ID:         assetID,
		BookmarkID: bm.ID,
		Role:       models.AssetRoleVideo,
		MimeType:   ct,
		SizeBytes:  size,
		CreatedAt:  time.Now(),
	}
	if err := v.bookmarks.SaveAsset(ctx, asset); err != nil {
		return fmt.Errorf("save video asset row: %w", err)
	}
	return nil
}
