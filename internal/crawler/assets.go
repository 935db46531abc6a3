package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
)

// AssetStorer saves the outputs of the capture fan-out under per-user
// storage quota, morphing oversized inline content to a stored asset.
type AssetStorer struct {
	blobs      interfaces.BlobStore
	bookmarks  interfaces.BookmarkStore
	httpClient *http.Client
	logger     arbor.ILogger

	htmlInlineThreshold int
	maxAssetBytes       int64
}

func NewAssetStorer(blobs interfaces.BlobStore, bookmarks interfaces.BookmarkStore, httpClient *http.Client, logger arbor.ILogger, htmlInlineThreshold int, maxAssetMB int) *AssetStorer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AssetStorer{
		blobs:               blobs,
		bookmarks:           bookmarks,
		httpClient:          httpClient,
		logger:              logger,
		htmlInlineThreshold: htmlInlineThreshold,
		maxAssetBytes:       int64(maxAssetMB) * 1024 * 1024,
	}
}

// StoredAssets is the set of rows produced by one storage pass; the
// caller attaches these to the bookmark inside the phase-2 transaction
// and schedules deletion of whatever they supersede.
type StoredAssets struct {
	Screenshot  *models.Asset
	PDF         *models.Asset
	Content     *models.Asset // nil when content fit inline
	InlineHTML  string        // set when Content is nil
	BannerImage *models.Asset
}

// StoreAll persists every non-nil capture output plus an optional banner
// image download, each gated by the same per-user quota reservation.
func (s *AssetStorer) StoreAll(ctx context.Context, userID, bookmarkID string, capture *CaptureResult, bannerURL string, forceStorePDF bool) (*StoredAssets, error) {
	out := &StoredAssets{}

	if capture.Screenshot != nil {
		a, err := s.store(ctx, userID, bookmarkID, models.AssetRoleScreenshot, "image/jpeg", capture.Screenshot)
		if err != nil {
			s.logger.Warn().Err(err).Str("bookmark_id", bookmarkID).Msg("screenshot storage failed, continuing without it")
		} else {
			out.Screenshot = a
		}
	}

	if capture.PDF != nil {
		processed, perr := postProcessPDF(capture.PDF)
		if perr != nil {
			s.logger.Warn().Err(perr).Msg("pdf post-process failed, storing original bytes")
			processed = capture.PDF
		}
		a, err := s.store(ctx, userID, bookmarkID, models.AssetRolePDF, "application/pdf", processed)
		if err != nil {
			s.logger.Warn().Err(err).Str("bookmark_id", bookmarkID).Msg("pdf storage failed, continuing without it")
		} else {
			out.PDF = a
		}
	}

	if len(capture.HTML) > 0 {
		if len(capture.HTML) < s.htmlInlineThreshold {
			out.InlineHTML = capture.HTML
		} else {
			a, err := s.store(ctx, userID, bookmarkID, models.AssetRoleHTMLContent, "text/html", []byte(capture.HTML))
			if err != nil {
				return nil, fmt.Errorf("store readable content asset: %w", err)
			}
			out.Content = a
		}
	}

	if bannerURL != "" {
		a, err := s.downloadAndStore(ctx, userID, bookmarkID, models.AssetRoleBannerImage, bannerURL)
		if err != nil {
			s.logger.Warn().Err(err).Str("bookmark_id", bookmarkID).Msg("banner image download failed, continuing without it")
		} else {
			out.BannerImage = a
		}
	}

	return out, nil
}

// DeleteSuperseded removes prior-attempt asset rows (and their blobs)
// whose role this pass re-captured, so a re-run leaves exactly one asset
// per capture kind. Called after the phase-2 write commits; a re-crawl
// that dies earlier keeps the previous attempt's assets intact.
func (s *AssetStorer) DeleteSuperseded(ctx context.Context, prior []models.Asset, stored *StoredAssets) {
	if stored == nil || len(prior) == 0 {
		return
	}

	replaced := make(map[models.AssetRole]string)
	if stored.Screenshot != nil {
		replaced[models.AssetRoleScreenshot] = stored.Screenshot.ID
	}
	if stored.PDF != nil {
		replaced[models.AssetRolePDF] = stored.PDF.ID
	}
	if stored.BannerImage != nil {
		replaced[models.AssetRoleBannerImage] = stored.BannerImage.ID
	}
	if stored.Content != nil {
		replaced[models.AssetRoleHTMLContent] = stored.Content.ID
	} else if stored.InlineHTML != "" {
		// Content moved inline this pass; no asset keeps the role.
		replaced[models.AssetRoleHTMLContent] = ""
	}

	for _, a := range prior {
		keep, ok := replaced[a.Role]
		if !ok || a.ID == keep {
			continue
		}
		if err := s.bookmarks.DeleteAsset(ctx, a.ID); err != nil {
			s.logger.Warn().Err(err).Str("asset_id", a.ID).Str("role", string(a.Role)).Msg("failed to delete superseded asset row")
			continue
		}
		if err := s.blobs.Delete(ctx, a.ID); err != nil {
			s.logger.Warn().Err(err).Str("asset_id", a.ID).Msg("failed to delete superseded asset blob")
		}
	}
}

func (s *AssetStorer) store(ctx context.Context, userID, bookmarkID string, role models.AssetRole, mimeType string, data []byte) (*models.Asset, error) {
	commit, rollback, err := s.blobs.ReserveQuota(ctx, userID, int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	assetID := common.NewAssetID()
	size, err := s.blobs.Put(ctx, assetID, bytes.NewReader(data), s.maxAssetBytes)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("put blob: %w", err)
	}
	commit(size)

	asset := &models.Asset{
		ID:         assetID,
		BookmarkID: bookmarkID,
		Role:       role,
		MimeType:   mimeType,
		SizeBytes:  size,
		CreatedAt:  time.Now(),
	}
	if err := s.bookmarks.SaveAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("save asset row: %w", err)
	}
	return asset, nil
}

func (s *AssetStorer) downloadAndStore(ctx context.Context, userID, bookmarkID string, role models.AssetRole, url string) (*models.Asset, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("banner image fetch: unexpected status %d", resp.StatusCode)
	}

	commit, rollback, err := s.blobs.ReserveQuota(ctx, userID, s.maxAssetBytes)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	assetID := common.NewAssetID()
	size, err := s.blobs.Put(ctx, assetID, io.LimitReader(resp.Body, s.maxAssetBytes), s.maxAssetBytes)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("put blob: %w", err)
	}
	commit(size)

	asset := &models.Asset{
		ID:         assetID,
		BookmarkID: bookmarkID,
		Role:       role,
		MimeType:   resp.Header.Get("Content-Type"),
		SizeBytes:  size,
		CreatedAt:  time.Now(),
	}
	if err := s.bookmarks.SaveAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("save asset row: %w", err)
	}
	return asset, nil
}

// postProcessPDF runs the chromedp-produced PDF through pdfcpu's Optimize
// pass; when this is
// unavailable (browserless mode, where capture.go never ran) the
// pipeline synthesizes a single-page PDF with go-pdf/fpdf instead — see
// renderFallbackPDF.
func postProcessPDF(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := api.Optimize(bytes.NewReader(data), &out, nil); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
