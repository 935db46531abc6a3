package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
	"github.com/crawlcore/crawlcore/internal/queue"
)

// AssetPreprocessor handles the asset_preprocessing queue: bookmarks that
// morphed from link to asset during the crawl's content-type probe (or
// were uploaded as assets directly) get their stored bytes sniffed,
// validated, and normalized here, then handed to the search indexer. PDF
// validation and optimization run through pdfcpu, the same post-processing
// applied to page-capture PDFs in assets.go.
type AssetPreprocessor struct {
	bookmarks interfaces.BookmarkStore
	blobs     interfaces.BlobStore
	runtime   *queue.Runtime
	logger    arbor.ILogger
}

func NewAssetPreprocessor(bookmarks interfaces.BookmarkStore, blobs interfaces.BlobStore, runtime *queue.Runtime, logger arbor.ILogger) *AssetPreprocessor {
	return &AssetPreprocessor{bookmarks: bookmarks, blobs: blobs, runtime: runtime, logger: logger}
}

// Handle is the queue.Handler for the asset-preprocessing queue.
func (ap *AssetPreprocessor) Handle(ctx context.Context, job *models.Job) error {
	var payload models.AssetPreprocessingPayload
	if err := models.ValidatePayload(job.Payload, &payload); err != nil {
		return err
	}

	bm, err := ap.bookmarks.Get(ctx, payload.BookmarkID)
	if err != nil {
		return fmt.Errorf("load bookmark: %w", err)
	}
	if bm.Type != models.BookmarkTypeAsset || bm.AssetID == "" {
		// The bookmark changed shape since enqueue; nothing to preprocess.
		ap.logger.Warn().Str("bookmark_id", bm.ID).Msg("asset preprocessing skipped, bookmark is not an asset")
		return nil
	}

	rc, err := ap.blobs.Get(ctx, bm.AssetID)
	if err != nil {
		return fmt.Errorf("load asset blob %s: %w", bm.AssetID, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("read asset blob %s: %w", bm.AssetID, err)
	}

	sniffed := http.DetectContentType(data)
	if !strings.HasPrefix(sniffed, "application/octet-stream") {
		bm.AssetType = normalizeMime(sniffed)
	}

	if strings.HasPrefix(bm.AssetType, "application/pdf") {
		if err := ap.preprocessPDF(ctx, bm, data, payload.FixMode); err != nil {
			return err
		}
	}

	if bm.FileName == "" {
		source := bm.URL
		if source == "" {
			source = bm.SourceURL
		}
		bm.FileName = fileNameFromURL(source, bm.AssetType)
	}
	if err := ap.bookmarks.Update(ctx, bm); err != nil {
		return fmt.Errorf("persist preprocessed asset bookmark: %w", err)
	}

	if ap.runtime != nil {
		opts := queue.EnqueueOptions{Priority: job.Priority, GroupID: bm.UserID}
		if _, err := ap.runtime.Enqueue(ctx, queue.QueueSearchIndex, models.SearchIndexPayload{BookmarkID: bm.ID, Type: "upsert"}, opts); err != nil {
			ap.logger.Warn().Err(err).Str("bookmark_id", bm.ID).Msg("failed to enqueue search index job after asset preprocessing")
		}
	}
	return nil
}

// preprocessPDF validates the stored PDF and rewrites it optimized. In fix
// mode a validation failure is repaired by the optimize pass (pdfcpu
// rebuilds the xref while writing); outside fix mode it fails the job so
// retries and the job log surface the corrupt upload.
func (ap *AssetPreprocessor) preprocessPDF(ctx context.Context, bm *models.Bookmark, data []byte, fixMode bool) error {
	if err := api.Validate(bytes.NewReader(data), nil); err != nil {
		if !fixMode {
			return fmt.Errorf("pdf validation failed for asset %s: %w", bm.AssetID, err)
		}
		ap.logger.Warn().Err(err).Str("asset_id", bm.AssetID).Msg("pdf validation failed, attempting repair via optimize")
	}

	var out bytes.Buffer
	if err := api.Optimize(bytes.NewReader(data), &out, nil); err != nil {
		if fixMode {
			return fmt.Errorf("pdf repair failed for asset %s: %w", bm.AssetID, err)
		}
		ap.logger.Warn().Err(err).Str("asset_id", bm.AssetID).Msg("pdf optimize failed, keeping original bytes")
		return nil
	}
	if out.Len() >= len(data) {
		return nil
	}
	if _, err := ap.blobs.Put(ctx, bm.AssetID, bytes.NewReader(out.Bytes()), int64(len(data))); err != nil {
		return fmt.Errorf("rewrite optimized pdf %s: %w", bm.AssetID, err)
	}
	return nil
}

func normalizeMime(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

var mimeExtensions = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
}

func fileNameFromURL(rawURL, mimeType string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "download" + mimeExtensions[mimeType]
	}
	name := path.Base(u.Path)
	if path.Ext(name) == "" {
		name += mimeExtensions[mimeType]
	}
	return name
}
