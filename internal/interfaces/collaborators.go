// Package interfaces declares the boundaries of every external
// collaborator: the relational bookmark/tag/list store, the blob store,
// the full-text search engine, and the LLM inference endpoint.
// Production deployments wire real clients for
// these; this module ships reference badger/filesystem-backed
// implementations in internal/storage for development and tests.
package interfaces

import (
	"context"
	"io"

	"github.com/crawlcore/crawlcore/internal/models"
)

// BookmarkStore owns the bookmark row this core reads and writes. List,
// tag, and highlight CRUD live entirely outside this core's scope
//; only the fields the crawl/import/ai/event
// components touch are exposed here.
type BookmarkStore interface {
	Get(ctx context.Context, id string) (*models.Bookmark, error)
	Create(ctx context.Context, b *models.Bookmark) error
	Update(ctx context.Context, b *models.Bookmark) error
	// FindByURL supports the import controller's duplicate-detection step.
	FindByURL(ctx context.Context, userID, url string) (*models.Bookmark, error)
	ListAssets(ctx context.Context, bookmarkID string) ([]models.Asset, error)
	SaveAsset(ctx context.Context, a *models.Asset) error
	DeleteAsset(ctx context.Context, assetID string) error
}

// BlobStore is the binary object collaborator. Quota is checked and
// reserved atomically by the caller (internal/crawler/assets.go) around
// the Reserve/Commit/Rollback triple; Put alone performs no quota
// bookkeeping.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, maxBytes int64) (sizeBytes int64, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// ReserveQuota atomically reserves estimatedBytes against userID's
	// cap, returning commit (settles the reservation to the actual size)
	// and rollback (releases it on failure).
	ReserveQuota(ctx context.Context, userID string, estimatedBytes int64) (commit func(actualBytes int64), rollback func(), err error)
}

// SearchIndex is the full-text search engine collaborator. Upsert/Delete
// are invoked in amortized batches by internal/events.
type SearchIndex interface {
	Upsert(ctx context.Context, bookmarkID string, fields map[string]interface{}) error
	Delete(ctx context.Context, bookmarkID string) error
}

// LLMClient is the generic inference endpoint used by the Tag and
// Summarize handlers (internal/ai).
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Archiver wraps the external single-file HTML archiver subprocess used
// by the crawl pipeline's archive step.
type Archiver interface {
	Archive(ctx context.Context, html, sourceURL string) (archivedHTML []byte, err error)
}

// Webhook delivers a bookmark event to user-configured webhook endpoints.
type Webhook interface {
	Deliver(ctx context.Context, bookmarkID, event, userID string) error
}

// RuleEngine evaluates user-defined automation rules against a bookmark
// event.
type RuleEngine interface {
	Evaluate(ctx context.Context, bookmarkID string, events []models.RuleEngineEvent) error
}
