package importctl

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
	"github.com/crawlcore/crawlcore/internal/queue"
)

// Crawl priorities: 0 for user-initiated bookmarks, 50 for bulk import.
const (
	PriorityUserInitiated = 0
	PriorityLowImport     = 50
)

// TagListSink attaches tags and list memberships through the external
// relational store's own business layer, which owns all list/tag CRUD.
// A nil sink silently skips attachment.
type TagListSink interface {
	ApplyTags(ctx context.Context, bookmarkID string, tags []string) error
	ApplyLists(ctx context.Context, bookmarkID string, listIDs []string) error
}

// CreateBookmarkRequest is the input to the bookmark-create path shared by
// the (out-of-scope) API handler and the Import Controller.
type CreateBookmarkRequest struct {
	UserID   string
	Type     models.BookmarkType
	URL      string
	Content  string
	Tags     []string
	ListIDs  []string
	Priority int // PriorityUserInitiated or PriorityLowImport
}

// ErrDuplicateURL signals the bookmark-create path found an existing
// bookmark for this user+URL; callers treat this as a non-fatal skip.
var ErrDuplicateURL = fmt.Errorf("duplicate bookmark url")

// BookmarkCreator is the bookmark-create path the import controller
// shares with the API surface: dedup by URL, persist the
// bookmark row, enqueue the crawl job, and attach tags/lists via the
// external sink.
type BookmarkCreator struct {
	bookmarks interfaces.BookmarkStore
	runtime   *queue.Runtime
	sink      TagListSink
	logger    arbor.ILogger
	newID     func() string
}

func NewBookmarkCreator(bookmarks interfaces.BookmarkStore, runtime *queue.Runtime, sink TagListSink, logger arbor.ILogger, newID func() string) *BookmarkCreator {
	return &BookmarkCreator{bookmarks: bookmarks, runtime: runtime, sink: sink, logger: logger, newID: newID}
}

// Create persists req as a bookmark row, enqueues its crawl job (for
// type=link), and attaches tags/lists, returning the new bookmark ID.
// Only type=link is deduplicated by URL; text and asset bookmarks have no
// URL to key on.
func (c *BookmarkCreator) Create(ctx context.Context, req CreateBookmarkRequest) (string, error) {
	if req.Type == models.BookmarkTypeLink && req.URL != "" {
		existing, err := c.bookmarks.FindByURL(ctx, req.UserID, req.URL)
		if err != nil {
			return "", fmt.Errorf("check duplicate url: %w", err)
		}
		if existing != nil {
			return "", ErrDuplicateURL
		}
	}

	bm := &models.Bookmark{
		ID:     c.newID(),
		UserID: req.UserID,
		Type:   req.Type,
	}
	switch req.Type {
	case models.BookmarkTypeLink:
		bm.URL = req.URL
		bm.CrawlStatus = models.CrawlStatusPending
	case models.BookmarkTypeText:
		bm.Text = req.Content
		bm.SourceURL = req.URL
	case models.BookmarkTypeAsset:
		bm.AssetID = req.Content
	}

	if err := c.bookmarks.Create(ctx, bm); err != nil {
		return "", fmt.Errorf("create bookmark: %w", err)
	}

	if bm.Type == models.BookmarkTypeLink {
		payload := models.CrawlPayload{BookmarkID: bm.ID, RunInference: true}
		_, err := c.runtime.Enqueue(ctx, queue.QueueCrawl, payload, queue.EnqueueOptions{
			Priority: req.Priority,
			GroupID:  req.UserID,
		})
		if err != nil {
			return bm.ID, fmt.Errorf("enqueue crawl job: %w", err)
		}
	}

	if c.sink != nil {
		if len(req.Tags) > 0 {
			if err := c.sink.ApplyTags(ctx, bm.ID, req.Tags); err != nil {
				c.logger.Warn().Err(err).Str("bookmark_id", bm.ID).Msg("failed to attach tags to new bookmark")
			}
		}
		if len(req.ListIDs) > 0 {
			if err := c.sink.ApplyLists(ctx, bm.ID, req.ListIDs); err != nil {
				c.logger.Warn().Err(err).Str("bookmark_id", bm.ID).Msg("failed to attach list memberships to new bookmark")
			}
		}
	}

	return bm.ID, nil
}
