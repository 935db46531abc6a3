package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/models"
)

// fakeBookmarkStore is an in-memory interfaces.BookmarkStore sufficient
// for exercising Pipeline.OnError; it follows the same narrow-fake idiom
// internal/importctl's tests use for their own store doubles.
type fakeBookmarkStore struct {
	bookmarks map[string]*models.Bookmark
}

func newFakeBookmarkStore(bms ...*models.Bookmark) *fakeBookmarkStore {
	s := &fakeBookmarkStore{bookmarks: make(map[string]*models.Bookmark)}
	for _, bm := range bms {
		s.bookmarks[bm.ID] = bm
	}
	return s
}

func (s *fakeBookmarkStore) Get(ctx context.Context, id string) (*models.Bookmark, error) {
	bm, ok := s.bookmarks[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return bm, nil
}
func (s *fakeBookmarkStore) Create(ctx context.Context, b *models.Bookmark) error {
	s.bookmarks[b.ID] = b
	return nil
}
func (s *fakeBookmarkStore) Update(ctx context.Context, b *models.Bookmark) error {
	s.bookmarks[b.ID] = b
	return nil
}
func (s *fakeBookmarkStore) FindByURL(ctx context.Context, userID, url string) (*models.Bookmark, error) {
	return nil, errors.New("not found")
}
func (s *fakeBookmarkStore) ListAssets(ctx context.Context, bookmarkID string) ([]models.Asset, error) {
	return nil, nil
}
func (s *fakeBookmarkStore) SaveAsset(ctx context.Context, a *models.Asset) error { return nil }
func (s *fakeBookmarkStore) DeleteAsset(ctx context.Context, assetID string) error { return nil }

func TestPipelineOnErrorPermanentMarksBookmarkFailure(t *testing.T) {
	bm := &models.Bookmark{
		ID:                  "bm_1",
		Type:                models.BookmarkTypeLink,
		URL:                 "https://example.com",
		CrawlStatus:         models.CrawlStatusPending,
		TaggingStatus:       models.EnrichmentPending,
		SummarizationStatus: models.EnrichmentPending,
	}
	store := newFakeBookmarkStore(bm)

	p := &Pipeline{bookmarks: store, logger: common.GetLogger()}

	job := &models.Job{ID: "job_1", Payload: []byte(`{"bookmark_id":"bm_1"}`)}
	p.OnError(job, errors.New("retryable status code 503"), true)

	got, err := store.Get(context.Background(), "bm_1")
	require.NoError(t, err)
	require.Equal(t, models.CrawlStatusFailure, got.CrawlStatus)
	require.Empty(t, got.TaggingStatus, "pending tagging status must be cleared on permanent crawl failure")
	require.Empty(t, got.SummarizationStatus, "pending summarization status must be cleared on permanent crawl failure")
}

func TestPipelineOnErrorNonPermanentLeavesBookmarkUntouched(t *testing.T) {
	bm := &models.Bookmark{
		ID:          "bm_2",
		Type:        models.BookmarkTypeLink,
		URL:         "https://example.com",
		CrawlStatus: models.CrawlStatusPending,
	}
	store := newFakeBookmarkStore(bm)
	p := &Pipeline{bookmarks: store, logger: common.GetLogger()}

	job := &models.Job{ID: "job_2", Payload: []byte(`{"bookmark_id":"bm_2"}`)}
	p.OnError(job, errors.New("transient error"), false)

	got, err := store.Get(context.Background(), "bm_2")
	require.NoError(t, err)
	require.Equal(t, models.CrawlStatusPending, got.CrawlStatus, "a retryable failure with attempts remaining must not surface crawl_status=failure")
}
