package importctl

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"github.com/timshannon/badgerhold/v4"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/models"
	"github.com/crawlcore/crawlcore/internal/queue"
)

// fakeBookmarkStore is a minimal in-memory interfaces.BookmarkStore, enough
// to exercise BookmarkCreator's dedup-by-URL and persistence steps without
// pulling in the full storage.BookmarkStore implementation.
type fakeBookmarkStore struct {
	byID  map[string]*models.Bookmark
	byURL map[string]*models.Bookmark
}

func newFakeBookmarkStore() *fakeBookmarkStore {
	return &fakeBookmarkStore{byID: map[string]*models.Bookmark{}, byURL: map[string]*models.Bookmark{}}
}

func (f *fakeBookmarkStore) Get(ctx context.Context, id string) (*models.Bookmark, error) {
	return f.byID[id], nil
}

func (f *fakeBookmarkStore) Create(ctx context.Context, b *models.Bookmark) error {
	f.byID[b.ID] = b
	if b.URL != "" {
		f.byURL[b.UserID+"|"+b.URL] = b
	}
	return nil
}

func (f *fakeBookmarkStore) Update(ctx context.Context, b *models.Bookmark) error {
	f.byID[b.ID] = b
	return nil
}

func (f *fakeBookmarkStore) FindByURL(ctx context.Context, userID, url string) (*models.Bookmark, error) {
	return f.byURL[userID+"|"+url], nil
}

func (f *fakeBookmarkStore) ListAssets(ctx context.Context, bookmarkID string) ([]models.Asset, error) {
	return nil, nil
}
func (f *fakeBookmarkStore) SaveAsset(ctx context.Context, a *models.Asset) error { return nil }
func (f *fakeBookmarkStore) DeleteAsset(ctx context.Context, assetID string) error { return nil }

func newTestRuntime(t *testing.T) *queue.Runtime {
	t.Helper()
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	opts.Options = badger.DefaultOptions(opts.Dir).WithLogger(nil)
	db, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry := queue.NewRegistry()
	for _, desc := range queue.DefaultDescriptors(3, 120) {
		registry.Register(desc)
	}
	rt, err := queue.NewRuntime(queue.NewStore(db), registry, common.GetLogger(), "*/30 * * * * *")
	require.NoError(t, err)
	return rt
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestBookmarkCreatorEnqueuesCrawlForLinks(t *testing.T) {
	bookmarks := newFakeBookmarkStore()
	rt := newTestRuntime(t)
	creator := NewBookmarkCreator(bookmarks, rt, nil, common.GetLogger(), sequentialIDs("bm_"))

	id, err := creator.Create(context.Background(), CreateBookmarkRequest{
		UserID: "u1", Type: models.BookmarkTypeLink, URL: "https://example.com/a", Priority: PriorityLowImport,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	bm := bookmarks.byID[id]
	require.NotNil(t, bm)
	require.Equal(t, models.CrawlStatusPending, bm.CrawlStatus)

	stats, err := rt.Store.Stats(context.Background(), queue.QueueCrawl)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestBookmarkCreatorDetectsDuplicateURL(t *testing.T) {
	bookmarks := newFakeBookmarkStore()
	rt := newTestRuntime(t)
	creator := NewBookmarkCreator(bookmarks, rt, nil, common.GetLogger(), sequentialIDs("bm_"))
	ctx := context.Background()

	_, err := creator.Create(ctx, CreateBookmarkRequest{UserID: "u1", Type: models.BookmarkTypeLink, URL: "https://dup.example"})
	require.NoError(t, err)

	_, err = creator.Create(ctx, CreateBookmarkRequest{UserID: "u1", Type: models.BookmarkTypeLink, URL: "https://dup.example"})
	require.ErrorIs(t, err, ErrDuplicateURL)
}

func TestBookmarkCreatorSkipsCrawlForTextBookmarks(t *testing.T) {
	bookmarks := newFakeBookmarkStore()
	rt := newTestRuntime(t)
	creator := NewBookmarkCreator(bookmarks, rt, nil, common.GetLogger(), sequentialIDs("bm_"))

	_, err := creator.Create(context.Background(), CreateBookmarkRequest{UserID: "u1", Type: models.BookmarkTypeText, Content: "note"})
	require.NoError(t, err)

	stats, err := rt.Store.Stats(context.Background(), queue.QueueCrawl)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
}
