package crawler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/models"
)

// assetFakeStore tracks asset rows by ID, enough to observe
// DeleteSuperseded's row cleanup.
type assetFakeStore struct {
	fakeBookmarkStore
	assets map[string]models.Asset
}

func newAssetFakeStore() *assetFakeStore {
	return &assetFakeStore{
		fakeBookmarkStore: fakeBookmarkStore{bookmarks: map[string]*models.Bookmark{}},
		assets:            map[string]models.Asset{},
	}
}

func (s *assetFakeStore) ListAssets(ctx context.Context, bookmarkID string) ([]models.Asset, error) {
	var out []models.Asset
	for _, a := range s.assets {
		if a.BookmarkID == bookmarkID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *assetFakeStore) SaveAsset(ctx context.Context, a *models.Asset) error {
	s.assets[a.ID] = *a
	return nil
}

func (s *assetFakeStore) DeleteAsset(ctx context.Context, assetID string) error {
	if _, ok := s.assets[assetID]; !ok {
		return errors.New("asset not found")
	}
	delete(s.assets, assetID)
	return nil
}

// fakeBlobStore is an unbounded in-memory interfaces.BlobStore.
type fakeBlobStore struct {
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: map[string][]byte{}}
}

func (s *fakeBlobStore) Put(ctx context.Context, key string, r io.Reader, maxBytes int64) (int64, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes))
	if err != nil {
		return 0, err
	}
	s.blobs[key] = data
	return int64(len(data)), nil
}

func (s *fakeBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := s.blobs[key]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeBlobStore) Delete(ctx context.Context, key string) error {
	delete(s.blobs, key)
	return nil
}

func (s *fakeBlobStore) ReserveQuota(ctx context.Context, userID string, estimatedBytes int64) (func(int64), func(), error) {
	return func(int64) {}, func() {}, nil
}

func seedAsset(t *testing.T, bookmarks *assetFakeStore, blobs *fakeBlobStore, bookmarkID string, role models.AssetRole) models.Asset {
	t.Helper()
	a := models.Asset{
		ID:         common.NewAssetID(),
		BookmarkID: bookmarkID,
		Role:       role,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, bookmarks.SaveAsset(context.Background(), &a))
	blobs.blobs[a.ID] = []byte("old")
	return a
}

func countByRole(assets map[string]models.Asset, role models.AssetRole) int {
	n := 0
	for _, a := range assets {
		if a.Role == role {
			n++
		}
	}
	return n
}

func TestDeleteSupersededKeepsOneAssetPerKind(t *testing.T) {
	ctx := context.Background()
	bookmarks := newAssetFakeStore()
	blobs := newFakeBlobStore()
	storer := NewAssetStorer(blobs, bookmarks, nil, common.GetLogger(), 1024, 25)

	oldShot := seedAsset(t, bookmarks, blobs, "bm_1", models.AssetRoleScreenshot)
	oldPDF := seedAsset(t, bookmarks, blobs, "bm_1", models.AssetRolePDF)
	oldContent := seedAsset(t, bookmarks, blobs, "bm_1", models.AssetRoleHTMLContent)
	keptArchive := seedAsset(t, bookmarks, blobs, "bm_1", models.AssetRoleFullPageArchive)

	prior, err := bookmarks.ListAssets(ctx, "bm_1")
	require.NoError(t, err)

	largeHTML := bytes.Repeat([]byte("x"), 2048) // over the inline threshold
	stored, err := storer.StoreAll(ctx, "u1", "bm_1", &CaptureResult{
		HTML:       string(largeHTML),
		Screenshot: []byte("new shot"),
		PDF:        nil, // pdf capture downgraded this pass; the old pdf row stays
	}, "", false)
	require.NoError(t, err)
	require.NotNil(t, stored.Screenshot)
	require.NotNil(t, stored.Content)

	storer.DeleteSuperseded(ctx, prior, stored)

	require.Equal(t, 1, countByRole(bookmarks.assets, models.AssetRoleScreenshot))
	require.Equal(t, 1, countByRole(bookmarks.assets, models.AssetRoleHTMLContent))
	require.NotContains(t, bookmarks.assets, oldShot.ID)
	require.NotContains(t, bookmarks.assets, oldContent.ID)
	require.NotContains(t, blobs.blobs, oldShot.ID)

	// Roles this pass did not re-capture are left alone.
	require.Contains(t, bookmarks.assets, oldPDF.ID)
	require.Contains(t, bookmarks.assets, keptArchive.ID)
}

func TestDeleteSupersededInlineContentDropsContentAsset(t *testing.T) {
	ctx := context.Background()
	bookmarks := newAssetFakeStore()
	blobs := newFakeBlobStore()
	storer := NewAssetStorer(blobs, bookmarks, nil, common.GetLogger(), 1024, 25)

	oldContent := seedAsset(t, bookmarks, blobs, "bm_2", models.AssetRoleHTMLContent)
	prior, err := bookmarks.ListAssets(ctx, "bm_2")
	require.NoError(t, err)

	stored, err := storer.StoreAll(ctx, "u1", "bm_2", &CaptureResult{HTML: "short"}, "", false)
	require.NoError(t, err)
	require.Equal(t, "short", stored.InlineHTML)
	require.Nil(t, stored.Content)

	storer.DeleteSuperseded(ctx, prior, stored)

	require.NotContains(t, bookmarks.assets, oldContent.ID, "content stored inline supersedes the prior content asset")
}
