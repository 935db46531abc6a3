package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
)

// BookmarkStore is the reference badgerhold-backed BookmarkStore:
// Upsert-as-save, ErrNotFound translation, Find-by-index queries.
type BookmarkStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

func NewBookmarkStore(db *BadgerDB, logger arbor.ILogger) *BookmarkStore {
	return &BookmarkStore{db: db, logger: logger}
}

var _ interfaces.BookmarkStore = (*BookmarkStore)(nil)

func (s *BookmarkStore) Get(ctx context.Context, id string) (*models.Bookmark, error) {
	var bm models.Bookmark
	if err := s.db.Store().Get(id, &bm); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("bookmark not found: %s", id)
		}
		return nil, fmt.Errorf("get bookmark: %w", err)
	}
	return &bm, nil
}

func (s *BookmarkStore) Create(ctx context.Context, b *models.Bookmark) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.ModifiedAt = now
	if err := s.db.Store().Insert(b.ID, b); err != nil {
		return fmt.Errorf("create bookmark: %w", err)
	}
	return nil
}

func (s *BookmarkStore) Update(ctx context.Context, b *models.Bookmark) error {
	b.ModifiedAt = time.Now()
	if err := s.db.Store().Upsert(b.ID, b); err != nil {
		return fmt.Errorf("update bookmark: %w", err)
	}
	return nil
}

func (s *BookmarkStore) FindByURL(ctx context.Context, userID, url string) (*models.Bookmark, error) {
	var matches []models.Bookmark
	err := s.db.Store().Find(&matches, badgerhold.Where("UserID").Eq(userID).And("URL").Eq(url))
	if err != nil {
		return nil, fmt.Errorf("find bookmark by url: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

func (s *BookmarkStore) ListAssets(ctx context.Context, bookmarkID string) ([]models.Asset, error) {
	var assets []models.Asset
	err := s.db.Store().Find(&assets, badgerhold.Where("BookmarkID").Eq(bookmarkID))
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

func (s *BookmarkStore) SaveAsset(ctx context.Context, a *models.Asset) error {
	if err := s.db.Store().Upsert(a.ID, a); err != nil {
		return fmt.Errorf("save asset: %w", err)
	}
	return nil
}

func (s *BookmarkStore) DeleteAsset(ctx context.Context, assetID string) error {
	if err := s.db.Store().Delete(assetID, &models.Asset{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}
