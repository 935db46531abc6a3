package storage

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/crawlcore/crawlcore/internal/interfaces"
)

// indexedDocument is the badgerhold-stored shape a real search engine's
// document would mirror; this reference store keeps field values as an
// opaque map rather than a typed schema since the only caller is the
// batched indexer in internal/events.
type indexedDocument struct {
	BookmarkID string `badgerhold:"key"`
	Fields     map[string]interface{}
}

// SearchIndex is the reference badgerhold-backed interfaces.SearchIndex,
// standing in for a real full-text engine the way BookmarkStore stands
// in for a relational one. Upsert/Delete here are intentionally dumb
// (no tokenization, no ranking); batching and ordering live in
// internal/events.SearchIndexer one layer up.
type SearchIndex struct {
	db     *BadgerDB
	logger arbor.ILogger
}

func NewSearchIndex(db *BadgerDB, logger arbor.ILogger) *SearchIndex {
	return &SearchIndex{db: db, logger: logger}
}

var _ interfaces.SearchIndex = (*SearchIndex)(nil)

func (s *SearchIndex) Upsert(ctx context.Context, bookmarkID string, fields map[string]interface{}) error {
	doc := indexedDocument{BookmarkID: bookmarkID, Fields: fields}
	if err := s.db.Store().Upsert(bookmarkID, &doc); err != nil {
		return fmt.Errorf("upsert search document: %w", err)
	}
	return nil
}

func (s *SearchIndex) Delete(ctx context.Context, bookmarkID string) error {
	if err := s.db.Store().Delete(bookmarkID, &indexedDocument{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("delete search document: %w", err)
	}
	return nil
}
