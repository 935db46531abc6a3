package importctl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/models"
	"github.com/crawlcore/crawlcore/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.NewBadgerDB(common.GetLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func newTestSession(t *testing.T, s *Store, status models.ImportSessionStatus) *models.ImportSession {
	t.Helper()
	sess := &models.ImportSession{ID: "sess_" + string(status), UserID: "u1", Status: status}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestClaimBatchOrdersByFairnessCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := &models.ImportSession{ID: "sess_older", UserID: "u1", Status: models.ImportSessionRunning}
	require.NoError(t, s.CreateSession(ctx, older))
	newer := &models.ImportSession{ID: "sess_newer", UserID: "u2", Status: models.ImportSessionRunning}
	require.NoError(t, s.CreateSession(ctx, newer))

	require.NoError(t, s.TouchSession(ctx, newer.ID))

	require.NoError(t, s.InsertStagingItem(ctx, &models.ImportStagingItem{ID: "item_newer", SessionID: newer.ID, Type: models.BookmarkTypeLink, URL: "https://b.example"}))
	require.NoError(t, s.InsertStagingItem(ctx, &models.ImportStagingItem{ID: "item_older", SessionID: older.ID, Type: models.BookmarkTypeLink, URL: "https://a.example"}))

	claimed, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "item_older", claimed[0].ID, "the session with the older (zero-value) fairness cursor claims first")
	require.Equal(t, models.StagingItemProcessing, claimed[0].Status)
}

func TestClaimBatchSkipsPausedSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	paused := newTestSession(t, s, models.ImportSessionPaused)
	require.NoError(t, s.InsertStagingItem(ctx, &models.ImportStagingItem{ID: "item_paused", SessionID: paused.ID, Type: models.BookmarkTypeLink, URL: "https://paused.example"}))

	claimed, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestResetStaleSkipsItemsWithBookmark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, models.ImportSessionRunning)

	require.NoError(t, s.InsertStagingItem(ctx, &models.ImportStagingItem{ID: "item_1", SessionID: sess.ID, Type: models.BookmarkTypeLink, URL: "https://c.example"}))
	require.NoError(t, s.InsertStagingItem(ctx, &models.ImportStagingItem{ID: "item_2", SessionID: sess.ID, Type: models.BookmarkTypeLink, URL: "https://d.example"}))

	claimed, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, s.MarkProcessingWithBookmark(ctx, "item_2", "bm_1"))

	reset, err := s.ResetStale(ctx, -1) // negative threshold: cutoff is in the future, everything qualifies as stale
	require.NoError(t, err)
	require.Equal(t, 1, reset, "item_2 already produced a bookmark and must not be reset")
}

func TestResetPausedProcessingReturnsItemsToPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, models.ImportSessionRunning)
	require.NoError(t, s.InsertStagingItem(ctx, &models.ImportStagingItem{ID: "item_1", SessionID: sess.ID, Type: models.BookmarkTypeLink, URL: "https://e.example"}))

	claimed, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	sess.Status = models.ImportSessionPaused
	require.NoError(t, s.updateSession(sess))

	reset, err := s.ResetPausedProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reset)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.ImportSessionPaused, got.Status)
}

func TestCompleteIfEmptyMarksSessionCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, models.ImportSessionRunning)

	require.NoError(t, s.CompleteIfEmpty(ctx, sess.ID))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.ImportSessionCompleted, got.Status)
}
