// Package importctl implements the staged bulk-import controller
//: a long-lived poller that claims staging rows fairly
// across sessions, hands each to the same bookmark-create path the API
// uses, and throttles itself against downstream queue depth. The
// badgerhold storage pattern and the single-mutex atomic-claim idiom
// mirror internal/queue/store.go.
package importctl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/crawlcore/crawlcore/internal/models"
	"github.com/crawlcore/crawlcore/internal/storage"
)

// Store is the durable backing store for import sessions and staging
// items, one instance per process.
type Store struct {
	mu    sync.Mutex
	db    *badgerhold.Store
	clock func() time.Time
}

func NewStore(db *storage.BadgerDB) *Store {
	return &Store{db: db.Store(), clock: time.Now}
}

func (s *Store) CreateSession(ctx context.Context, session *models.ImportSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.clock()
	}
	if session.Status == "" {
		session.Status = models.ImportSessionStaging
	}
	if err := s.db.Insert(session.ID, session); err != nil {
		return fmt.Errorf("create import session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.ImportSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session models.ImportSession
	if err := s.db.Get(id, &session); err != nil {
		return nil, fmt.Errorf("get import session %s: %w", id, err)
	}
	return &session, nil
}

func (s *Store) updateSession(session *models.ImportSession) error {
	return s.db.Update(session.ID, session)
}

// SessionsByStatus returns the count of sessions in each status, for
// import_sessions_active{status}.
func (s *Store) SessionsByStatus(ctx context.Context) (map[models.ImportSessionStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []models.ImportSession
	if err := s.db.Find(&sessions, nil); err != nil {
		return nil, fmt.Errorf("list import sessions: %w", err)
	}
	counts := make(map[models.ImportSessionStatus]int)
	for _, sess := range sessions {
		counts[sess.Status]++
	}
	return counts, nil
}

func (s *Store) InsertStagingItem(ctx context.Context, item *models.ImportStagingItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.clock()
	}
	if item.Status == "" {
		item.Status = models.StagingItemPending
	}
	if err := s.db.Insert(item.ID, item); err != nil {
		return fmt.Errorf("insert staging item: %w", err)
	}
	return nil
}

// candidate pairs a pending staging item with its session's fairness
// cursor the fair claim ordering sorts on.
type candidate struct {
	item            models.ImportStagingItem
	lastProcessedAt time.Time
}

// ClaimBatch selects up to limit pending items ordered by
// (session.last_processed_at, staging.created_at), then
// atomically flip each to processing. The whole selection and flip is
// done under one mutex so no other caller can observe or grab the same
// rows in between, which is this embedded store's equivalent of
// `UPDATE ... WHERE status='pending' RETURNING *`.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]models.ImportStagingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.ImportStagingItem
	if err := s.db.Find(&pending, badgerhold.Where("Status").Eq(models.StagingItemPending)); err != nil {
		return nil, fmt.Errorf("query pending staging items: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	sessionCursor := make(map[string]time.Time)
	candidates := make([]candidate, 0, len(pending))
	for _, item := range pending {
		cursor, ok := sessionCursor[item.SessionID]
		if !ok {
			var sess models.ImportSession
			if err := s.db.Get(item.SessionID, &sess); err != nil {
				continue // session deleted out from under a staging item; skip it
			}
			if sess.Status == models.ImportSessionPaused {
				continue // paused sessions are not claimed
			}
			cursor = sess.LastProcessedAt
			sessionCursor[item.SessionID] = cursor
		}
		candidates = append(candidates, candidate{item: item, lastProcessedAt: cursor})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].lastProcessedAt.Equal(candidates[j].lastProcessedAt) {
			return candidates[i].lastProcessedAt.Before(candidates[j].lastProcessedAt)
		}
		return candidates[i].item.CreatedAt.Before(candidates[j].item.CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := s.clock()
	claimed := make([]models.ImportStagingItem, 0, len(candidates))
	for _, c := range candidates {
		item := c.item
		item.Status = models.StagingItemProcessing
		item.ProcessingStartedAt = &now
		if err := s.db.Update(item.ID, &item); err != nil {
			return claimed, fmt.Errorf("claim staging item %s: %w", item.ID, err)
		}
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// ResetStale reclaims processing items whose processing_started_at
// predates the threshold and which have not yet produced a bookmark.
// Returns the count reset.
func (s *Store) ResetStale(ctx context.Context, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock().Add(-threshold)
	var processing []models.ImportStagingItem
	if err := s.db.Find(&processing, badgerhold.Where("Status").Eq(models.StagingItemProcessing)); err != nil {
		return 0, fmt.Errorf("query processing staging items: %w", err)
	}

	reset := 0
	for i := range processing {
		item := &processing[i]
		if item.ResultBookmarkID != "" {
			continue // produced a bookmark already; it's waiting on downstream, not stuck
		}
		if item.ProcessingStartedAt == nil || item.ProcessingStartedAt.After(cutoff) {
			continue
		}
		item.Status = models.StagingItemPending
		item.ProcessingStartedAt = nil
		if err := s.db.Update(item.ID, item); err != nil {
			return reset, fmt.Errorf("reset stale staging item %s: %w", item.ID, err)
		}
		reset++
	}
	return reset, nil
}

// ResetPausedProcessing returns in-flight items belonging to a paused
// session back to pending without producing a bookmark for them. Items
// that already
// produced a bookmark are left alone; they're past the point pausing can
// retract.
func (s *Store) ResetPausedProcessing(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var processing []models.ImportStagingItem
	if err := s.db.Find(&processing, badgerhold.Where("Status").Eq(models.StagingItemProcessing).
		And("ResultBookmarkID").Eq("")); err != nil {
		return 0, fmt.Errorf("query processing staging items: %w", err)
	}

	pausedSessions := make(map[string]bool)
	reset := 0
	for i := range processing {
		item := &processing[i]
		paused, ok := pausedSessions[item.SessionID]
		if !ok {
			var sess models.ImportSession
			if err := s.db.Get(item.SessionID, &sess); err != nil {
				continue
			}
			paused = sess.Status == models.ImportSessionPaused
			pausedSessions[item.SessionID] = paused
		}
		if !paused {
			continue
		}
		item.Status = models.StagingItemPending
		item.ProcessingStartedAt = nil
		if err := s.db.Update(item.ID, item); err != nil {
			return reset, fmt.Errorf("reset paused staging item %s: %w", item.ID, err)
		}
		reset++
	}
	return reset, nil
}

// AwaitingDownstream returns claimed items that have produced a bookmark
// and are waiting on the crawl/tag pipeline to settle; the controller
// checks each bookmark's terminal status.
func (s *Store) AwaitingDownstream(ctx context.Context) ([]models.ImportStagingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []models.ImportStagingItem
	err := s.db.Find(&items, badgerhold.Where("Status").Eq(models.StagingItemProcessing).
		And("ResultBookmarkID").Ne(""))
	if err != nil {
		return nil, fmt.Errorf("query downstream-pending staging items: %w", err)
	}
	return items, nil
}

func (s *Store) MarkProcessingWithBookmark(ctx context.Context, itemID, bookmarkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var item models.ImportStagingItem
	if err := s.db.Get(itemID, &item); err != nil {
		return fmt.Errorf("get staging item %s: %w", itemID, err)
	}
	item.ResultBookmarkID = bookmarkID
	return s.db.Update(itemID, &item)
}

func (s *Store) MarkTerminal(ctx context.Context, itemID string, status models.StagingItemStatus, result models.StagingItemResult, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var item models.ImportStagingItem
	if err := s.db.Get(itemID, &item); err != nil {
		return fmt.Errorf("get staging item %s: %w", itemID, err)
	}
	item.Status = status
	item.Result = result
	item.ResultReason = reason
	now := s.clock()
	item.CompletedAt = &now
	return s.db.Update(itemID, &item)
}

// TouchSession updates last_processed_at so the next ClaimBatch rotates
// fairly across sessions.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess models.ImportSession
	if err := s.db.Get(sessionID, &sess); err != nil {
		return fmt.Errorf("get import session %s: %w", sessionID, err)
	}
	sess.LastProcessedAt = s.clock()
	return s.updateSession(&sess)
}

// CompleteIfEmpty marks a session completed once its staging pool has no
// pending or processing items left.
func (s *Store) CompleteIfEmpty(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess models.ImportSession
	if err := s.db.Get(sessionID, &sess); err != nil {
		return fmt.Errorf("get import session %s: %w", sessionID, err)
	}
	if sess.Status == models.ImportSessionCompleted {
		return nil
	}

	outstanding, err := s.db.Count(&models.ImportStagingItem{}, badgerhold.Where("SessionID").Eq(sessionID).
		And("Status").In(models.StagingItemPending, models.StagingItemProcessing))
	if err != nil {
		return fmt.Errorf("count outstanding staging items: %w", err)
	}
	if outstanding > 0 {
		return nil
	}
	sess.Status = models.ImportSessionCompleted
	return s.updateSession(&sess)
}

// CountPending returns the total pending staging items across all
// sessions, for import_staging_pending_total.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.db.Count(&models.ImportStagingItem{}, badgerhold.Where("Status").Eq(models.StagingItemPending))
	return int(count), err
}

// CountProcessing returns the in-flight claimed count, used both for
// import_staging_in_flight and the backpressure check's processing_count.
func (s *Store) CountProcessing(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.db.Count(&models.ImportStagingItem{}, badgerhold.Where("Status").Eq(models.StagingItemProcessing))
	return int(count), err
}
