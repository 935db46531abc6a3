package models

import "time"

// ImportSessionStatus is the session-level state machine:
// staging -> pending -> running -> paused <-> pending -> completed.
type ImportSessionStatus string

const (
	ImportSessionStaging   ImportSessionStatus = "staging"
	ImportSessionPending   ImportSessionStatus = "pending"
	ImportSessionRunning   ImportSessionStatus = "running"
	ImportSessionPaused    ImportSessionStatus = "paused"
	ImportSessionCompleted ImportSessionStatus = "completed"
)

// ImportSession groups a bulk-import batch under one user.
type ImportSession struct {
	ID              string `badgerhold:"key"`
	UserID          string `badgerhold:"index"`
	Name            string
	RootListID      string
	Status          ImportSessionStatus `badgerhold:"index"`
	LastProcessedAt time.Time           `badgerhold:"index"` // fairness cursor
	CreatedAt       time.Time
}

// StagingItemStatus is the per-item state.
type StagingItemStatus string

const (
	StagingItemPending    StagingItemStatus = "pending"
	StagingItemProcessing StagingItemStatus = "processing"
	StagingItemCompleted  StagingItemStatus = "completed"
	StagingItemFailed     StagingItemStatus = "failed"
)

// StagingItemResult records the terminal outcome of a completed item.
type StagingItemResult string

const (
	StagingResultAccepted         StagingItemResult = "accepted"
	StagingResultSkippedDuplicate StagingItemResult = "skipped_duplicate"
	StagingResultRejected         StagingItemResult = "rejected"
)

// ImportStagingItem is one pending entry from a bulk import, waiting for
// the Import Controller to hand it to the bookmark-create path.
type ImportStagingItem struct {
	ID        string `badgerhold:"key"`
	SessionID string `badgerhold:"index"`
	Type      BookmarkType

	URL     string
	Content string
	Tags    []string
	ListIDs []string

	Status               StagingItemStatus `badgerhold:"index"`
	CreatedAt            time.Time         `badgerhold:"index"`
	ProcessingStartedAt  *time.Time
	CompletedAt          *time.Time

	Result           StagingItemResult
	ResultReason     string
	ResultBookmarkID string
}
