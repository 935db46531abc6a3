package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix.
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewBookmarkID generates a unique bookmark ID with the "bm_" prefix.
func NewBookmarkID() string {
	return "bm_" + uuid.New().String()
}

// NewAssetID generates a unique asset ID with the "asset_" prefix.
func NewAssetID() string {
	return "asset_" + uuid.New().String()
}

// NewSessionID generates a unique import session ID with the "isess_" prefix.
func NewSessionID() string {
	return "isess_" + uuid.New().String()
}

// NewStagingItemID generates a unique import staging item ID with the
// "istg_" prefix.
func NewStagingItemID() string {
	return "istg_" + uuid.New().String()
}
