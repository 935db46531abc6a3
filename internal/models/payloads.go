package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var payloadValidator = validator.New()

// CrawlPayload is the payload of a Crawl job.
type CrawlPayload struct {
	BookmarkID      string `json:"bookmark_id" validate:"required"`
	ArchiveFullPage bool   `json:"archive_full_page,omitempty"`
	StorePDF        bool   `json:"store_pdf,omitempty"`
	RunInference    bool   `json:"run_inference,omitempty"`
}

// TagSummarizePayload backs both the Tag and Summarize queues.
type TagSummarizePayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	Type       string `json:"type" validate:"required,oneof=tag summarize"`
}

// SearchIndexPayload backs the search-reindex queue.
type SearchIndexPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	Type       string `json:"type" validate:"required,oneof=upsert delete"`
}

// AssetPreprocessingPayload backs the asset-preprocessing queue, enqueued
// when a link bookmark morphs into an asset bookmark (content-type probe).
type AssetPreprocessingPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	FixMode    bool   `json:"fix_mode,omitempty"`
}

// VideoExtractPayload backs the optional video-extract follow-up queue.
type VideoExtractPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	URL        string `json:"url" validate:"required,url"`
}

// WebhookPayload backs the webhook fan-out queue.
type WebhookPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	Event      string `json:"event" validate:"required,oneof=created edited crawled deleted"`
	UserID     string `json:"user_id,omitempty"`
}

// RuleEngineEvent is one entry of a RuleEnginePayload's Events slice.
type RuleEngineEvent struct {
	Type string                 `json:"type" validate:"required"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// RuleEnginePayload backs the rule-engine trigger queue.
type RuleEnginePayload struct {
	BookmarkID string            `json:"bookmark_id" validate:"required"`
	Events     []RuleEngineEvent `json:"events" validate:"required,min=1,dive"`
}

// ValidatePayload unmarshals raw into dst and runs struct validation,
// returning the exact error the queue runner classifies as
// ErrSchemaInvalid and drops as a completed terminal; retrying a
// malformed payload won't help.
func ValidatePayload(raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if err := payloadValidator.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return nil
}
