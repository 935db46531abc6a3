package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
)

const (
	tagSystemPrompt       = "You generate a short, comma-separated list of topical tags for a web page. Reply with tags only, no commentary."
	summarizeSystemPrompt = "You write a two-to-three sentence neutral summary of a web page's content. Reply with the summary only, no commentary."
)

// TagHandler is the queue.Handler for the tag queue. The resulting tag
// list is owned by the external relational store, which also owns all
// list/tag CRUD — this handler only drives TaggingStatus and leaves
// delivery of the generated tags to that collaborator's own ingestion
// path, mirrored here by a TagSink seam.
type TagHandler struct {
	bookmarks interfaces.BookmarkStore
	llm       interfaces.LLMClient
	sink      TagSink
	logger    arbor.ILogger
}

// TagSink delivers generated tags to the relational store that owns tag
// CRUD. A nil-safe no-op sink is used when none is configured.
type TagSink interface {
	ApplyTags(ctx context.Context, bookmarkID string, tags []string) error
}

func NewTagHandler(bookmarks interfaces.BookmarkStore, llm interfaces.LLMClient, sink TagSink, logger arbor.ILogger) *TagHandler {
	return &TagHandler{bookmarks: bookmarks, llm: llm, sink: sink, logger: logger}
}

func (h *TagHandler) Handle(ctx context.Context, job *models.Job) error {
	var payload models.TagSummarizePayload
	if err := models.ValidatePayload(job.Payload, &payload); err != nil {
		return err
	}

	bm, err := h.bookmarks.Get(ctx, payload.BookmarkID)
	if err != nil {
		return fmt.Errorf("load bookmark: %w", err)
	}

	if h.llm == nil {
		bm.TaggingStatus = models.EnrichmentFailure
		_ = h.bookmarks.Update(ctx, bm)
		return fmt.Errorf("no inference endpoint configured")
	}

	content := bm.HTMLContent
	if content == "" {
		content = bm.Description
	}
	tagsText, err := h.llm.Complete(ctx, tagSystemPrompt, content)
	if err != nil {
		bm.TaggingStatus = models.EnrichmentFailure
		_ = h.bookmarks.Update(ctx, bm)
		return fmt.Errorf("generate tags: %w", err)
	}

	if h.sink != nil {
		if err := h.sink.ApplyTags(ctx, bm.ID, splitTags(tagsText)); err != nil {
			h.logger.Warn().Err(err).Str("bookmark_id", bm.ID).Msg("failed to deliver generated tags to the relational store")
		}
	}

	bm.TaggingStatus = models.EnrichmentSuccess
	if err := h.bookmarks.Update(ctx, bm); err != nil {
		return fmt.Errorf("persist tagging status: %w", err)
	}
	return nil
}

// SummarizeHandler is the queue.Handler for the summarize queue.
type SummarizeHandler struct {
	bookmarks interfaces.BookmarkStore
	llm       interfaces.LLMClient
	logger    arbor.ILogger
}

func NewSummarizeHandler(bookmarks interfaces.BookmarkStore, llm interfaces.LLMClient, logger arbor.ILogger) *SummarizeHandler {
	return &SummarizeHandler{bookmarks: bookmarks, llm: llm, logger: logger}
}

func (h *SummarizeHandler) Handle(ctx context.Context, job *models.Job) error {
	var payload models.TagSummarizePayload
	if err := models.ValidatePayload(job.Payload, &payload); err != nil {
		return err
	}

	bm, err := h.bookmarks.Get(ctx, payload.BookmarkID)
	if err != nil {
		return fmt.Errorf("load bookmark: %w", err)
	}

	if h.llm == nil {
		bm.SummarizationStatus = models.EnrichmentFailure
		_ = h.bookmarks.Update(ctx, bm)
		return fmt.Errorf("no inference endpoint configured")
	}

	content := bm.HTMLContent
	if content == "" {
		content = bm.Description
	}
	summary, err := h.llm.Complete(ctx, summarizeSystemPrompt, content)
	if err != nil {
		bm.SummarizationStatus = models.EnrichmentFailure
		_ = h.bookmarks.Update(ctx, bm)
		return fmt.Errorf("generate summary: %w", err)
	}

	// The generated summary overwrites Description, the one human-visible
	// field this core owns for type=link bookmarks; a richer
	// dedicated summary field belongs to the external store's schema.
	bm.Description = summary
	bm.SummarizationStatus = models.EnrichmentSuccess
	if err := h.bookmarks.Update(ctx, bm); err != nil {
		return fmt.Errorf("persist summarization status: %w", err)
	}
	return nil
}

func splitTags(raw string) []string {
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
