package queue

import (
	"encoding/json"
	"sync"

	"github.com/crawlcore/crawlcore/internal/models"
)

// Registry holds the process-wide QueueDescriptor singletons.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]models.QueueDescriptor
}

func NewRegistry() *Registry {
	return &Registry{descs: make(map[string]models.QueueDescriptor)}
}

func (r *Registry) Register(d models.QueueDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[d.Name] = d
}

func (r *Registry) Get(name string) (models.QueueDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	return d, ok
}

// SchemaFor wraps models.ValidatePayload into the func(json.RawMessage)
// error shape QueueDescriptor.PayloadSchema expects, for any payload
// struct type T.
func SchemaFor[T any]() func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var v T
		return models.ValidatePayload(raw, &v)
	}
}

// Well-known queue names, referenced across internal/crawler,
// internal/importctl, internal/events, internal/ai.
const (
	QueueCrawl              = "crawl"
	QueueTag                = "tag"
	QueueSummarize          = "summarize"
	QueueSearchIndex        = "search_index"
	QueueAssetPreprocessing = "asset_preprocessing"
	QueueVideoExtract       = "video_extract"
	QueueWebhook            = "webhook"
	QueueRuleEngine         = "rule_engine"
)

// DefaultDescriptors returns the descriptor set for every queue the
// process runs, wired to the corresponding payload schema.
func DefaultDescriptors(defaultMaxRetries, crawlTimeoutSec int) []models.QueueDescriptor {
	return []models.QueueDescriptor{
		{Name: QueueCrawl, PayloadSchema: SchemaFor[models.CrawlPayload](), DefaultMaxRetries: defaultMaxRetries, TimeoutSeconds: crawlTimeoutSec},
		{Name: QueueTag, PayloadSchema: SchemaFor[models.TagSummarizePayload](), DefaultMaxRetries: defaultMaxRetries, TimeoutSeconds: 60},
		{Name: QueueSummarize, PayloadSchema: SchemaFor[models.TagSummarizePayload](), DefaultMaxRetries: defaultMaxRetries, TimeoutSeconds: 60},
		{Name: QueueSearchIndex, PayloadSchema: SchemaFor[models.SearchIndexPayload](), DefaultMaxRetries: defaultMaxRetries, TimeoutSeconds: 30},
		{Name: QueueAssetPreprocessing, PayloadSchema: SchemaFor[models.AssetPreprocessingPayload](), DefaultMaxRetries: defaultMaxRetries, TimeoutSeconds: 60},
		{Name: QueueVideoExtract, PayloadSchema: SchemaFor[models.VideoExtractPayload](), DefaultMaxRetries: defaultMaxRetries, TimeoutSeconds: 120},
		{Name: QueueWebhook, PayloadSchema: SchemaFor[models.WebhookPayload](), DefaultMaxRetries: defaultMaxRetries, TimeoutSeconds: 15},
		{Name: QueueRuleEngine, PayloadSchema: SchemaFor[models.RuleEnginePayload](), DefaultMaxRetries: defaultMaxRetries, TimeoutSeconds: 15},
	}
}
