package models

import "time"

// BookmarkType is the discriminator for the three Bookmark shapes.
type BookmarkType string

const (
	BookmarkTypeLink  BookmarkType = "link"
	BookmarkTypeText  BookmarkType = "text"
	BookmarkTypeAsset BookmarkType = "asset"
)

// CrawlStatus tracks the one-way-per-attempt transition pending -> success|failure.
type CrawlStatus string

const (
	CrawlStatusPending CrawlStatus = "pending"
	CrawlStatusSuccess CrawlStatus = "success"
	CrawlStatusFailure CrawlStatus = "failure"
)

// EnrichmentStatus is shared by TaggingStatus and SummarizationStatus.
type EnrichmentStatus string

const (
	EnrichmentPending EnrichmentStatus = "pending"
	EnrichmentSuccess EnrichmentStatus = "success"
	EnrichmentFailure EnrichmentStatus = "failure"
)

// AssetRole tags an Asset with the capture kind that produced it.
type AssetRole string

const (
	AssetRoleScreenshot        AssetRole = "screenshot"
	AssetRolePDF               AssetRole = "pdf"
	AssetRoleBannerImage       AssetRole = "banner_image"
	AssetRoleFullPageArchive   AssetRole = "full_page_archive"
	AssetRolePrecrawledArchive AssetRole = "precrawled_archive"
	AssetRoleVideo             AssetRole = "video"
	AssetRoleHTMLContent       AssetRole = "html_content"
)

// Asset is a binary object associated with a Bookmark, tagged by role.
// The core owns only the metadata row; bytes live in the blob store
// collaborator (internal/interfaces.BlobStore).
type Asset struct {
	ID        string `badgerhold:"key"`
	BookmarkID string `badgerhold:"index"`
	Role      AssetRole
	MimeType  string
	SizeBytes int64
	CreatedAt time.Time
}

// Bookmark mirrors the fields of the external bookmark row this core
// reads and writes. The relational store itself (user_id ownership, tag
// and list membership, highlights) is an external collaborator; this
// struct only carries the subset the crawl/import/ai/event components
// touch, and is the shape the reference badger-backed BookmarkStore
// implementation persists.
type Bookmark struct {
	ID         string `badgerhold:"key"`
	UserID     string `badgerhold:"index"`
	Type       BookmarkType
	CreatedAt  time.Time
	ModifiedAt time.Time

	// type=link
	URL             string
	Title           string
	Description     string
	Author          string
	Publisher       string
	DatePublished   *time.Time
	DateModified    *time.Time
	Favicon         string
	ImageURL        string
	CrawledAt       *time.Time
	CrawlStatus     CrawlStatus
	CrawlStatusCode int
	HTMLContent     string // inline when below threshold
	ContentAssetID  string // set when content is stored as an asset instead

	TaggingStatus        EnrichmentStatus
	SummarizationStatus  EnrichmentStatus

	// type=text
	Text      string
	SourceURL string

	// type=asset
	AssetID       string
	AssetType     string
	FileName      string

	// PrecrawledArchiveAssetID short-circuits the browser phase when set.
	PrecrawledArchiveAssetID string
}

// ResetForRetriedCrawl returns CrawlStatus to pending, which is the only
// legal re-entry point into the one-way pending->success|failure machine.
func (b *Bookmark) ResetForRetriedCrawl() {
	b.CrawlStatus = CrawlStatusPending
}

// MarkCrawlFailure is invoked by the crawl pipeline on fatal-to-job
// failures: the bookmark surfaces the
// failure and dependent enrichment statuses are cleared if still pending.
func (b *Bookmark) MarkCrawlFailure() {
	b.CrawlStatus = CrawlStatusFailure
	if b.TaggingStatus == EnrichmentPending {
		b.TaggingStatus = ""
	}
	if b.SummarizationStatus == EnrichmentPending {
		b.SummarizationStatus = ""
	}
}
