// Package models defines the domain models for the crawling service.
package models

import (
	"time"
)

// JobKind represents the kind of a user-submitted job.
type JobKind string

const (
	JobKindScrape JobKind = "scrape"
	JobKindCrawl  JobKind = "crawl"
	JobKindSearch JobKind = "search"
)

// JobStatus represents the status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// EngineName identifies a rendering backend.
type EngineName string

const (
	EngineStatic  EngineName = "static"
	EngineBrowser EngineName = "browser"
	EngineStealth EngineName = "stealth"
)

// Engines lists all known engines.
var Engines = []EngineName{EngineStatic, EngineBrowser, EngineStealth}

// ValidEngine reports whether name is a known engine.
func ValidEngine(name EngineName) bool {
	switch name {
	case EngineStatic, EngineBrowser, EngineStealth:
		return true
	}
	return false
}

// Job TTLs per kind.
const (
	CrawlJobTTL  = 3 * time.Hour
	ScrapeJobTTL = 1 * time.Hour
	SearchJobTTL = 1 * time.Hour
)

// ExpiryFor returns the expiry time for a job of the given kind created at t.
func ExpiryFor(kind JobKind, t time.Time) time.Time {
	switch kind {
	case JobKindCrawl:
		return t.Add(CrawlJobTTL)
	case JobKindSearch:
		return t.Add(SearchJobTTL)
	default:
		return t.Add(ScrapeJobTTL)
	}
}

// Job represents a user-submitted unit of work.
type Job struct {
	UUID         string     `db:"uuid" json:"job_id"`
	Kind         JobKind    `db:"job_type" json:"kind"`
	QueueName    string     `db:"job_queue_name" json:"queue_name"`
	Engine       EngineName `db:"engine" json:"engine"`
	URL          string     `db:"url" json:"url"`
	PayloadJSON  string     `db:"payload" json:"-"`
	APIKeyID     string     `db:"api_key_id" json:"-"`
	Origin       string     `db:"origin" json:"origin,omitempty"`
	Status       JobStatus  `db:"status" json:"status"`
	Total        int        `db:"total" json:"total"`
	Completed    int        `db:"completed" json:"completed"`
	Failed       int        `db:"failed" json:"failed"`
	CreditsUsed  int        `db:"credits_used" json:"credits_used"`
	IsSuccess    bool       `db:"is_success" json:"is_success"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`
	ExpiresAt    time.Time  `db:"job_expire_at" json:"expires_at"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// ResultStatus is the per-URL outcome of a crawl or search page.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusFailed  ResultStatus = "failed"
)

// JobResult is the per-URL output of a crawl or search job. Append-only;
// paginated reads are ordered by insertion (ULID ids are time-ordered).
type JobResult struct {
	UUID      string       `db:"uuid" json:"id"`
	JobUUID   string       `db:"job_uuid" json:"job_id"`
	URL       string       `db:"url" json:"url"`
	DataJSON  string       `db:"data" json:"-"`
	Status    ResultStatus `db:"status" json:"status"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// EngineRequest is the scheduler's unit of work. It lives in a
// per-(kind × engine) Redis queue.
type EngineRequest struct {
	URL       string          `json:"url"`
	UniqueKey string          `json:"unique_key"`
	Attempt   int             `json:"attempt"`
	UserData  RequestUserData `json:"user_data"`
}

// RequestUserData carries job context through the queue.
type RequestUserData struct {
	JobID        string        `json:"job_id"`
	QueueName    string        `json:"queue_name"`
	Kind         JobKind       `json:"kind"`
	Options      ScrapeOptions `json:"options"`
	CrawlOptions *CrawlOptions `json:"crawl_options,omitempty"`
	// SeedURL is the crawl's normalized seed; scope checks run against it.
	SeedURL string `json:"seed_url,omitempty"`
	// Depth of the URL in a crawl (seed is 0).
	Depth int `json:"depth,omitempty"`
	// Search page number (1-based) for search requests.
	SearchPage int `json:"search_page,omitempty"`
}

// Format is a requested output kind.
type Format string

const (
	FormatRawHTML            Format = "rawHtml"
	FormatHTML               Format = "html"
	FormatMarkdown           Format = "markdown"
	FormatText               Format = "text"
	FormatScreenshot         Format = "screenshot"
	FormatScreenshotFullPage Format = "screenshot@fullPage"
	FormatJSON               Format = "json"
)

// ValidFormat reports whether f is a known format.
func ValidFormat(f Format) bool {
	switch f {
	case FormatRawHTML, FormatHTML, FormatMarkdown, FormatText,
		FormatScreenshot, FormatScreenshotFullPage, FormatJSON:
		return true
	}
	return false
}

// ScrapeOptions are the per-request extraction options shared by all kinds.
type ScrapeOptions struct {
	Formats     []Format     `json:"formats,omitempty"`
	Proxy       string       `json:"proxy,omitempty"`
	Timeout     int          `json:"timeout,omitempty"` // milliseconds
	Retry       bool         `json:"retry,omitempty"`
	WaitFor     int          `json:"wait_for,omitempty"` // milliseconds
	IncludeTags []string     `json:"include_tags,omitempty"`
	ExcludeTags []string     `json:"exclude_tags,omitempty"`
	JSONOptions *JSONOptions `json:"json_options,omitempty"`
}

// JSONOptions configure schema-constrained LLM extraction.
type JSONOptions struct {
	Schema       map[string]any `json:"schema,omitempty"`
	UserPrompt   string         `json:"user_prompt,omitempty"`
	SchemaName   string         `json:"schema_name,omitempty"`
	SchemaDesc   string         `json:"schema_description,omitempty"`
	Model        string         `json:"model,omitempty"`
	CostLimitUSD float64        `json:"cost_limit_usd,omitempty"`
}

// ScopeStrategy constrains which discovered URLs are admitted to a crawl.
type ScopeStrategy string

const (
	ScopeAll          ScopeStrategy = "all"
	ScopeSameDomain   ScopeStrategy = "same-domain"
	ScopeSameHostname ScopeStrategy = "same-hostname"
	ScopeSameOrigin   ScopeStrategy = "same-origin"
)

// Crawl option bounds and defaults.
const (
	DefaultMaxDepth          = 10
	MaxMaxDepth              = 50
	DefaultMaxDiscoveryDepth = 10
	MaxMaxDiscoveryDepth     = 100
	DefaultCrawlLimit        = 10000
	MaxCrawlLimit            = 50000
	MaxCrawlDelayMs          = 60000
)

// CrawlOptions configure the crawl frontier.
type CrawlOptions struct {
	MaxDepth              int           `json:"max_depth,omitempty"`
	MaxDiscoveryDepth     int           `json:"max_discovery_depth,omitempty"`
	Limit                 int           `json:"limit,omitempty"`
	Strategy              ScopeStrategy `json:"strategy,omitempty"`
	IncludePaths          []string      `json:"include_paths,omitempty"`
	ExcludePaths          []string      `json:"exclude_paths,omitempty"`
	IgnoreSitemap         bool          `json:"ignore_sitemap,omitempty"`
	IgnoreQueryParameters bool          `json:"ignore_query_parameters,omitempty"`
	DelayMs               int           `json:"delay,omitempty"`
	AllowExternalLinks    bool          `json:"allow_external_links,omitempty"`
	AllowSubdomains       bool          `json:"allow_subdomains,omitempty"`
}

// Normalize applies defaults and clamps out-of-range values.
func (o *CrawlOptions) Normalize() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxDepth > MaxMaxDepth {
		o.MaxDepth = MaxMaxDepth
	}
	if o.MaxDiscoveryDepth <= 0 {
		o.MaxDiscoveryDepth = DefaultMaxDiscoveryDepth
	}
	if o.MaxDiscoveryDepth > MaxMaxDiscoveryDepth {
		o.MaxDiscoveryDepth = MaxMaxDiscoveryDepth
	}
	if o.Limit <= 0 {
		o.Limit = DefaultCrawlLimit
	}
	if o.Limit > MaxCrawlLimit {
		o.Limit = MaxCrawlLimit
	}
	if o.Strategy == "" {
		o.Strategy = ScopeSameDomain
	}
	if o.DelayMs < 0 {
		o.DelayMs = 0
	}
	if o.DelayMs > MaxCrawlDelayMs {
		o.DelayMs = MaxCrawlDelayMs
	}
}

// SearchOptions configure a search job.
type SearchOptions struct {
	Query         string         `json:"query"`
	Engine        EngineName     `json:"engine,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	Offset        int            `json:"offset,omitempty"`
	Pages         int            `json:"pages,omitempty"`
	Lang          string         `json:"lang,omitempty"`
	Country       string         `json:"country,omitempty"`
	SafeSearch    *int           `json:"safeSearch,omitempty"`
	ScrapeOptions *ScrapeOptions `json:"scrape_options,omitempty"`
}
