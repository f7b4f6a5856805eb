// Package frontier decides which discovered URLs join a crawl: scope,
// filters, dedup, depth, and the page limit.
package frontier

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/PuerkitoBio/goquery"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/publicsuffix"

	"github.com/jackronrau/anycrawl/internal/models"
)

// Admission classifies the outcome for one candidate URL.
type Admission int

const (
	// Admitted means the URL entered the frontier and enqueued was
	// incremented.
	Admitted Admission = iota
	// Duplicate means the URL was already seen for this job.
	Duplicate
	// OutOfScope means a filter (scope, glob, depth, scheme) rejected it.
	OutOfScope
	// LimitReached means the crawl page limit refused the URL. Discovery
	// should stop for the page.
	LimitReached
)

// admitScript atomically marks a URL seen and claims an enqueued slot,
// so dedup and the limit gate cannot race across workers.
// KEYS[1] = seen set, KEYS[2] = progress hash
// ARGV[1] = url, ARGV[2] = limit
// Returns 1 admitted, 0 duplicate, -1 limit reached.
var admitScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 0 then
  return 0
end
local limit = tonumber(ARGV[2])
local enqueued = tonumber(redis.call('HGET', KEYS[2], 'enqueued') or '0')
if limit > 0 and enqueued >= limit then
  return -1
end
redis.call('HINCRBY', KEYS[2], 'enqueued', 1)
return 1
`)

// Outcome maps the admission to the navigation tag crawl hooks consume.
// Only the page limit aborts; duplicates and filtered URLs just skip.
func (a Admission) Outcome() models.NavigationOutcome {
	if a == LimitReached {
		return models.Abort(models.ErrCodeCrawlLimitReached)
	}
	return models.Proceed()
}

// Frontier manages per-job URL admission in Redis.
type Frontier struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// New creates a Frontier.
func New(rdb redis.UniversalClient, logger *slog.Logger) *Frontier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Frontier{rdb: rdb, logger: logger}
}

func seenKey(jobID string) string {
	return "anycrawl:crawl:" + jobID + ":seen"
}

func progressKey(jobID string) string {
	return "anycrawl:crawl:" + jobID
}

// Admit runs the full admission pipeline for one candidate URL discovered
// at the given parent depth. The normalized URL is returned for admitted
// candidates.
func (f *Frontier) Admit(ctx context.Context, jobID string, seed *url.URL, candidate string, parentDepth int, opts *models.CrawlOptions) (Admission, string, error) {
	normalized, err := NormalizeURL(candidate, opts.IgnoreQueryParameters)
	if err != nil {
		return OutOfScope, "", nil
	}
	if parentDepth+1 > opts.MaxDepth {
		return OutOfScope, "", nil
	}
	target, err := url.Parse(normalized)
	if err != nil {
		return OutOfScope, "", nil
	}
	if !InScope(seed, target, opts) {
		return OutOfScope, "", nil
	}
	if !MatchesPathFilters(target, opts.IncludePaths, opts.ExcludePaths) {
		return OutOfScope, "", nil
	}

	res, err := admitScript.Run(ctx, f.rdb,
		[]string{seenKey(jobID), progressKey(jobID)},
		normalized, opts.Limit,
	).Int()
	if err != nil {
		return OutOfScope, "", fmt.Errorf("failed to run admission script: %w", err)
	}
	switch res {
	case 1:
		return Admitted, normalized, nil
	case 0:
		return Duplicate, normalized, nil
	default:
		return LimitReached, normalized, nil
	}
}

// AdmitSeed puts the job's seed URL through the same gate so the enqueued
// counter covers it.
func (f *Frontier) AdmitSeed(ctx context.Context, jobID string, seedURL string, opts *models.CrawlOptions, ttl time.Duration) (Admission, string, error) {
	normalized, err := NormalizeURL(seedURL, opts.IgnoreQueryParameters)
	if err != nil {
		return OutOfScope, "", &models.CodedError{
			Code:    models.ErrCodeValidation,
			Message: fmt.Sprintf("invalid seed url %q", seedURL),
			Cause:   err,
		}
	}
	res, err := admitScript.Run(ctx, f.rdb,
		[]string{seenKey(jobID), progressKey(jobID)},
		normalized, opts.Limit,
	).Int()
	if err != nil {
		return OutOfScope, "", fmt.Errorf("failed to admit seed: %w", err)
	}
	if err := f.rdb.Expire(ctx, seenKey(jobID), ttl).Err(); err != nil {
		return OutOfScope, "", fmt.Errorf("failed to expire seen set: %w", err)
	}
	switch res {
	case 1:
		return Admitted, normalized, nil
	case 0:
		return Duplicate, normalized, nil
	default:
		return LimitReached, normalized, nil
	}
}

// ShouldDiscover reports whether link extraction should run at all for a
// page at the given depth.
func (f *Frontier) ShouldDiscover(pageDepth int, opts *models.CrawlOptions) bool {
	return pageDepth < opts.MaxDiscoveryDepth
}

// Clear drops the job's seen set.
func (f *Frontier) Clear(ctx context.Context, jobID string) error {
	if err := f.rdb.Del(ctx, seenKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to clear frontier: %w", err)
	}
	return nil
}

// Links collects candidate hrefs from a page, resolved against base.
// Fragment-only, mailto, javascript, and data links are skipped.
func Links(html string, base *url.URL) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var links []string
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "tel:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := ref
		if base != nil {
			resolved = base.ResolveReference(ref)
		}
		abs := resolved.String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	})
	return links
}

// NormalizeURL canonicalizes a candidate: lowercases scheme and host,
// strips the fragment, drops default ports, and optionally removes the
// query string. Only http and https survive.
func NormalizeURL(raw string, stripQuery bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && u.Port() == "80") || (u.Scheme == "https" && u.Port() == "443") {
		u.Host = u.Hostname()
	}
	u.Fragment = ""
	if stripQuery {
		u.RawQuery = ""
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// InScope applies the job's scope strategy to a candidate against the
// seed URL.
func InScope(seed, target *url.URL, opts *models.CrawlOptions) bool {
	if opts.AllowExternalLinks {
		return true
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = models.ScopeSameDomain
	}
	switch strategy {
	case models.ScopeAll:
		return true
	case models.ScopeSameOrigin:
		if seed.Scheme == target.Scheme && seed.Host == target.Host {
			return true
		}
		return opts.AllowSubdomains && isSubdomain(seed.Hostname(), target.Hostname()) &&
			seed.Scheme == target.Scheme
	case models.ScopeSameHostname:
		if strings.EqualFold(seed.Hostname(), target.Hostname()) {
			return true
		}
		return opts.AllowSubdomains && isSubdomain(seed.Hostname(), target.Hostname())
	case models.ScopeSameDomain:
		return registrableDomain(seed.Hostname()) == registrableDomain(target.Hostname())
	}
	return false
}

func isSubdomain(seedHost, targetHost string) bool {
	return strings.HasSuffix(strings.ToLower(targetHost), "."+strings.ToLower(seedHost))
}

// registrableDomain resolves eTLD+1, falling back to the host itself for
// IPs and single-label hosts.
func registrableDomain(host string) string {
	domain, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host))
	if err != nil {
		return strings.ToLower(host)
	}
	return domain
}

// MatchesPathFilters applies include/exclude globs to the URL path.
// Excludes win; an empty include list admits everything.
func MatchesPathFilters(target *url.URL, includes, excludes []string) bool {
	path := target.Path
	for _, pattern := range excludes {
		if globMatch(pattern, path) {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, pattern := range includes {
		if globMatch(pattern, path) {
			return true
		}
	}
	return false
}

// globMatch matches path globs where * spans path segments and ? matches
// one character.
func globMatch(pattern, s string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, ch := range pattern {
		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
