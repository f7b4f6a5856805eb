package frontier

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jackronrau/anycrawl/internal/models"
)

func newTestFrontier(t *testing.T) (*Frontier, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, nil), rdb
}

func crawlOpts() *models.CrawlOptions {
	opts := &models.CrawlOptions{}
	opts.Normalize()
	return opts
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		raw        string
		stripQuery bool
		want       string
		wantErr    bool
	}{
		{"HTTPS://Example.COM/Path", false, "https://example.com/Path", false},
		{"https://example.com", false, "https://example.com/", false},
		{"https://example.com:443/x", false, "https://example.com/x", false},
		{"http://example.com:80/x", false, "http://example.com/x", false},
		{"http://example.com:8080/x", false, "http://example.com:8080/x", false},
		{"https://example.com/a#section", false, "https://example.com/a", false},
		{"https://example.com/a?q=1", false, "https://example.com/a?q=1", false},
		{"https://example.com/a?q=1", true, "https://example.com/a", false},
		{"ftp://example.com/file", false, "", true},
		{"mailto:x@example.com", false, "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.raw, tt.stripQuery)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeURL(%q) expected error, got %q", tt.raw, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizeURL(%q, %v) = %q, %v, want %q", tt.raw, tt.stripQuery, got, err, tt.want)
		}
	}
}

func TestInScope(t *testing.T) {
	seed := mustParse(t, "https://blog.example.com:443/start")

	tests := []struct {
		name     string
		strategy models.ScopeStrategy
		target   string
		subs     bool
		want     bool
	}{
		{"all admits anything", models.ScopeAll, "https://other.org/x", false, true},
		{"same-origin exact", models.ScopeSameOrigin, "https://blog.example.com/y", false, true},
		{"same-origin scheme mismatch", models.ScopeSameOrigin, "http://blog.example.com/y", false, false},
		{"same-origin other host", models.ScopeSameOrigin, "https://www.example.com/y", false, false},
		{"same-hostname exact", models.ScopeSameHostname, "https://blog.example.com/y", false, true},
		{"same-hostname other sub", models.ScopeSameHostname, "https://shop.example.com/y", false, false},
		{"same-hostname subdomain allowed", models.ScopeSameHostname, "https://a.blog.example.com/y", true, true},
		{"same-domain sibling sub", models.ScopeSameDomain, "https://shop.example.com/y", false, true},
		{"same-domain apex", models.ScopeSameDomain, "https://example.com/y", false, true},
		{"same-domain other domain", models.ScopeSameDomain, "https://example.org/y", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &models.CrawlOptions{Strategy: tt.strategy, AllowSubdomains: tt.subs}
			got := InScope(seed, mustParse(t, tt.target), opts)
			if got != tt.want {
				t.Errorf("InScope(%s, %s) = %v, want %v", tt.strategy, tt.target, got, tt.want)
			}
		})
	}
}

func TestInScopeAllowExternalLinks(t *testing.T) {
	seed := mustParse(t, "https://example.com/")
	opts := &models.CrawlOptions{Strategy: models.ScopeSameOrigin, AllowExternalLinks: true}
	if !InScope(seed, mustParse(t, "https://unrelated.net/"), opts) {
		t.Error("allow_external_links should bypass scope")
	}
}

func TestMatchesPathFilters(t *testing.T) {
	u := mustParse(t, "https://example.com/blog/2024/post")

	if !MatchesPathFilters(u, nil, nil) {
		t.Error("no filters should admit")
	}
	if !MatchesPathFilters(u, []string{"/blog/*"}, nil) {
		t.Error("include glob should match")
	}
	if MatchesPathFilters(u, []string{"/docs/*"}, nil) {
		t.Error("non-matching include should reject")
	}
	if MatchesPathFilters(u, nil, []string{"/blog/*"}) {
		t.Error("exclude glob should reject")
	}
	// Excludes win over includes.
	if MatchesPathFilters(u, []string{"/blog/*"}, []string{"*/post"}) {
		t.Error("exclude should win over include")
	}
}

func TestAdmitPipeline(t *testing.T) {
	f, _ := newTestFrontier(t)
	ctx := context.Background()
	seed := mustParse(t, "https://example.com/")
	opts := crawlOpts()

	adm, normalized, err := f.Admit(ctx, "job-1", seed, "https://example.com/a", 0, opts)
	if err != nil || adm != Admitted {
		t.Fatalf("first admit = %v, %v", adm, err)
	}
	if normalized != "https://example.com/a" {
		t.Errorf("normalized = %q", normalized)
	}

	// Same URL again is a duplicate.
	adm, _, err = f.Admit(ctx, "job-1", seed, "https://example.com/a#frag", 0, opts)
	if err != nil || adm != Duplicate {
		t.Errorf("duplicate admit = %v, %v", adm, err)
	}

	// Out of scope.
	adm, _, _ = f.Admit(ctx, "job-1", seed, "https://other.org/x", 0, opts)
	if adm != OutOfScope {
		t.Errorf("external admit = %v", adm)
	}

	// Depth gate.
	adm, _, _ = f.Admit(ctx, "job-1", seed, "https://example.com/deep", opts.MaxDepth, opts)
	if adm != OutOfScope {
		t.Errorf("too-deep admit = %v", adm)
	}
}

func TestAdmitIncrementsEnqueued(t *testing.T) {
	f, rdb := newTestFrontier(t)
	ctx := context.Background()
	seed := mustParse(t, "https://example.com/")
	opts := crawlOpts()

	for i := 0; i < 3; i++ {
		adm, _, err := f.Admit(ctx, "job-1", seed, fmt.Sprintf("https://example.com/p%d", i), 0, opts)
		if err != nil || adm != Admitted {
			t.Fatalf("admit %d = %v, %v", i, adm, err)
		}
	}
	enq, err := rdb.HGet(ctx, "anycrawl:crawl:job-1", "enqueued").Int()
	if err != nil || enq != 3 {
		t.Errorf("enqueued = %d, %v", enq, err)
	}
}

func TestAdmitLimitGate(t *testing.T) {
	f, _ := newTestFrontier(t)
	ctx := context.Background()
	seed := mustParse(t, "https://example.com/")
	opts := crawlOpts()
	opts.Limit = 2

	for i := 0; i < 2; i++ {
		adm, _, err := f.Admit(ctx, "job-1", seed, fmt.Sprintf("https://example.com/p%d", i), 0, opts)
		if err != nil || adm != Admitted {
			t.Fatalf("admit %d = %v, %v", i, adm, err)
		}
	}
	adm, _, err := f.Admit(ctx, "job-1", seed, "https://example.com/p2", 0, opts)
	if err != nil || adm != LimitReached {
		t.Errorf("over-limit admit = %v, %v", adm, err)
	}
}

func TestAdmitSeed(t *testing.T) {
	f, rdb := newTestFrontier(t)
	ctx := context.Background()
	opts := crawlOpts()

	adm, normalized, err := f.AdmitSeed(ctx, "job-1", "https://Example.com", opts, time.Hour)
	if err != nil || adm != Admitted {
		t.Fatalf("seed admit = %v, %v", adm, err)
	}
	if normalized != "https://example.com/" {
		t.Errorf("normalized seed = %q", normalized)
	}
	enq, _ := rdb.HGet(ctx, "anycrawl:crawl:job-1", "enqueued").Int()
	if enq != 1 {
		t.Errorf("enqueued = %d", enq)
	}

	if _, _, err := f.AdmitSeed(ctx, "job-1", "not a url at all://", opts, time.Hour); err == nil {
		t.Error("invalid seed should error")
	}
}

func TestShouldDiscover(t *testing.T) {
	f, _ := newTestFrontier(t)
	opts := crawlOpts()
	opts.MaxDiscoveryDepth = 2

	if !f.ShouldDiscover(0, opts) || !f.ShouldDiscover(1, opts) {
		t.Error("shallow pages should be discovered")
	}
	if f.ShouldDiscover(2, opts) {
		t.Error("discovery must stop at max_discovery_depth")
	}
}

func TestLinks(t *testing.T) {
	html := `<html><body>
		<a href="/relative">rel</a>
		<a href="https://example.com/abs">abs</a>
		<a href="#frag">frag</a>
		<a href="mailto:a@b.c">mail</a>
		<a href="javascript:void(0)">js</a>
		<a href="/relative">dup</a>
	</body></html>`
	base := mustParse(t, "https://example.com/dir/page")

	links := Links(html, base)
	want := []string{"https://example.com/relative", "https://example.com/abs"}
	if len(links) != len(want) {
		t.Fatalf("links = %v", links)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("link %d = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestSeenSetExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	f := New(rdb, nil)

	opts := crawlOpts()
	if _, _, err := f.AdmitSeed(context.Background(), "job-1", "https://example.com/", opts, time.Minute); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("anycrawl:crawl:job-1:seen") {
		t.Fatal("seen set missing")
	}
	mr.FastForward(2 * time.Minute)
	if mr.Exists("anycrawl:crawl:job-1:seen") {
		t.Error("seen set should expire")
	}
}

func TestAdmissionOutcome(t *testing.T) {
	tests := []struct {
		name       string
		admission  Admission
		proceed    bool
		crawlLimit bool
	}{
		{"admitted", Admitted, true, false},
		{"duplicate", Duplicate, true, false},
		{"out of scope", OutOfScope, true, false},
		{"limit reached", LimitReached, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := tt.admission.Outcome()
			if outcome.Proceed != tt.proceed {
				t.Errorf("Proceed = %v, want %v", outcome.Proceed, tt.proceed)
			}
			if outcome.IsCrawlLimit() != tt.crawlLimit {
				t.Errorf("IsCrawlLimit() = %v, want %v", outcome.IsCrawlLimit(), tt.crawlLimit)
			}
			if !tt.proceed && outcome.Reason != models.ErrCodeCrawlLimitReached {
				t.Errorf("Reason = %q, want %q", outcome.Reason, models.ErrCodeCrawlLimitReached)
			}
		})
	}
}
