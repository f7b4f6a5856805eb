// Package extract turns a fetched page into the record formats a job
// requested.
package extract

import (
	"context"
	"net/url"
	"strings"
	"time"

	"log/slog"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/jackronrau/anycrawl/internal/engine"
	"github.com/jackronrau/anycrawl/internal/models"
)

// JSONExtractor produces schema-constrained JSON from a page's markdown.
// The result is an object, or an array when the schema asked for one.
type JSONExtractor interface {
	Extract(ctx context.Context, markdown string, opts *models.JSONOptions) (any, error)
}

// ScreenshotStore persists screenshot bytes and returns an addressable
// location for the record.
type ScreenshotStore interface {
	SaveScreenshot(ctx context.Context, jobID, uniqueKey string, data []byte) (string, error)
}

// Record is the single output of extraction for one page.
type Record struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	JobID      string            `json:"jobId"`
	Title      string            `json:"title"`
	HTML       string            `json:"html,omitempty"`
	RawHTML    string            `json:"rawHtml,omitempty"`
	Markdown   string            `json:"markdown,omitempty"`
	Text       string            `json:"text,omitempty"`
	Screenshot string            `json:"screenshot,omitempty"`
	JSON       any               `json:"json,omitempty"`
	Metadata   map[string]string `json:"metadata"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Extractor builds Records from engine results.
type Extractor struct {
	jsonExtractor JSONExtractor
	screenshots   ScreenshotStore
	logger        *slog.Logger
}

// Options configures an Extractor. JSONExtractor and Screenshots may be
// nil; the corresponding formats then yield nothing.
type Options struct {
	JSONExtractor JSONExtractor
	Screenshots   ScreenshotStore
	Logger        *slog.Logger
}

// New creates an Extractor.
func New(opts Options) *Extractor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Extractor{
		jsonExtractor: opts.JSONExtractor,
		screenshots:   opts.Screenshots,
		logger:        opts.Logger,
	}
}

// Extract builds the requested formats for one fetched page. Formats are
// produced concurrently over a shared cleaned-HTML intermediate. Non-2xx
// pages are extracted the same way so the failure record carries whatever
// the origin returned.
func (e *Extractor) Extract(ctx context.Context, res *engine.Result, req *models.EngineRequest) (*Record, error) {
	opts := req.UserData.Options
	formats := requestedFormats(opts.Formats)

	rawHTML := res.HTML()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		// Fall back to an empty document so the record still carries the
		// status and metadata shell.
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader("<html></html>"))
	}

	record := &Record{
		URL:       res.URL,
		Status:    res.StatusCode,
		JobID:     req.UserData.JobID,
		Title:     strings.TrimSpace(doc.Find("title").First().Text()),
		Metadata:  extractMetadata(doc),
		Timestamp: time.Now().UTC(),
	}
	if formats[models.FormatRawHTML] {
		record.RawHTML = rawHTML
	}

	base, _ := url.Parse(res.URL)

	needMarkdown := formats[models.FormatMarkdown] ||
		(formats[models.FormatJSON] && opts.JSONOptions != nil)
	needCleaned := formats[models.FormatHTML] || needMarkdown

	var cleanedHTML string
	if needCleaned {
		cleanedHTML, err = cleanHTML(doc, base, opts.IncludeTags, opts.ExcludeTags)
		if err != nil {
			return nil, &models.ExtractionError{
				Step: "html", Message: "failed to clean html", Cause: err,
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if formats[models.FormatHTML] {
		record.HTML = cleanedHTML
	}
	var markdown string
	if needMarkdown {
		g.Go(func() error {
			converter := md.NewConverter("", true, nil)
			out, err := converter.ConvertString(cleanedHTML)
			if err != nil {
				return &models.ExtractionError{
					Step: "markdown", Message: "failed to convert markdown", Cause: err,
				}
			}
			markdown = out
			return nil
		})
	}
	if formats[models.FormatText] {
		g.Go(func() error {
			record.Text = extractText(doc)
			return nil
		})
	}
	if (formats[models.FormatScreenshot] || formats[models.FormatScreenshotFullPage]) && e.screenshots != nil {
		if shot := res.Screenshot(); len(shot) > 0 {
			g.Go(func() error {
				loc, err := e.screenshots.SaveScreenshot(gctx, req.UserData.JobID, req.UniqueKey, shot)
				if err != nil {
					return &models.ExtractionError{
						Step: "screenshot", Message: "failed to store screenshot", Cause: err,
					}
				}
				record.Screenshot = loc
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if formats[models.FormatMarkdown] {
		record.Markdown = markdown
	}

	if formats[models.FormatJSON] && opts.JSONOptions != nil && e.jsonExtractor != nil {
		extracted, err := e.jsonExtractor.Extract(ctx, markdown, opts.JSONOptions)
		if err != nil {
			return nil, &models.ExtractionError{
				Step: "json", Message: "llm extraction failed", Cause: err,
			}
		}
		record.JSON = extracted
	}

	return record, nil
}

// requestedFormats normalizes the format list; an empty request defaults
// to markdown plus cleaned html.
func requestedFormats(formats []models.Format) map[models.Format]bool {
	set := make(map[models.Format]bool, len(formats))
	for _, f := range formats {
		set[f] = true
	}
	if len(set) == 0 {
		set[models.FormatMarkdown] = true
		set[models.FormatHTML] = true
	}
	return set
}

// extractMetadata collects every meta tag carrying a name or property and
// a non-empty content attribute.
func extractMetadata(doc *goquery.Document) map[string]string {
	meta := map[string]string{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, ok := s.Attr("name")
		if !ok {
			key, ok = s.Attr("property")
		}
		if !ok || key == "" {
			return
		}
		content, ok := s.Attr("content")
		if !ok || content == "" {
			return
		}
		meta[key] = content
	})
	return meta
}

// cleanHTML applies include/exclude tag filters and rewrites relative
// URLs against base.
func cleanHTML(doc *goquery.Document, base *url.URL, includeTags, excludeTags []string) (string, error) {
	clone := goquery.CloneDocument(doc)

	for _, sel := range excludeTags {
		clone.Find(sel).Remove()
	}
	if base != nil {
		rewriteRelativeURLs(clone, base)
	}

	if len(includeTags) > 0 {
		var b strings.Builder
		for _, sel := range includeTags {
			clone.Find(sel).Each(func(_ int, s *goquery.Selection) {
				if h, err := goquery.OuterHtml(s); err == nil {
					b.WriteString(h)
				}
			})
		}
		return b.String(), nil
	}

	body := clone.Find("body")
	if body.Length() > 0 {
		return body.Html()
	}
	return clone.Html()
}

var urlAttrs = []struct{ selector, attr string }{
	{"a[href]", "href"},
	{"link[href]", "href"},
	{"img[src]", "src"},
	{"script[src]", "src"},
	{"source[src]", "src"},
	{"iframe[src]", "src"},
}

func rewriteRelativeURLs(doc *goquery.Document, base *url.URL) {
	for _, ua := range urlAttrs {
		attr := ua.attr
		doc.Find(ua.selector).Each(func(_ int, s *goquery.Selection) {
			val, _ := s.Attr(attr)
			if val == "" || strings.HasPrefix(val, "#") ||
				strings.HasPrefix(val, "data:") || strings.HasPrefix(val, "javascript:") {
				return
			}
			ref, err := url.Parse(val)
			if err != nil || ref.IsAbs() {
				return
			}
			s.SetAttr(attr, base.ResolveReference(ref).String())
		})
	}
}

// extractText flattens the document into whitespace-normalized plain text.
func extractText(doc *goquery.Document) string {
	clone := goquery.CloneDocument(doc)
	clone.Find("script, style, noscript").Remove()
	text := clone.Find("body").Text()
	if text == "" {
		text = clone.Text()
	}
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}
