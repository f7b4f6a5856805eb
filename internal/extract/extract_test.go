package extract

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/jackronrau/anycrawl/internal/engine"
	"github.com/jackronrau/anycrawl/internal/models"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
	<title>Sample Page</title>
	<meta name="description" content="A sample page">
	<meta property="og:title" content="Sample OG">
	<meta name="empty" content="">
	<meta charset="utf-8">
</head>
<body>
	<nav class="menu"><a href="/home">Home</a></nav>
	<article>
		<h1>Heading</h1>
		<p>First paragraph with a <a href="/relative">relative link</a>.</p>
		<img src="images/pic.png" alt="pic">
	</article>
	<script>console.log("hi")</script>
	<footer>Footer text</footer>
</body>
</html>`

func staticResult(url string, status int, body string) *engine.Result {
	return &engine.Result{
		URL:        url,
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Context:    &engine.StaticContext{Body: []byte(body), ContentType: "text/html"},
	}
}

func request(formats ...models.Format) *models.EngineRequest {
	return &models.EngineRequest{
		URL:       "https://example.com/page",
		UniqueKey: "https://example.com/page",
		UserData: models.RequestUserData{
			JobID:   "job-1",
			Kind:    models.JobKindScrape,
			Options: models.ScrapeOptions{Formats: formats},
		},
	}
}

func TestExtractBaseContent(t *testing.T) {
	e := New(Options{})
	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/page", 200, samplePage),
		request(models.FormatRawHTML))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if rec.Title != "Sample Page" {
		t.Errorf("title = %q", rec.Title)
	}
	if rec.URL != "https://example.com/page" || rec.Status != 200 || rec.JobID != "job-1" {
		t.Errorf("record identity wrong: %+v", rec)
	}
	if !strings.Contains(rec.RawHTML, "<title>Sample Page</title>") {
		t.Error("rawHtml missing original markup")
	}
	if rec.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestExtractMetadata(t *testing.T) {
	e := New(Options{})
	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/", 200, samplePage), request())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if rec.Metadata["description"] != "A sample page" {
		t.Errorf("description = %q", rec.Metadata["description"])
	}
	if rec.Metadata["og:title"] != "Sample OG" {
		t.Errorf("og:title = %q", rec.Metadata["og:title"])
	}
	if _, ok := rec.Metadata["empty"]; ok {
		t.Error("empty content should be skipped")
	}
	if len(rec.Metadata) != 2 {
		t.Errorf("metadata = %v", rec.Metadata)
	}
}

func TestExtractDefaultFormats(t *testing.T) {
	e := New(Options{})
	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/", 200, samplePage), request())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(rec.Markdown, "# Heading") {
		t.Errorf("markdown missing heading: %q", rec.Markdown)
	}
	if !strings.Contains(rec.Markdown, "First paragraph") {
		t.Errorf("markdown missing paragraph: %q", rec.Markdown)
	}
	// An empty format list yields cleaned html too.
	if !strings.Contains(rec.HTML, "First paragraph") {
		t.Errorf("default html missing body content: %q", rec.HTML)
	}
	if rec.RawHTML != "" || rec.Text != "" {
		t.Error("unrequested formats populated")
	}
}

func TestExtractHTMLRewritesRelativeURLs(t *testing.T) {
	e := New(Options{})
	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/sub/page", 200, samplePage),
		request(models.FormatHTML))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(rec.HTML, `href="https://example.com/relative"`) {
		t.Errorf("relative href not rewritten: %q", rec.HTML)
	}
	if !strings.Contains(rec.HTML, `src="https://example.com/sub/images/pic.png"`) {
		t.Errorf("relative src not rewritten: %q", rec.HTML)
	}
}

func TestExtractTagFilters(t *testing.T) {
	e := New(Options{})

	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/", 200, samplePage),
		&models.EngineRequest{
			URL: "https://example.com/",
			UserData: models.RequestUserData{
				JobID: "job-1",
				Options: models.ScrapeOptions{
					Formats:     []models.Format{models.FormatHTML},
					ExcludeTags: []string{"nav", "footer"},
				},
			},
		})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if strings.Contains(rec.HTML, "Footer text") || strings.Contains(rec.HTML, `class="menu"`) {
		t.Errorf("excluded tags still present: %q", rec.HTML)
	}
	if !strings.Contains(rec.HTML, "Heading") {
		t.Errorf("content lost by exclusion: %q", rec.HTML)
	}

	rec, err = e.Extract(context.Background(),
		staticResult("https://example.com/", 200, samplePage),
		&models.EngineRequest{
			URL: "https://example.com/",
			UserData: models.RequestUserData{
				JobID: "job-1",
				Options: models.ScrapeOptions{
					Formats:     []models.Format{models.FormatHTML},
					IncludeTags: []string{"article"},
				},
			},
		})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(rec.HTML), "<article>") {
		t.Errorf("include filter should keep only article: %q", rec.HTML)
	}
	if strings.Contains(rec.HTML, "Footer text") {
		t.Error("include filter leaked other content")
	}
}

func TestExtractText(t *testing.T) {
	e := New(Options{})
	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/", 200, samplePage),
		request(models.FormatText))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(rec.Text, "First paragraph with a relative link.") {
		t.Errorf("text missing content: %q", rec.Text)
	}
	if strings.Contains(rec.Text, "console.log") {
		t.Error("script content leaked into text")
	}
}

func TestExtractNon2xxBestEffort(t *testing.T) {
	e := New(Options{})
	body := `<html><head><title>Not Found</title></head><body><p>gone</p></body></html>`
	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/missing", 404, body),
		request(models.FormatMarkdown))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.Status != 404 {
		t.Errorf("status = %d", rec.Status)
	}
	if rec.Title != "Not Found" || !strings.Contains(rec.Markdown, "gone") {
		t.Errorf("error page not extracted: %+v", rec)
	}
}

func TestExtractEmptyBodyFallsBack(t *testing.T) {
	e := New(Options{})
	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/", 200, ""), request())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.Title != "" || rec.Markdown != "" {
		t.Errorf("empty page should yield empty formats: %+v", rec)
	}
	if rec.Metadata == nil {
		t.Error("metadata map should always be present")
	}
}

type fakeJSONExtractor struct {
	gotMarkdown string
	out         map[string]any
	err         error
}

func (f *fakeJSONExtractor) Extract(ctx context.Context, markdown string, opts *models.JSONOptions) (any, error) {
	f.gotMarkdown = markdown
	return f.out, f.err
}

func TestExtractJSONUsesMarkdownIntermediate(t *testing.T) {
	fake := &fakeJSONExtractor{out: map[string]any{"heading": "Heading"}}
	e := New(Options{JSONExtractor: fake})

	req := request(models.FormatJSON)
	req.UserData.Options.JSONOptions = &models.JSONOptions{
		Schema: map[string]any{"type": "object"},
	}
	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/", 200, samplePage), req)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	obj, ok := rec.JSON.(map[string]any)
	if !ok || obj["heading"] != "Heading" {
		t.Errorf("json = %v", rec.JSON)
	}
	if !strings.Contains(fake.gotMarkdown, "# Heading") {
		t.Errorf("extractor should receive markdown, got %q", fake.gotMarkdown)
	}
	// markdown was only an intermediate here
	if rec.Markdown != "" {
		t.Error("markdown should not be in the record unless requested")
	}
}

func TestExtractJSONSkippedWithoutOptions(t *testing.T) {
	fake := &fakeJSONExtractor{out: map[string]any{"x": 1}}
	e := New(Options{JSONExtractor: fake})

	rec, err := e.Extract(context.Background(),
		staticResult("https://example.com/", 200, samplePage),
		request(models.FormatJSON))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.JSON != nil {
		t.Error("json produced without json_options")
	}
}

type fakeScreenshotStore struct {
	saved []byte
	loc   string
}

func (f *fakeScreenshotStore) SaveScreenshot(ctx context.Context, jobID, uniqueKey string, data []byte) (string, error) {
	f.saved = data
	return f.loc, nil
}

func TestExtractScreenshotStored(t *testing.T) {
	store := &fakeScreenshotStore{loc: "https://cdn.example.com/shot.jpg"}
	e := New(Options{Screenshots: store})

	res := &engine.Result{
		URL:        "https://example.com/",
		StatusCode: 200,
		Context: &engine.BrowserContext{
			HTML:       samplePage,
			Screenshot: []byte{0xff, 0xd8, 0xff},
		},
	}
	rec, err := e.Extract(context.Background(), res, request(models.FormatScreenshot))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.Screenshot != store.loc {
		t.Errorf("screenshot = %q", rec.Screenshot)
	}
	if len(store.saved) != 3 {
		t.Errorf("saved %d bytes", len(store.saved))
	}
}
