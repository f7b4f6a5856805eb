// Package engine implements the fetch backends: a static HTML engine and
// two headless browser engines.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackronrau/anycrawl/internal/models"
)

// Timeout bounds for a single fetch.
const (
	DefaultTimeout = 30 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 600 * time.Second
)

// Engine fetches one URL and returns the raw material for extraction.
type Engine interface {
	Name() models.EngineName
	Execute(ctx context.Context, req *models.EngineRequest) (*Result, error)
}

// Result is the outcome of a fetch. A non-2xx status still carries a
// context so extraction can run best-effort over the error page.
type Result struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Headers    http.Header
	Context    EngineContext
}

// Succeeded reports whether the fetch ended on a 2xx status.
func (r *Result) Succeeded() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTML returns the document markup regardless of which engine produced it.
func (r *Result) HTML() string {
	switch c := r.Context.(type) {
	case *StaticContext:
		return string(c.Body)
	case *BrowserContext:
		return c.HTML
	}
	return ""
}

// Screenshot returns captured screenshot bytes, if any.
func (r *Result) Screenshot() []byte {
	if c, ok := r.Context.(*BrowserContext); ok {
		return c.Screenshot
	}
	return nil
}

// EngineContext is the engine-specific payload. It is a closed set:
// StaticContext or BrowserContext.
type EngineContext interface {
	isEngineContext()
}

// StaticContext is the payload of the static engine.
type StaticContext struct {
	Body        []byte
	ContentType string
}

func (*StaticContext) isEngineContext() {}

// BrowserContext is the payload of the browser engines. The screenshot is
// captured eagerly while the page is still open, when the request asked
// for one.
type BrowserContext struct {
	HTML       string
	Screenshot []byte
	FullPage   bool
}

func (*BrowserContext) isEngineContext() {}

// ClampTimeout converts a request timeout in milliseconds into a bounded
// duration.
func ClampTimeout(ms int) time.Duration {
	if ms <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// wantsScreenshot reports whether the request asked for a screenshot and
// whether it should cover the full page.
func wantsScreenshot(opts models.ScrapeOptions) (want, fullPage bool) {
	for _, f := range opts.Formats {
		switch f {
		case models.FormatScreenshot:
			want = true
		case models.FormatScreenshotFullPage:
			want = true
			fullPage = true
		}
	}
	return want, fullPage
}

// Registry maps engine names to instances.
type Registry struct {
	engines map[models.EngineName]Engine
}

// NewRegistry builds a registry from the given engines.
func NewRegistry(engines ...Engine) *Registry {
	m := make(map[models.EngineName]Engine, len(engines))
	for _, e := range engines {
		m[e.Name()] = e
	}
	return &Registry{engines: m}
}

// Get returns the engine for name.
func (r *Registry) Get(name models.EngineName) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", name)
	}
	return e, nil
}
