package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"log/slog"

	"github.com/gocolly/colly/v2"

	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/proxy"
)

// allowedMIMETypes are the content types the static engine will hand to
// extraction. Anything else is rejected without JS rendering to fall back on.
var allowedMIMETypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
	"text/plain":            true,
}

// StaticEngine fetches pages over plain HTTP without JavaScript execution.
type StaticEngine struct {
	router    *proxy.Router
	sessions  *SessionPool
	userAgent string
	ignoreSSL bool
	logger    *slog.Logger
}

// StaticOptions configures the static engine.
type StaticOptions struct {
	Router *proxy.Router
	// UserAgent overrides the session pool's fingerprint profiles.
	UserAgent string
	IgnoreSSL bool
	Logger    *slog.Logger
}

// NewStaticEngine creates the static engine.
func NewStaticEngine(opts StaticOptions) *StaticEngine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &StaticEngine{
		router:    opts.Router,
		sessions:  NewSessionPool(4, nil),
		userAgent: opts.UserAgent,
		ignoreSSL: opts.IgnoreSSL,
		logger:    opts.Logger,
	}
}

func (e *StaticEngine) Name() models.EngineName { return models.EngineStatic }

// Execute fetches req.URL. Non-2xx responses return a Result with the
// captured body and no error; transport failures rotate the session and
// are mapped into the error taxonomy.
func (e *StaticEngine) Execute(ctx context.Context, req *models.EngineRequest) (*Result, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, &models.CodedError{
			Code:    models.ErrCodeValidation,
			Message: fmt.Sprintf("invalid url %q", req.URL),
			Cause:   err,
		}
	}
	proxyURL, err := e.router.Resolve(target, req.UserData.Options.Proxy)
	if err != nil {
		return nil, err
	}

	sess := e.sessions.Get()
	var lastErr error
	for rotation := 0; ; rotation++ {
		res, status, fetchErr := e.fetchOnce(ctx, req, sess, proxyURL)
		if fetchErr == nil {
			return res, nil
		}
		lastErr = fetchErr
		if pe, ok := fetchErr.(*models.ProxyError); ok && pe.Retryable() {
			e.router.ReportError(target, proxyURL)
		}
		if rotation >= MaxSessionRotations || !e.sessions.ShouldRotate(status) {
			break
		}
		e.logger.Debug("rotating session after fetch error",
			"url", req.URL, "session", sess.ID, "error", fetchErr)
		e.sessions.Retire(sess)
		sess = e.sessions.Get()
	}
	return nil, lastErr
}

func (e *StaticEngine) fetchOnce(ctx context.Context, req *models.EngineRequest, sess *Session, proxyURL string) (*Result, int, error) {
	ua := e.userAgent
	if ua == "" {
		ua = sess.UserAgent
	}
	c := colly.NewCollector(
		colly.UserAgent(ua),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		// Non-2xx responses flow through OnResponse so error pages are
		// still extracted.
		colly.ParseHTTPErrorResponse(),
	)
	c.SetRequestTimeout(ClampTimeout(req.UserData.Options.Timeout))
	transport := &http.Transport{}
	if e.ignoreSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	c.WithTransport(transport)
	if proxyURL != "" {
		if err := c.SetProxy(proxyURL); err != nil {
			return nil, 0, &models.ProxyError{Kind: "PROXY_CONNECTION_FAILED", Message: err.Error()}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	var (
		result   *Result
		status   int
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		result, fetchErr = e.buildResult(r)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = mapFetchError(err)
	})

	if err := c.Visit(req.URL); err != nil && fetchErr == nil && result == nil {
		fetchErr = mapFetchError(err)
	}
	c.Wait()

	if fetchErr != nil {
		return nil, status, fetchErr
	}
	if result == nil {
		return nil, status, &models.CodedError{
			Code:    models.ErrCodeHTTP,
			Message: "no response received",
		}
	}
	return result, status, nil
}

func (e *StaticEngine) buildResult(r *colly.Response) (*Result, error) {
	contentType := ""
	headers := http.Header{}
	if r.Headers != nil {
		headers = *r.Headers
		contentType = headers.Get("Content-Type")
	}
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	if mediaType != "" && !allowedMIMETypes[strings.ToLower(mediaType)] {
		return nil, &models.CodedError{
			Code:    models.ErrCodeHTTP,
			Message: fmt.Sprintf("unsupported content type %q", mediaType),
		}
	}
	return &Result{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Context: &StaticContext{
			Body:        r.Body,
			ContentType: mediaType,
		},
	}, nil
}
