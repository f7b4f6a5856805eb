package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/proxy"
)

// adDomains is the built-in blocklist applied by both browser engines.
// Requests whose URL contains any of these are aborted before dispatch.
var adDomains = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"google-analytics.com",
	"googletagmanager.com",
	"adservice.google.com",
	"adnxs.com",
	"amazon-adsystem.com",
	"facebook.net",
	"scorecardresearch.com",
	"outbrain.com",
	"taboola.com",
	"criteo.com",
	"pubmatic.com",
	"rubiconproject.com",
}

func isAdURL(raw string) bool {
	lower := strings.ToLower(raw)
	for _, d := range adDomains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

// BrowserEngine renders pages in headless Chrome. Both variants block
// ad-domain requests and cancel HTTP auth challenges so 401 bodies are
// still captured; the stealth variant adds a fingerprint UA profile.
type BrowserEngine struct {
	name      models.EngineName
	stealth   bool
	headless  bool
	ignoreSSL bool
	userAgent string
	router    *proxy.Router
	sessions  *SessionPool
	logger    *slog.Logger
}

// BrowserOptions configures a browser engine.
type BrowserOptions struct {
	Router    *proxy.Router
	Headless  bool
	IgnoreSSL bool
	// UserAgent overrides the fingerprint profiles (plain browser only).
	UserAgent string
	// BlockedStatusCodes never trigger session rotation.
	BlockedStatusCodes []int
	Logger             *slog.Logger
}

// NewBrowserEngine creates the plain headless browser engine.
func NewBrowserEngine(opts BrowserOptions) *BrowserEngine {
	return newBrowserEngine(models.EngineBrowser, false, opts)
}

// NewStealthEngine creates the hardened browser engine.
func NewStealthEngine(opts BrowserOptions) *BrowserEngine {
	return newBrowserEngine(models.EngineStealth, true, opts)
}

func newBrowserEngine(name models.EngineName, stealth bool, opts BrowserOptions) *BrowserEngine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &BrowserEngine{
		name:      name,
		stealth:   stealth,
		headless:  opts.Headless,
		ignoreSSL: opts.IgnoreSSL,
		userAgent: opts.UserAgent,
		router:    opts.Router,
		sessions:  NewSessionPool(4, opts.BlockedStatusCodes),
		logger:    opts.Logger,
	}
}

func (e *BrowserEngine) Name() models.EngineName { return e.name }

// Execute renders req.URL and returns the post-JS document. Non-2xx pages
// return a Result and no error.
func (e *BrowserEngine) Execute(ctx context.Context, req *models.EngineRequest) (*Result, error) {
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
		res, status, fetchErr := e.renderOnce(ctx, req, sess, proxyURL)
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
		e.logger.Debug("rotating browser session",
			"url", req.URL, "session", sess.ID, "error", fetchErr)
		e.sessions.Retire(sess)
		sess = e.sessions.Get()
	}
	return nil, lastErr
}

// interceptionActions enables the CDP domains every render needs: network
// events for the document status and fetch interception for the ad
// blocklist and auth-challenge cancellation.
func interceptionActions() []chromedp.Action {
	return []chromedp.Action{
		network.Enable(),
		fetch.Enable().WithHandleAuthRequests(true),
	}
}

func (e *BrowserEngine) renderOnce(ctx context.Context, req *models.EngineRequest, sess *Session, proxyURL string) (*Result, int, error) {
	ua := e.userAgent
	if e.stealth || ua == "" {
		ua = sess.UserAgent
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", e.headless),
		chromedp.UserAgent(ua),
	)
	if proxyURL != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(proxyURL))
	}
	if e.ignoreSSL {
		allocOpts = append(allocOpts, chromedp.Flag("ignore-certificate-errors", true))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	tctx, cancelTimeout := context.WithTimeout(browserCtx, ClampTimeout(req.UserData.Options.Timeout))
	defer cancelTimeout()

	var mu sync.Mutex
	statusCode := 0
	headers := http.Header{}

	chromedp.ListenTarget(tctx, func(ev any) {
		switch ev := ev.(type) {
		case *network.EventResponseReceived:
			if ev.Type != network.ResourceTypeDocument {
				return
			}
			mu.Lock()
			statusCode = int(ev.Response.Status)
			for k, v := range ev.Response.Headers {
				headers.Set(k, fmt.Sprint(v))
			}
			mu.Unlock()
		case *fetch.EventAuthRequired:
			// Cancel the challenge so the server's 401 page renders.
			go func() {
				exec := cdp.WithExecutor(tctx, chromedp.FromContext(tctx).Target)
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseCancelAuth,
				}
				if err := fetch.ContinueWithAuth(ev.RequestID, resp).Do(exec); err != nil {
					e.logger.Debug("failed to cancel auth challenge", "error", err)
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				exec := cdp.WithExecutor(tctx, chromedp.FromContext(tctx).Target)
				if isAdURL(ev.Request.URL) {
					_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
					return
				}
				_ = fetch.ContinueRequest(ev.RequestID).Do(exec)
			}()
		}
	})

	actions := interceptionActions()
	actions = append(actions, chromedp.Navigate(req.URL))
	if waitFor := req.UserData.Options.WaitFor; waitFor > 0 {
		actions = append(actions, chromedp.Sleep(time.Duration(waitFor)*time.Millisecond))
	}

	var finalURL, html string
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	want, fullPage := wantsScreenshot(req.UserData.Options)
	var shot []byte
	if want {
		actions = append(actions, screenshotAction(&shot, fullPage))
	}

	if err := chromedp.Run(tctx, actions...); err != nil {
		mu.Lock()
		status := statusCode
		mu.Unlock()
		return nil, status, mapBrowserError(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if finalURL == "" {
		finalURL = req.URL
	}
	return &Result{
		URL:        finalURL,
		StatusCode: statusCode,
		Headers:    headers,
		Context: &BrowserContext{
			HTML:       html,
			Screenshot: shot,
			FullPage:   fullPage,
		},
	}, statusCode, nil
}

// screenshotAction captures a JPEG at quality 100, beyond the viewport
// when fullPage is set. A capture failure falls back to the viewport shot
// before giving up.
func screenshotAction(buf *[]byte, fullPage bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		capture := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(100)
		if fullPage {
			capture = capture.WithCaptureBeyondViewport(true)
		}
		b, err := capture.Do(ctx)
		if err != nil && fullPage {
			b, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(100).
				Do(ctx)
		}
		if err != nil {
			return err
		}
		*buf = b
		return nil
	})
}
