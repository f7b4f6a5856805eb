package proxy

import (
	"fmt"
	"net/url"

	"log/slog"

	"github.com/jackronrau/anycrawl/internal/models"
)

// Router resolves the proxy for an outbound request. Precedence:
//  1. a per-request proxy supplied by the caller
//  2. the configured rules file
//  3. the tiered fallback list
//
// A nil Router, or a Router with nothing configured, resolves to no proxy.
type Router struct {
	rules  *RuleSet
	tiers  *TierTracker
	logger *slog.Logger
}

// Options configures a Router.
type Options struct {
	// RulesPath is the JSON rules file; empty disables rule matching.
	RulesPath string
	// Tiers is the ordered fallback proxy list; empty disables tiers.
	Tiers  []string
	Logger *slog.Logger
}

// NewRouter builds a Router. A malformed rules file fails with
// PROXY_UNAVAILABLE.
func NewRouter(opts Options) (*Router, error) {
	r := &Router{logger: opts.Logger}
	if opts.RulesPath != "" {
		rules, err := LoadRules(opts.RulesPath, opts.Logger)
		if err != nil {
			return nil, &models.CodedError{
				Code:    models.ErrCodeProxyUnavailable,
				Message: "proxy rules unavailable",
				Cause:   err,
			}
		}
		if err := rules.Watch(); err != nil {
			rules.Close()
			return nil, &models.CodedError{
				Code:    models.ErrCodeProxyUnavailable,
				Message: "proxy rules unavailable",
				Cause:   err,
			}
		}
		r.rules = rules
	}
	if len(opts.Tiers) > 0 {
		r.tiers = NewTierTracker(opts.Tiers)
	}
	return r, nil
}

// Resolve returns the proxy URL for target, or "" for a direct connection.
// requestProxy, when non-empty, wins over rules and tiers but must be a
// valid absolute URL.
func (r *Router) Resolve(target *url.URL, requestProxy string) (string, error) {
	if requestProxy != "" {
		u, err := url.Parse(requestProxy)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", &models.CodedError{
				Code:    models.ErrCodeValidation,
				Message: fmt.Sprintf("invalid proxy url %q", requestProxy),
			}
		}
		return requestProxy, nil
	}
	if r == nil {
		return "", nil
	}
	if r.rules != nil {
		if p := r.rules.Match(target); p != "" {
			return p, nil
		}
	}
	if r.tiers != nil {
		return r.tiers.Pick(target.Hostname()), nil
	}
	return "", nil
}

// ReportError feeds a proxy failure back into the tier tracker so the
// hostname migrates away from the failing tier.
func (r *Router) ReportError(target *url.URL, proxyURL string) {
	if r == nil || r.tiers == nil || proxyURL == "" {
		return
	}
	r.tiers.ReportError(target.Hostname(), proxyURL)
}

// Tiers exposes the tracker for callers that pin tiers per session.
func (r *Router) Tiers() *TierTracker {
	if r == nil {
		return nil
	}
	return r.tiers
}

// Close releases the rules watcher.
func (r *Router) Close() error {
	if r == nil || r.rules == nil {
		return nil
	}
	return r.rules.Close()
}
