// Package proxy selects an outbound proxy per request via user overrides,
// a rules file, and a tiered fallback list with error-driven tier tracking.
package proxy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Rule maps a URL to a proxy. Exactly one of URL, Pattern, or Domain must
// be set. Precedence at match time: url exact > pattern > domain.
type Rule struct {
	URL     string `json:"url,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Proxy   string `json:"proxy"`
}

type compiledRule struct {
	rule    Rule
	exact   string
	pattern *regexp.Regexp
	domain  *regexp.Regexp
}

// RuleSet holds compiled proxy rules. It is safe for concurrent use and
// supports live reloading from the backing file.
type RuleSet struct {
	mu    sync.RWMutex
	rules []compiledRule

	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// LoadRules reads and compiles a rules file. A malformed file is a
// PROXY_UNAVAILABLE condition for the caller.
func LoadRules(path string, logger *slog.Logger) (*RuleSet, error) {
	rs := &RuleSet{path: path, logger: logger}
	if err := rs.reload(); err != nil {
		return nil, err
	}
	return rs, nil
}

// NewRuleSet builds a rule set directly from rules (used by tests and the
// no-file configuration).
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &RuleSet{rules: compiled}, nil
}

func (rs *RuleSet) reload() error {
	data, err := os.ReadFile(rs.path)
	if err != nil {
		return fmt.Errorf("failed to read proxy rules: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("failed to parse proxy rules: %w", err)
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	rs.rules = compiled
	rs.mu.Unlock()
	return nil
}

// Watch reloads the rules file when it changes on disk. Reload failures
// keep the previous rules.
func (rs *RuleSet) Watch() error {
	if rs.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	if err := watcher.Add(rs.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch proxy rules: %w", err)
	}
	rs.watcher = watcher
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := rs.reload(); err != nil {
					if rs.logger != nil {
						rs.logger.Warn("proxy rules reload failed, keeping previous rules", "error", err)
					}
					continue
				}
				if rs.logger != nil {
					rs.logger.Info("proxy rules reloaded", "path", rs.path)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the file watcher if running.
func (rs *RuleSet) Close() error {
	if rs.watcher != nil {
		return rs.watcher.Close()
	}
	return nil
}

// Match returns the proxy for target, or "" when no rule applies.
// Precedence: exact url > pattern (full URL glob) > domain (hostname glob).
func (rs *RuleSet) Match(target *url.URL) string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	full := strings.ToLower(target.String())
	host := strings.ToLower(target.Hostname())

	for _, r := range rs.rules {
		if r.exact != "" && r.exact == full {
			return r.rule.Proxy
		}
	}
	for _, r := range rs.rules {
		if r.pattern != nil && r.pattern.MatchString(full) {
			return r.rule.Proxy
		}
	}
	for _, r := range rs.rules {
		if r.domain != nil && r.domain.MatchString(host) {
			return r.rule.Proxy
		}
	}
	return ""
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		set := 0
		for _, v := range []string{r.URL, r.Pattern, r.Domain} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return nil, fmt.Errorf("proxy rule %d: exactly one of url, pattern, domain must be set", i)
		}
		if r.Proxy == "" {
			return nil, fmt.Errorf("proxy rule %d: proxy is required", i)
		}
		if _, err := url.Parse(r.Proxy); err != nil {
			return nil, fmt.Errorf("proxy rule %d: invalid proxy url: %w", i, err)
		}

		c := compiledRule{rule: r}
		switch {
		case r.URL != "":
			c.exact = strings.ToLower(r.URL)
		case r.Pattern != "":
			re, err := globToRegexp(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("proxy rule %d: invalid pattern: %w", i, err)
			}
			c.pattern = re
		case r.Domain != "":
			re, err := globToRegexp(r.Domain)
			if err != nil {
				return nil, fmt.Errorf("proxy rule %d: invalid domain: %w", i, err)
			}
			c.domain = re
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// globToRegexp translates a glob with * and ? wildcards into an anchored,
// case-insensitive regexp. All regex metacharacters are escaped.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, ch := range glob {
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
	return regexp.Compile(b.String())
}
