package worker

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jackronrau/anycrawl/internal/service"
)

// ParseGoogleSERP extracts organic results from a Google results page.
// Google ships several markups; this walks every h3 under a link and
// pulls the nearest description block.
func ParseGoogleSERP(html string, page int) []service.SearchResult {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var results []service.SearchResult
	seen := map[string]bool{}

	doc.Find("a:has(h3)").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		target := cleanGoogleHref(href)
		if target == "" || seen[target] {
			return
		}
		title := strings.TrimSpace(a.Find("h3").First().Text())
		if title == "" {
			return
		}
		seen[target] = true
		results = append(results, service.SearchResult{
			Title:       title,
			URL:         target,
			Description: descriptionNear(a),
			Page:        page,
		})
	})
	return results
}

// cleanGoogleHref resolves /url?q= redirect wrappers and drops anything
// that is not an external http(s) link.
func cleanGoogleHref(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "/url?") {
		u, err := url.Parse(href)
		if err != nil {
			return ""
		}
		href = u.Query().Get("q")
		if href == "" {
			href = u.Query().Get("url")
		}
	}
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return ""
	}
	if u, err := url.Parse(href); err != nil || strings.HasSuffix(u.Hostname(), "google.com") {
		return ""
	}
	return href
}

// descriptionNear finds the snippet text for a result link by walking up
// to the result container and collecting its non-title text.
func descriptionNear(a *goquery.Selection) string {
	container := a.Closest("div.g")
	if container.Length() == 0 {
		container = a.ParentsFiltered("div").First()
	}
	if container.Length() == 0 {
		return ""
	}
	snippet := container.Find(".VwiC3b").First()
	if snippet.Length() > 0 {
		return strings.TrimSpace(snippet.Text())
	}
	title := strings.TrimSpace(a.Find("h3").First().Text())
	text := strings.TrimSpace(container.Text())
	text = strings.TrimSpace(strings.TrimPrefix(text, title))
	if len(text) > 300 {
		text = text[:300]
	}
	return text
}
