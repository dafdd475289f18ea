package phases

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/worker"
)

// KeyRobotsInfo is the robots phase field holding the parsed robots.txt.
const KeyRobotsInfo = "robots_info"

// RobotsInfo summarizes a site's robots.txt. It is informational only; the
// pipeline does not enforce it.
type RobotsInfo struct {
	URL              string   `json:"url"`
	Exists           bool     `json:"exists"`
	DisallowPatterns []string `json:"disallow_patterns"`
	CrawlDelay       *float64 `json:"crawl_delay"`
	Sitemaps         []string `json:"sitemaps"`
}

// robots fetches <site>/robots.txt and records what it says. A missing or
// unparsable file is not an error.
func (h *handlers) robots(ctx context.Context, entity crawler.Entity, _ string, store *metadata.Store, _ worker.Options) error {
	info := h.checkRobots(ctx, entity.Attr("url"))
	store.SetPhaseFields(crawler.PhaseRobots, map[string]any{KeyRobotsInfo: info.fields()})
	return nil
}

func (h *handlers) checkRobots(ctx context.Context, siteURL string) RobotsInfo {
	info := RobotsInfo{
		URL:              robotsURL(siteURL),
		DisallowPatterns: []string{},
		Sitemaps:         []string{},
	}
	resp, err := h.client.Get(ctx, info.URL)
	if err != nil {
		h.logger.Info("No robots.txt", zap.String("url", info.URL), zap.Error(err))
		return info
	}
	info.Exists = true
	info.DisallowPatterns = disallowPatterns(resp.Body)

	data, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		h.logger.Warn("robots.txt parse failed", zap.String("url", info.URL), zap.Error(err))
	} else {
		if data.Sitemaps != nil {
			info.Sitemaps = append(info.Sitemaps, data.Sitemaps...)
		}
		if group := data.FindGroup("*"); group != nil && group.CrawlDelay > 0 {
			seconds := group.CrawlDelay.Seconds()
			info.CrawlDelay = &seconds
		}
	}
	h.logger.Info("robots.txt found",
		zap.String("url", info.URL),
		zap.Int("disallow_count", len(info.DisallowPatterns)),
		zap.Int("sitemap_count", len(info.Sitemaps)),
	)
	return info
}

// fields converts the info into the generic form stored in metadata.
func (r RobotsInfo) fields() map[string]any {
	out := map[string]any{
		"url":               r.URL,
		"exists":            r.Exists,
		"disallow_patterns": r.DisallowPatterns,
		"crawl_delay":       nil,
		"sitemaps":          r.Sitemaps,
	}
	if r.CrawlDelay != nil {
		out["crawl_delay"] = *r.CrawlDelay
	}
	return out
}

func robotsURL(siteURL string) string {
	return strings.TrimRight(crawler.NormalizeOrTrim(siteURL), "/") + "/robots.txt"
}

// disallowPatterns lists every non-empty Disallow value regardless of the
// user-agent group it belongs to.
func disallowPatterns(body []byte) []string {
	patterns := []string{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		key, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "disallow") {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			patterns = append(patterns, value)
		}
	}
	return patterns
}
