// Package collyfetcher implements the breadth-first homepage crawl using
// gocolly. Each page is fetched synchronously through its own collector so
// the crawl order, depth and page budget stay under our control.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/fetcher"
	"github.com/salevine/scrape-edu/internal/metrics"
	"github.com/salevine/scrape-edu/internal/policy/ratelimit"
)

const (
	defaultMaxPages = 50
	defaultMaxDepth = 3
	defaultTimeout  = 30 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxPages  int
	MaxDepth  int
}

// Page is one crawled and classified page.
type Page struct {
	URL      string           `json:"url"`
	Title    string           `json:"title"`
	Category crawler.Category `json:"category"`
	Depth    int              `json:"depth"`
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Crawler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records per-page fetch metrics.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Crawler) {
		c.metrics = m
	}
}

// WithTransport replaces the base HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Crawler) {
		if rt != nil {
			c.transport = rt
		}
	}
}

// Crawler explores a site breadth-first from its homepage.
type Crawler struct {
	cfg       Config
	limiter   fetcher.Waiter
	transport http.RoundTripper
	metrics   *metrics.Collectors
	logger    *zap.Logger
}

// New builds a Crawler. limiter may be nil to disable pacing.
func New(cfg Config, limiter fetcher.Waiter, opts ...Option) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = fetcher.DefaultUserAgent
	}
	c := &Crawler{
		cfg:     cfg,
		limiter: limiter,
		transport: fetcher.NewTransport(fetcher.Config{
			ConnectTimeout: cfg.Timeout,
			ReadTimeout:    cfg.Timeout,
		}, false),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newCollector builds a synchronous collector whose requests are paced by
// the limiter and abandoned once ctx ends. Collectors are not reused because
// clones share their HTTP backend.
func (c *Crawler) newCollector(ctx context.Context) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.UserAgent(c.cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(&limitedTransport{ctx: ctx, base: c.transport, limiter: c.limiter})
	return collector
}

type queued struct {
	url   string
	depth int
}

// Crawl visits pages reachable from startURL on the same base domain, in
// breadth-first order, until maxPages pages were fetched or the frontier is
// exhausted. Non-positive limits fall back to the configured ones. Per-page
// failures are logged and skipped.
func (c *Crawler) Crawl(ctx context.Context, startURL string, maxPages, maxDepth int) ([]Page, error) {
	if maxPages <= 0 {
		maxPages = c.cfg.MaxPages
	}
	if maxDepth <= 0 {
		maxDepth = c.cfg.MaxDepth
	}
	start, err := crawler.NormalizeURL(startURL)
	if err != nil {
		return nil, fmt.Errorf("normalize start url: %w", err)
	}
	baseDomain := crawler.BaseDomain(start)

	visited := map[string]struct{}{start: {}}
	frontier := []queued{{url: start, depth: 0}}
	results := make([]Page, 0, maxPages)

	for len(frontier) > 0 && len(results) < maxPages {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("crawl canceled: %w", err)
		}
		next := frontier[0]
		frontier = frontier[1:]

		page, links, err := c.fetch(ctx, next.url)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return results, err
			}
			c.logger.Warn("crawl error", zap.String("url", next.url), zap.Error(err))
			continue
		}
		page.Depth = next.depth
		page.Category = crawler.Classify(page.URL, page.Title, "")
		results = append(results, page)
		c.logger.Debug("crawled page",
			zap.String("url", page.URL),
			zap.Int("depth", next.depth),
			zap.String("category", string(page.Category)),
			zap.Int("pages_so_far", len(results)),
		)

		if next.depth >= maxDepth {
			continue
		}
		for _, link := range links {
			normalized, err := crawler.NormalizeURL(link)
			if err != nil {
				continue
			}
			if _, seen := visited[normalized]; seen {
				continue
			}
			if crawler.BaseDomain(normalized) != baseDomain {
				continue
			}
			visited[normalized] = struct{}{}
			frontier = append(frontier, queued{url: normalized, depth: next.depth + 1})
		}
	}
	c.logger.Info("BFS crawl complete", zap.String("start_url", startURL), zap.Int("pages_found", len(results)))
	return results, nil
}

// fetch loads one page and returns its title and absolute http(s) links.
func (c *Crawler) fetch(ctx context.Context, pageURL string) (Page, []string, error) {
	var (
		page     = Page{URL: pageURL}
		links    []string
		fetchErr error
	)
	collector := c.newCollector(ctx)

	collector.OnResponse(func(r *colly.Response) {
		c.metrics.ObserveFetch(pageURL, strconv.Itoa(r.StatusCode), int64(len(r.Body)))
	})
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		page.Title = strings.TrimSpace(e.DOM.Find("title").First().Text())
		e.DOM.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			abs := e.Request.AbsoluteURL(href)
			if strings.HasPrefix(abs, "http://") || strings.HasPrefix(abs, "https://") {
				links = append(links, abs)
			}
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = fmt.Errorf("status %d: %w", status, err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return Page{}, nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Page{}, nil, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return Page{}, nil, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return page, links, nil
	}
}

// limitedTransport paces every request, redirects included, through the
// shared per-domain limiter.
type limitedTransport struct {
	ctx     context.Context
	base    http.RoundTripper
	limiter fetcher.Waiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("limited transport received nil request")
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(t.ctx, ratelimit.DomainOf(req.URL.String())); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("limited transport roundtrip: %w", err)
	}
	return resp, nil
}
