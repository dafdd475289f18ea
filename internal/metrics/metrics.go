// Package metrics exposes Prometheus collectors for the scraper.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors owns every metric the scraper records. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	pagesTotal           *prometheus.CounterVec
	bytesTotal           *prometheus.CounterVec
	retriesTotal         *prometheus.CounterVec
	insecureFallbacks    prometheus.Counter
	rateLimitDelays      *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDurations *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		pagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_fetch_retries_total",
				Help: "Total number of fetch retries, labeled by site.",
			},
			[]string{"site"},
		),
		insecureFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_insecure_tls_fallback_total",
				Help: "Total requests retried without certificate verification.",
			},
		),
		rateLimitDelays: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10, 30},
			},
			[]string{"domain"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
	for _, collector := range []prometheus.Collector{
		c.pagesTotal,
		c.bytesTotal,
		c.retriesTotal,
		c.insecureFallbacks,
		c.rateLimitDelays,
		c.httpRequestsTotal,
		c.httpRequestDurations,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return c, nil
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveFetch counts a fetched page and its size.
func (c *Collectors) ObserveFetch(site string, status string, bytesFetched int64) {
	if c == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	c.pagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		c.bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRetry counts one retried fetch.
func (c *Collectors) ObserveRetry(site string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveInsecureFallback counts a request repeated without TLS verification.
func (c *Collectors) ObserveInsecureFallback() {
	if c == nil {
		return
	}
	c.insecureFallbacks.Inc()
}

// ObserveDelay records the duration of a rate limit wait.
func (c *Collectors) ObserveDelay(domain string, duration time.Duration) {
	if c == nil {
		return
	}
	c.rateLimitDelays.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDurations.WithLabelValues(method, route).Observe(duration.Seconds())
}
