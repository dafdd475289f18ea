// Package api hosts the optional read-only HTTP server that runs next to a
// scrape. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for per-status counts from the manifest.
//   - GET /v1/schools/{slug} for one manifest entry.
package api
