package phases

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/worker"
)

// Discovery phase fields consumed by the download phases.
const (
	KeyCatalogURLs     = "catalog_urls"
	KeyFacultyURLs     = "faculty_urls"
	KeySyllabusURLs    = "syllabus_urls"
	KeyDiscoveryMethod = "discovery_method"
)

// Discovery methods.
const (
	MethodBFS      = "bfs"
	MethodProbeBFS = "probe+bfs"
)

type discovered struct {
	catalog  []string
	faculty  []string
	syllabus []string
	method   string
}

// discovery probes the catalog subdomain and then crawls the homepage,
// classifying every page it reaches. Faculty pages only come from the crawl,
// so it always runs.
func (h *handlers) discovery(ctx context.Context, entity crawler.Entity, _ string, store *metadata.Store, opts worker.Options) error {
	siteURL := entity.Attr("url")
	if siteURL == "" {
		return fmt.Errorf("school %s has no url", entity.Slug)
	}
	logger := h.logger.With(zap.String("school", entity.Slug))
	found := discovered{method: MethodBFS}

	if probe, ok := h.probeCatalog(ctx, siteURL); ok {
		found.catalog = append(found.catalog, probe)
		found.method = MethodProbeBFS
		logger.Info("Catalog subdomain probe succeeded", zap.String("url", probe))
	}

	logger.Info("running BFS crawl", zap.Int("catalog_count", len(found.catalog)))
	pages, err := h.crawler.Crawl(ctx, siteURL,
		intOption(opts, OptMaxPages, 0),
		intOption(opts, OptMaxDepth, 0),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("crawl %s: %w", siteURL, err)
		}
		logger.Warn("BFS crawl ended early", zap.Error(err))
	}
	for _, page := range pages {
		switch page.Category {
		case crawler.CategoryCatalog:
			found.catalog = append(found.catalog, page.URL)
		case crawler.CategoryFaculty:
			found.faculty = append(found.faculty, page.URL)
		case crawler.CategorySyllabus:
			found.syllabus = append(found.syllabus, page.URL)
		}
	}

	catalog, faculty, syllabus := dedupe(found.catalog), dedupe(found.faculty), dedupe(found.syllabus)
	store.SetPhaseFields(crawler.PhaseDiscovery, map[string]any{
		KeyCatalogURLs:     catalog,
		KeyFacultyURLs:     faculty,
		KeySyllabusURLs:    syllabus,
		KeyDiscoveryMethod: found.method,
	})
	logger.Info("discovery complete",
		zap.Int("catalog_urls", len(catalog)),
		zap.Int("faculty_urls", len(faculty)),
		zap.Int("syllabus_urls", len(syllabus)),
		zap.String("method", found.method),
	)
	return nil
}

// probeCatalog checks whether https://catalog.<base domain>/ answers.
func (h *handlers) probeCatalog(ctx context.Context, siteURL string) (string, bool) {
	base := crawler.BaseDomain(siteURL)
	if base == "" {
		return "", false
	}
	probe := "https://catalog." + base + "/"
	if _, err := h.client.Get(ctx, probe); err != nil {
		h.logger.Debug("Catalog subdomain probe failed", zap.String("url", probe), zap.Error(err))
		return "", false
	}
	return probe, true
}
