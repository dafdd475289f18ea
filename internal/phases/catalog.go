package phases

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/fetcher/headless"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/worker"
)

type catalogItem struct {
	url   string
	depth int
}

// catalog downloads PDF catalogs and renders HTML catalog pages to PDF,
// following catalog and course links from HTML seeds breadth-first.
func (h *handlers) catalog(ctx context.Context, entity crawler.Entity, dir string, store *metadata.Store, opts worker.Options) error {
	logger := h.logger.With(zap.String("school", entity.Slug))
	outDir, err := h.categoryDir(dir, "catalog")
	if err != nil {
		return err
	}
	seeds := discoveredURLs(store, KeyCatalogURLs)
	if len(seeds) == 0 {
		logger.Info("No catalog URLs found")
		return nil
	}

	maxDepth := intOption(opts, OptCatalogFollowDepth, defaultCatalogFollowDepth)
	maxFollowed := intOption(opts, OptCatalogMaxFollowed, defaultCatalogMaxFollowed)
	siteURL := entity.Attr("url")

	queue := make([]catalogItem, 0, len(seeds))
	for _, seed := range seeds {
		queue = append(queue, catalogItem{url: seed})
	}
	processed := make(map[string]struct{})
	followed := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := queue[0]
		queue = queue[1:]

		normalized := crawler.NormalizeOrTrim(item.url)
		if _, seen := processed[normalized]; seen {
			continue
		}
		processed[normalized] = struct{}{}
		if store.IsDownloaded(item.url) {
			logger.Debug("Skipping already downloaded URL", zap.String("url", item.url))
			continue
		}

		follow := item.depth < maxDepth && followed < maxFollowed
		path, html, err := h.fetchCatalog(ctx, item.url, outDir, follow)
		if err != nil {
			logger.Warn("Failed to download catalog", zap.String("url", item.url), zap.Error(err))
			continue
		}
		if path != "" {
			if err := recordDownload(store, item.url, path); err != nil {
				return err
			}
			logger.Info("Downloaded catalog",
				zap.String("url", item.url),
				zap.String("path", path),
				zap.Int("depth", item.depth),
			)
		}

		if html == nil || !follow {
			continue
		}
		for _, next := range catalogLinks(html, item.url, siteURL) {
			if _, seen := processed[next]; seen {
				continue
			}
			queue = append(queue, catalogItem{url: next, depth: item.depth + 1})
			followed++
			if followed >= maxFollowed {
				break
			}
		}
	}
	return nil
}

// fetchCatalog stores one catalog URL. PDFs are downloaded directly; HTML
// pages are rendered to PDF and, when follow is set, also fetched so their
// links can be extracted. The returned path is empty when nothing was stored.
func (h *handlers) fetchCatalog(ctx context.Context, url, outDir string, follow bool) (string, []byte, error) {
	dest := filepath.Join(outDir, crawler.FileNameFor(url, ".pdf"))
	if crawler.IsPDF(url) {
		if _, err := h.client.Download(ctx, url, dest); err != nil {
			return "", nil, err
		}
		return dest, nil, nil
	}

	var html []byte
	if follow {
		// Link extraction is best effort.
		if resp, err := h.client.Get(ctx, url); err == nil {
			html = resp.Body
		}
	}
	if h.renderer == nil {
		h.logger.Warn("No renderer available, skipping HTML catalog", zap.String("url", url))
		return "", html, nil
	}
	if _, err := h.renderer.RenderPDF(ctx, url, dest); err != nil {
		if errors.Is(err, headless.ErrNotConfigured) {
			h.logger.Warn("No renderer available, skipping HTML catalog", zap.String("url", url))
			return "", html, nil
		}
		return "", html, err
	}
	return dest, html, nil
}

// catalogLinks returns same-site links from html that look like catalog or
// course pages, normalized and deduplicated.
func catalogLinks(html []byte, pageURL, siteURL string) []string {
	links, err := extractLinks(html, pageURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, l := range links {
		normalized, err := crawler.NormalizeURL(l.URL)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		if !crawler.SameBaseDomain(siteURL, normalized) {
			continue
		}
		switch crawler.Classify(normalized, l.Text, "") {
		case crawler.CategoryCatalog, crawler.CategoryCourse:
			out = append(out, normalized)
		}
	}
	return out
}
