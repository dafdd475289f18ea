// Package phases implements the per-school pipeline steps: robots.txt
// inspection, page discovery and the catalog, faculty and syllabus
// downloads. Handlers read and write the school's metadata document; the
// worker persists it after each phase.
package phases

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/fetcher"
	collyfetcher "github.com/salevine/scrape-edu/internal/fetcher/colly"
	"github.com/salevine/scrape-edu/internal/fetcher/headless"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/worker"
)

// Option keys read from worker.Options.
const (
	OptMaxPages           = "max_pages"
	OptMaxDepth           = "max_depth"
	OptCatalogFollowDepth = "catalog_follow_depth"
	OptCatalogMaxFollowed = "catalog_max_followed"
)

const (
	defaultCatalogFollowDepth = 1
	defaultCatalogMaxFollowed = 20
	dirPerm                   = 0o750
)

// Fetcher is the HTTP collaborator. *fetcher.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, url string) (*fetcher.Response, error)
	Download(ctx context.Context, url, dest string) (int64, error)
}

// SiteCrawler explores a school site breadth-first.
// *collyfetcher.Crawler satisfies it.
type SiteCrawler interface {
	Crawl(ctx context.Context, startURL string, maxPages, maxDepth int) ([]collyfetcher.Page, error)
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Client   Fetcher
	Crawler  SiteCrawler
	Renderer headless.Renderer // optional; HTML catalogs are skipped without it
	Fs       afero.Fs
	Logger   *zap.Logger
}

type handlers struct {
	client   Fetcher
	crawler  SiteCrawler
	renderer headless.Renderer
	fs       afero.Fs
	logger   *zap.Logger
}

// Build returns the handler for every pipeline phase.
func Build(deps Deps) worker.Handlers {
	h := &handlers{
		client:   deps.Client,
		crawler:  deps.Crawler,
		renderer: deps.Renderer,
		fs:       deps.Fs,
		logger:   deps.Logger,
	}
	if h.fs == nil {
		h.fs = afero.NewOsFs()
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return worker.Handlers{
		crawler.PhaseRobots:    h.robots,
		crawler.PhaseDiscovery: h.discovery,
		crawler.PhaseCatalog:   h.catalog,
		crawler.PhaseFaculty:   h.faculty,
		crawler.PhaseSyllabi:   h.syllabi,
	}
}

// categoryDir creates and returns <dir>/<name>.
func (h *handlers) categoryDir(dir, name string) (string, error) {
	out := filepath.Join(dir, name)
	if err := h.fs.MkdirAll(out, dirPerm); err != nil {
		return "", fmt.Errorf("create %s directory: %w", name, err)
	}
	return out, nil
}

// recordDownload marks url as fetched and persists the document so progress
// survives a crash in the middle of a phase.
func recordDownload(store *metadata.Store, url, path string) error {
	store.MarkDownloaded(url, path)
	if err := store.Save(); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// discoveredURLs returns the list stored under key by the discovery phase.
func discoveredURLs(store *metadata.Store, key string) []string {
	return stringList(store.Phase(crawler.PhaseDiscovery)[key])
}

// stringList accepts both freshly set []string values and the []any form
// produced by decoding a persisted document.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intOption(opts worker.Options, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
