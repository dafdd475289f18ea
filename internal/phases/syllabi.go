package phases

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/worker"
)

var syllabusKeywords = []string{"syllabus", "syllabi", "course outline", "course-outline"}

// syllabi downloads syllabus files found by discovery plus any syllabus
// links on the saved faculty pages.
func (h *handlers) syllabi(ctx context.Context, entity crawler.Entity, dir string, store *metadata.Store, _ worker.Options) error {
	logger := h.logger.With(zap.String("school", entity.Slug))
	outDir, err := h.categoryDir(dir, "syllabi")
	if err != nil {
		return err
	}
	urls := discoveredURLs(store, KeySyllabusURLs)
	urls = append(urls, h.facultySyllabusLinks(filepath.Join(dir, "faculty"), entity.Attr("url"))...)
	urls = dedupe(urls)
	if len(urls) == 0 {
		logger.Info("No syllabus URLs found")
		return nil
	}

	for _, url := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if store.IsDownloaded(url) {
			logger.Debug("Skipping already downloaded URL", zap.String("url", url))
			continue
		}
		dest := filepath.Join(outDir, crawler.FileNameFor(url, crawler.Extension(url, ".pdf")))
		if _, err := h.client.Download(ctx, url, dest); err != nil {
			logger.Warn("Failed to download syllabus", zap.String("url", url), zap.Error(err))
			continue
		}
		if err := recordDownload(store, url, dest); err != nil {
			return err
		}
		logger.Info("Downloaded syllabus", zap.String("url", url))
	}
	return nil
}

// facultySyllabusLinks scans saved faculty HTML for syllabus links. Relative
// links resolve against the school's homepage.
func (h *handlers) facultySyllabusLinks(facultyDir, siteURL string) []string {
	files, err := afero.Glob(h.fs, filepath.Join(facultyDir, "*.html"))
	if err != nil || len(files) == 0 {
		return nil
	}
	sort.Strings(files)
	var out []string
	for _, file := range files {
		html, err := afero.ReadFile(h.fs, file)
		if err != nil {
			h.logger.Debug("Error scanning faculty HTML", zap.String("file", file), zap.Error(err))
			continue
		}
		out = append(out, syllabusLinks(html, siteURL)...)
	}
	return out
}

func syllabusLinks(html []byte, baseURL string) []string {
	links, err := extractLinks(html, crawler.NormalizeOrTrim(baseURL)+"/")
	if err != nil {
		return nil
	}
	var out []string
	for _, l := range links {
		if containsAny(strings.ToLower(l.Text), syllabusKeywords) || containsAny(strings.ToLower(l.URL), syllabusKeywords) {
			out = append(out, l.URL)
		}
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
