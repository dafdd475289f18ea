package phases

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/fsutil"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/worker"
)

// FacultyMember is one person parsed from a directory page.
type FacultyMember struct {
	Name       string `json:"name"`
	Title      string `json:"title"`
	Email      string `json:"email"`
	ProfileURL string `json:"profile_url"`
}

// Card selectors tried in order; the first that matches anything wins.
var facultyCardSelectors = []string{
	"div.faculty-member",
	"div.people-card",
	"div.faculty-card",
	"div.person",
	"div.staff-member",
	"div.faculty",
	"li.faculty-member",
	"li.person",
	"tr.faculty-row",
	"article.person",
	"div.views-row",
}

var (
	nameClassPattern  = regexp.MustCompile(`(?i)name|title`)
	titleClassPattern = regexp.MustCompile(`(?i)title|position|role`)
)

// faculty saves each discovered directory page as HTML and, when members
// can be recognized, a JSON list next to it.
func (h *handlers) faculty(ctx context.Context, entity crawler.Entity, dir string, store *metadata.Store, _ worker.Options) error {
	logger := h.logger.With(zap.String("school", entity.Slug))
	outDir, err := h.categoryDir(dir, "faculty")
	if err != nil {
		return err
	}
	urls := discoveredURLs(store, KeyFacultyURLs)
	if len(urls) == 0 {
		logger.Info("No faculty URLs found")
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
		htmlPath, err := h.saveFacultyPage(ctx, url, outDir, logger)
		if err != nil {
			logger.Warn("Failed to download faculty page", zap.String("url", url), zap.Error(err))
			continue
		}
		if err := recordDownload(store, url, htmlPath); err != nil {
			return err
		}
	}
	return nil
}

func (h *handlers) saveFacultyPage(ctx context.Context, url, outDir string, logger *zap.Logger) (string, error) {
	resp, err := h.client.Get(ctx, url)
	if err != nil {
		return "", err
	}
	htmlPath := filepath.Join(outDir, crawler.FileNameFor(url, ".html"))
	if err := fsutil.WriteFileAtomic(h.fs, htmlPath, resp.Body); err != nil {
		return "", fmt.Errorf("write faculty html: %w", err)
	}

	members, err := parseFacultyPage(resp.Body)
	if err != nil {
		logger.Warn("Faculty parse failed (HTML saved)", zap.String("url", url), zap.Error(err))
		return htmlPath, nil
	}
	if len(members) > 0 {
		jsonPath := filepath.Join(outDir, crawler.FileNameFor(url, ".json"))
		if err := fsutil.WriteJSONAtomic(h.fs, jsonPath, members); err != nil {
			logger.Warn("Faculty JSON write failed (HTML saved)", zap.String("url", url), zap.Error(err))
		}
	}
	return htmlPath, nil
}

// parseFacultyPage is a best-effort parse of a directory page. It tries the
// common card layouts first and falls back to name-like links inside
// faculty containers.
func parseFacultyPage(html []byte) ([]FacultyMember, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse faculty html: %w", err)
	}

	var members []FacultyMember
	for _, selector := range facultyCardSelectors {
		cards := doc.Find(selector)
		if cards.Length() == 0 {
			continue
		}
		cards.Each(func(_ int, card *goquery.Selection) {
			if m, ok := parseFacultyCard(card); ok {
				members = append(members, m)
			}
		})
		break
	}
	if len(members) > 0 {
		return members, nil
	}

	doc.Find("div.faculty, div.people, ul.faculty-list, div#faculty").Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		name := strings.TrimSpace(a.Text())
		if len(strings.Fields(name)) < 2 {
			return
		}
		href, _ := a.Attr("href")
		members = append(members, FacultyMember{Name: name, ProfileURL: href})
	})
	return members, nil
}

func parseFacultyCard(card *goquery.Selection) (FacultyMember, bool) {
	nameTag := card.Find("h2, h3, h4, a, strong, span").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		return nameClassPattern.MatchString(class)
	}).First()
	if nameTag.Length() == 0 {
		nameTag = card.Find("h2, h3, h4").First()
	}
	if nameTag.Length() == 0 {
		return FacultyMember{}, false
	}
	name := strings.TrimSpace(nameTag.Text())
	if len(name) < 2 {
		return FacultyMember{}, false
	}

	member := FacultyMember{Name: name}
	titleTag := card.Find("[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		return titleClassPattern.MatchString(class)
	}).First()
	if titleTag.Length() > 0 && titleTag.Get(0) != nameTag.Get(0) {
		member.Title = strings.TrimSpace(titleTag.Text())
	}
	card.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if strings.HasPrefix(strings.ToLower(href), "mailto:") {
			member.Email = strings.TrimSpace(href[len("mailto:"):])
			return false
		}
		return true
	})
	if href, ok := card.Find("a[href]").First().Attr("href"); ok {
		member.ProfileURL = href
	}
	return member, true
}
