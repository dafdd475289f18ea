package phases

import (
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/metadata"
)

// Summary is the per-school result attached to the ledger after a
// successful run.
type Summary struct {
	Phases           map[string]string     `json:"phases"`
	Discovery        DiscoverySummary      `json:"discovery"`
	FilesDownloaded  []FileRecord          `json:"files_downloaded"`
	FileCount        int                   `json:"file_count"`
	Errors           []metadata.ErrorEntry `json:"errors"`
	RobotsViolations []RobotsViolation     `json:"robots_violations,omitempty"`
}

// DiscoverySummary repeats the URLs found by the discovery phase.
type DiscoverySummary struct {
	CatalogURLs  []string `json:"catalog_urls"`
	FacultyURLs  []string `json:"faculty_urls"`
	SyllabusURLs []string `json:"syllabus_urls"`
}

// FileRecord is one downloaded URL and where it was stored.
type FileRecord struct {
	URL          string    `json:"url"`
	FilePath     string    `json:"filepath"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// RobotsViolation is a downloaded URL that robots.txt disallows.
type RobotsViolation struct {
	URL         string `json:"url"`
	MatchedRule string `json:"matched_rule"`
}

// Summarize builds the results summary from a school's metadata document.
func Summarize(store *metadata.Store) Summary {
	downloads := store.Downloads()
	files := make([]FileRecord, 0, len(downloads))
	for _, u := range downloads {
		d, _ := store.Download(u)
		files = append(files, FileRecord{URL: u, FilePath: d.FilePath, DownloadedAt: d.DownloadedAt})
	}

	var disallow []string
	if info, ok := store.Phase(crawler.PhaseRobots)[KeyRobotsInfo].(map[string]any); ok {
		disallow = stringList(info["disallow_patterns"])
	}

	return Summary{
		Phases: store.PhaseStatuses(),
		Discovery: DiscoverySummary{
			CatalogURLs:  nonNil(discoveredURLs(store, KeyCatalogURLs)),
			FacultyURLs:  nonNil(discoveredURLs(store, KeyFacultyURLs)),
			SyllabusURLs: nonNil(discoveredURLs(store, KeySyllabusURLs)),
		},
		FilesDownloaded:  files,
		FileCount:        len(files),
		Errors:           store.Errors(),
		RobotsViolations: RobotsViolations(downloads, disallow),
	}
}

// RobotsViolations matches each URL's path against the disallow patterns.
// Patterns ending in "*" are globs; others are path prefixes. The first
// matching rule is reported per URL.
func RobotsViolations(urls, patterns []string) []RobotsViolation {
	if len(urls) == 0 || len(patterns) == 0 {
		return nil
	}
	matchers := make([]func(string) bool, 0, len(patterns))
	for _, pattern := range patterns {
		matchers = append(matchers, ruleMatcher(pattern))
	}

	var out []RobotsViolation
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		for i, match := range matchers {
			if match(u.Path) {
				out = append(out, RobotsViolation{URL: raw, MatchedRule: patterns[i]})
				break
			}
		}
	}
	return out
}

func ruleMatcher(pattern string) func(string) bool {
	if strings.HasSuffix(pattern, "*") {
		if g, err := glob.Compile(pattern); err == nil {
			return g.Match
		}
		prefix := strings.TrimRight(pattern, "*")
		return func(p string) bool { return strings.HasPrefix(p, prefix) }
	}
	return func(p string) bool { return strings.HasPrefix(p, pattern) }
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
