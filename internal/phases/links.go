package phases

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/salevine/scrape-edu/internal/crawler"
)

// link is an absolute anchor target with its visible text.
type link struct {
	URL  string
	Text string
}

// extractLinks parses html and resolves every anchor against pageURL,
// keeping http(s) targets only.
func extractLinks(html []byte, pageURL string) ([]link, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	var links []link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, ok := crawler.ResolveLink(base, href)
		if !ok {
			return
		}
		links = append(links, link{URL: abs, Text: strings.TrimSpace(s.Text())})
	})
	return links, nil
}
