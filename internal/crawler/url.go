package crawler

import (
	"crypto/sha1" //nolint:gosec // used for filenames, not security
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NormalizeURL standardizes a URL to avoid duplicates.
// It defaults the scheme to https, lowercases the scheme and host, removes
// default ports, drops the fragment and trims trailing slashes from the path.
func NormalizeURL(rawURL string) (string, error) {
	rawURL = withScheme(strings.TrimSpace(rawURL))
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}

	// Lowercase scheme and host
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// Remove default ports
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String(), nil
}

// NormalizeOrTrim is NormalizeURL that falls back to the trimmed input when
// rawURL does not parse.
func NormalizeOrTrim(rawURL string) string {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	return normalized
}

// Domain returns the lowercase host of rawURL without a leading "www.".
func Domain(rawURL string) string {
	u, err := url.Parse(withScheme(strings.TrimSpace(rawURL)))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// BaseDomain returns the registrable part of the host, e.g. "cs.mit.edu"
// becomes "mit.edu". IP addresses and single-label hosts are returned as is.
func BaseDomain(rawURL string) string {
	host := Domain(rawURL)
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	keep := 2
	// country-code second-level zones such as ac.uk or edu.au
	if len(labels) >= 3 && len(labels[len(labels)-1]) == 2 {
		switch labels[len(labels)-2] {
		case "ac", "edu", "co", "gov", "org":
			keep = 3
		}
	}
	return strings.Join(labels[len(labels)-keep:], ".")
}

// SameBaseDomain reports whether two URLs belong to the same registrable domain.
func SameBaseDomain(a, b string) bool {
	da := BaseDomain(a)
	return da != "" && da == BaseDomain(b)
}

// ResolveLink resolves href against base and keeps only http(s) results.
func ResolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if base == nil || href == "" {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

// FileNameFor derives a stable, filesystem-safe file name for rawURL.
func FileNameFor(rawURL, ext string) string {
	hash := hashURL(rawURL)[:10]
	u, err := url.Parse(rawURL)
	if err != nil {
		return hash + ext
	}
	stem := strings.TrimSuffix(path.Base(strings.Trim(u.Path, "/")), path.Ext(u.Path))
	if stem == "" || stem == "." {
		stem = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}
	stem = strings.Trim(invalidFilenameChars.ReplaceAllString(stem, "_"), "_")
	if len(stem) > 80 {
		stem = stem[:80]
	}
	if stem == "" {
		return hash + ext
	}
	return fmt.Sprintf("%s_%s%s", stem, hash, ext)
}

// Extension returns the lowercase file extension of the URL path, or fallback.
func Extension(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	last := path.Base(strings.TrimRight(u.Path, "/"))
	if i := strings.LastIndex(last, "."); i > 0 && i < len(last)-1 {
		return strings.ToLower(last[i:])
	}
	return fallback
}

// IsPDF reports whether the URL path names a PDF document.
func IsPDF(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

func withScheme(rawURL string) string {
	lower := strings.ToLower(rawURL)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return rawURL
	case strings.HasPrefix(lower, "//"):
		return "https:" + rawURL
	default:
		return "https://" + rawURL
	}
}

func hashURL(raw string) string {
	sum := sha1.Sum([]byte(raw)) //nolint:gosec // used for filenames, not security
	return hex.EncodeToString(sum[:])
}
