// Package source loads the schools to scrape from IPEDS CSV downloads.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/jszwec/csvutil"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/salevine/scrape-edu/internal/crawler"
)

const (
	csCIPPrefix = "11."
	dsCIPCode   = "30.7001"
)

var (
	hdPattern = glob.MustCompile("hd*.csv")
	cPattern  = glob.MustCompile("c*_a.csv")
)

// hdRow is one row of the institutional characteristics file.
type hdRow struct {
	UnitID  string `csv:"UNITID"`
	Name    string `csv:"INSTNM"`
	WebAddr string `csv:"WEBADDR"`
	City    string `csv:"CITY"`
	State   string `csv:"STABBR"`
	ICLevel string `csv:"ICLEVEL"`
}

// completionRow is one row of the completions file.
type completionRow struct {
	UnitID  string `csv:"UNITID"`
	CIPCode string `csv:"CIPCODE"`
}

// Option customizes the loader.
type Option func(*loader)

// WithFs sets the filesystem the CSVs are read from.
func WithFs(fsys afero.Fs) Option {
	return func(l *loader) {
		if fsys != nil {
			l.fs = fsys
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

type loader struct {
	fs     afero.Fs
	logger *zap.Logger
}

// LoadSchools reads the newest hd*.csv and c*_a.csv in dir and returns the
// four-year institutions with computer science or data science completions,
// sorted by name. Missing files produce an error wrapping fs.ErrNotExist.
func LoadSchools(dir string, opts ...Option) ([]crawler.School, error) {
	l := &loader{fs: afero.NewOsFs(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}

	if ok, err := afero.DirExists(l.fs, dir); err != nil || !ok {
		return nil, fmt.Errorf("ipeds directory %s: %w", dir, fs.ErrNotExist)
	}
	hdPath, err := l.findCSV(dir, hdPattern, "institutional characteristics (HD)")
	if err != nil {
		return nil, err
	}
	cPath, err := l.findCSV(dir, cPattern, "completions (C)")
	if err != nil {
		return nil, err
	}
	l.logger.Info("loading IPEDS files", zap.String("hd", filepath.Base(hdPath)), zap.String("c", filepath.Base(cPath)))

	var completions []completionRow
	if err := l.decode(cPath, &completions); err != nil {
		return nil, err
	}
	programs := make(map[string]struct{})
	for _, row := range completions {
		cip := strings.TrimSpace(row.CIPCode)
		if strings.HasPrefix(cip, csCIPPrefix) || cip == dsCIPCode {
			programs[strings.TrimSpace(row.UnitID)] = struct{}{}
		}
	}
	l.logger.Info("institutions with CS/DS completions", zap.Int("count", len(programs)))

	var institutions []hdRow
	if err := l.decode(hdPath, &institutions); err != nil {
		return nil, err
	}

	schools := make([]crawler.School, 0, len(programs))
	for _, row := range institutions {
		if level, err := strconv.Atoi(strings.TrimSpace(row.ICLevel)); err != nil || level != 1 {
			continue
		}
		id := strings.TrimSpace(row.UnitID)
		if _, ok := programs[id]; !ok {
			continue
		}
		unitID, err := strconv.Atoi(id)
		if err != nil {
			l.logger.Warn("skipping row with invalid UNITID", zap.String("unitid", id), zap.Error(err))
			continue
		}
		schools = append(schools, crawler.NewSchool(
			unitID,
			strings.TrimSpace(row.Name),
			websiteURL(row.WebAddr),
			strings.TrimSpace(row.City),
			strings.TrimSpace(row.State),
		))
	}
	sort.SliceStable(schools, func(i, j int) bool {
		return strings.ToLower(schools[i].Name) < strings.ToLower(schools[j].Name)
	})
	l.logger.Info("loaded schools", zap.Int("count", len(schools)))
	return schools, nil
}

// findCSV picks the most recently modified file in dir whose lowercase name
// matches pattern.
func (l *loader) findCSV(dir string, pattern glob.Glob, description string) (string, error) {
	entries, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		return "", fmt.Errorf("read ipeds directory: %w", err)
	}
	var matches []os.FileInfo
	for _, entry := range entries {
		if entry.IsDir() || !pattern.Match(strings.ToLower(entry.Name())) {
			continue
		}
		matches = append(matches, entry)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no %s CSV in %s: %w", description, dir, fs.ErrNotExist)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].ModTime().After(matches[j].ModTime())
	})
	if len(matches) > 1 {
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.Name())
		}
		l.logger.Warn("multiple IPEDS files match", zap.Strings("files", names), zap.String("using", matches[0].Name()))
	}
	return filepath.Join(dir, matches[0].Name()), nil
}

// decode reads a latin-1 CSV into out. Header names are matched
// case-insensitively and unknown columns are ignored.
func (l *loader) decode(path string, out any) error {
	f, err := l.fs.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // read-only
	}()

	r := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s is empty", path)
		}
		return fmt.Errorf("read header of %s: %w", path, err)
	}
	for i, name := range header {
		header[i] = strings.ToUpper(strings.TrimSpace(stripBOM(name)))
	}

	dec, err := csvutil.NewDecoder(r, header...)
	if err != nil {
		return fmt.Errorf("decoder for %s: %w", path, err)
	}
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// stripBOM removes a UTF-8 byte order mark, which shows up as "ï»¿" once the
// file has been decoded as latin-1.
func stripBOM(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.TrimPrefix(s, "\u00ef\u00bb\u00bf")
}

func websiteURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return ""
	}
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return url
	}
	return "http://" + url
}
