// Package metadata keeps the per-entity record of phase progress, errors, and
// downloaded URLs. A Store is owned by exactly one worker at a time and has no
// internal locking; Save still writes atomically because other tools may read
// the file while a run is in flight.
package metadata

import (
	"maps"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/clock/system"
	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/fsutil"
)

// FileName is the document name inside each entity directory.
const FileName = "metadata.json"

// Reserved keys inside a phase entry.
const (
	KeyStatus    = "status"
	KeyUpdatedAt = "updated_at"
)

// ErrorEntry is one element of the append-only error log.
type ErrorEntry struct {
	Phase     string    `json:"phase"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Download records where a fetched URL was stored.
type Download struct {
	FilePath     string    `json:"filepath"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Document is the persisted per-entity record.
type Document struct {
	Phases         map[string]map[string]any `json:"phases"`
	Errors         []ErrorEntry              `json:"errors"`
	DownloadedURLs map[string]Download       `json:"downloaded_urls"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock crawler.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithFs sets the filesystem.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		if fs != nil {
			s.fs = fs
		}
	}
}

// Store wraps one entity's metadata document.
type Store struct {
	dir    string
	path   string
	doc    Document
	fs     afero.Fs
	clock  crawler.Clock
	logger *zap.Logger
}

// Load reads dir/metadata.json or starts a fresh document. A missing,
// unreadable or malformed file is never fatal.
func Load(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		path:   filepath.Join(dir, FileName),
		fs:     afero.NewOsFs(),
		clock:  system.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var doc Document
	found, err := fsutil.ReadJSON(s.fs, s.path, &doc)
	if err != nil {
		s.logger.Warn("discarding unreadable metadata", zap.String("path", s.path), zap.Error(err))
		doc = Document{}
		found = false
	}
	if !found || doc.CreatedAt.IsZero() {
		now := s.clock.Now()
		doc.CreatedAt = now
		doc.UpdatedAt = now
	}
	if doc.Phases == nil {
		doc.Phases = make(map[string]map[string]any)
	}
	if doc.DownloadedURLs == nil {
		doc.DownloadedURLs = make(map[string]Download)
	}
	if doc.Errors == nil {
		doc.Errors = []ErrorEntry{}
	}
	s.doc = doc
	return s
}

// Dir returns the entity directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// SetPhaseStatus upserts the phase entry. Extra fields are merged into the
// existing entry; status and updated_at always reflect this call.
func (s *Store) SetPhaseStatus(phase crawler.Phase, status crawler.PhaseStatus, extra map[string]any) {
	entry := s.entry(phase)
	maps.Copy(entry, extra)
	entry[KeyStatus] = string(status)
	entry[KeyUpdatedAt] = s.clock.Now().Format(time.RFC3339Nano)
	s.touch()
}

// SetPhaseFields merges fields into the phase entry without changing its status.
func (s *Store) SetPhaseFields(phase crawler.Phase, fields map[string]any) {
	entry := s.entry(phase)
	for k, v := range fields {
		if k == KeyStatus || k == KeyUpdatedAt {
			continue
		}
		entry[k] = v
	}
	s.touch()
}

func (s *Store) entry(phase crawler.Phase) map[string]any {
	entry, ok := s.doc.Phases[string(phase)]
	if !ok || entry == nil {
		entry = make(map[string]any)
		s.doc.Phases[string(phase)] = entry
	}
	return entry
}

// PhaseStatus returns the recorded status of phase, if any.
func (s *Store) PhaseStatus(phase crawler.Phase) (crawler.PhaseStatus, bool) {
	entry, ok := s.doc.Phases[string(phase)]
	if !ok {
		return "", false
	}
	raw, ok := entry[KeyStatus].(string)
	if !ok {
		return "", false
	}
	return crawler.PhaseStatus(raw), true
}

// Phase returns a copy of the phase entry, or nil when absent.
func (s *Store) Phase(phase crawler.Phase) map[string]any {
	entry, ok := s.doc.Phases[string(phase)]
	if !ok {
		return nil
	}
	return maps.Clone(entry)
}

// PhaseStatuses maps every recorded phase to its status.
func (s *Store) PhaseStatuses() map[string]string {
	out := make(map[string]string, len(s.doc.Phases))
	for name, entry := range s.doc.Phases {
		if raw, ok := entry[KeyStatus].(string); ok {
			out[name] = raw
		}
	}
	return out
}

// ResetPhases forgets the given phases, or all phases when none are given, so
// the next run executes them again. Downloads are kept.
func (s *Store) ResetPhases(phases ...crawler.Phase) {
	if len(phases) == 0 {
		clear(s.doc.Phases)
	}
	for _, p := range phases {
		delete(s.doc.Phases, string(p))
	}
	s.touch()
}

// RecordError appends a timestamped entry to the error log.
func (s *Store) RecordError(phase crawler.Phase, message string) {
	s.doc.Errors = append(s.doc.Errors, ErrorEntry{
		Phase:     string(phase),
		Error:     message,
		Timestamp: s.clock.Now(),
	})
	s.touch()
}

// Errors returns a copy of the error log.
func (s *Store) Errors() []ErrorEntry {
	out := make([]ErrorEntry, len(s.doc.Errors))
	copy(out, s.doc.Errors)
	return out
}

// MarkDownloaded records that rawURL was saved to localPath.
func (s *Store) MarkDownloaded(rawURL, localPath string) {
	s.doc.DownloadedURLs[rawURL] = Download{FilePath: localPath, DownloadedAt: s.clock.Now()}
	s.touch()
}

// IsDownloaded reports whether rawURL was already fetched.
func (s *Store) IsDownloaded(rawURL string) bool {
	_, ok := s.doc.DownloadedURLs[rawURL]
	return ok
}

// Download returns the record for rawURL.
func (s *Store) Download(rawURL string) (Download, bool) {
	d, ok := s.doc.DownloadedURLs[rawURL]
	return d, ok
}

// Downloads lists every downloaded URL, sorted.
func (s *Store) Downloads() []string {
	out := make([]string, 0, len(s.doc.DownloadedURLs))
	for u := range s.doc.DownloadedURLs {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep-enough copy of the document for read-only callers.
func (s *Store) Snapshot() Document {
	cp := s.doc
	cp.Phases = make(map[string]map[string]any, len(s.doc.Phases))
	for name, entry := range s.doc.Phases {
		cp.Phases[name] = maps.Clone(entry)
	}
	cp.Errors = s.Errors()
	cp.DownloadedURLs = maps.Clone(s.doc.DownloadedURLs)
	return cp
}

// Save writes the document atomically, creating the entity directory.
func (s *Store) Save() error {
	return fsutil.WriteJSONAtomic(s.fs, s.path, s.doc)
}

func (s *Store) touch() {
	s.doc.UpdatedAt = s.clock.Now()
}
