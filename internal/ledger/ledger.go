// Package ledger persists the overall status of every entity in a single JSON
// document. All mutations are serialized by one process-wide mutex and each
// one rewrites the whole document atomically, so the file on disk is always
// the source of truth for a restarted process.
package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/clock/system"
	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/fsutil"
)

// FileName is the ledger document name inside the output directory.
const FileName = "manifest.json"

// ErrUnknownEntity is returned by lookups for slugs that were never registered.
var ErrUnknownEntity = errors.New("unknown entity")

// Entry is the persisted record of one entity.
type Entry struct {
	Status    crawler.EntityStatus `json:"status"`
	Data      map[string]any       `json:"data"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Results   any                  `json:"results,omitempty"`
}

type document struct {
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Entities  map[string]*Entry `json:"entities"`
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithFs sets the filesystem the document lives on.
func WithFs(fs afero.Fs) Option {
	return func(l *Ledger) {
		if fs != nil {
			l.fs = fs
		}
	}
}

// Ledger is the canonical, concurrency-safe registry of entity status.
type Ledger struct {
	mu     sync.Mutex
	path   string
	doc    document
	fs     afero.Fs
	clock  crawler.Clock
	logger *zap.Logger
}

// Open loads the ledger at path or starts an empty one. Malformed content is
// logged and discarded; only filesystem errors other than absence are returned.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		fs:     afero.NewOsFs(),
		clock:  system.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	var doc document
	found, err := fsutil.ReadJSON(l.fs, path, &doc)
	switch {
	case err != nil && found:
		l.logger.Warn("discarding unreadable ledger", zap.String("path", path), zap.Error(err))
		doc = document{}
	case err != nil:
		return nil, fmt.Errorf("open ledger: %w", err)
	case found:
		l.logger.Info("loaded existing ledger", zap.String("path", path), zap.Int("entities", len(doc.Entities)))
	}
	if doc.CreatedAt.IsZero() {
		now := l.clock.Now()
		doc.CreatedAt = now
		doc.UpdatedAt = now
	}
	if doc.Entities == nil {
		doc.Entities = make(map[string]*Entry)
	}
	l.doc = doc
	l.sanitize()
	return l, nil
}

// OpenDir opens the ledger stored in dir under FileName.
func OpenDir(dir string, opts ...Option) (*Ledger, error) {
	return Open(filepath.Join(dir, FileName), opts...)
}

// Path returns the document location.
func (l *Ledger) Path() string {
	return l.path
}

// sanitize drops nil entries and resets statuses outside the defined set.
func (l *Ledger) sanitize() {
	for slug, entry := range l.doc.Entities {
		if entry == nil {
			l.logger.Warn("dropping empty ledger entry", zap.String("school", slug))
			delete(l.doc.Entities, slug)
			continue
		}
		if !entry.Status.Valid() {
			l.logger.Warn("resetting unknown ledger status",
				zap.String("school", slug),
				zap.String("status", string(entry.Status)),
			)
			entry.Status = crawler.StatusPending
		}
		if entry.Data == nil {
			entry.Data = map[string]any{}
		}
	}
}

// Register adds slug as Pending if it is absent. Existing entries keep their
// status and attributes.
func (l *Ledger) Register(slug string, attrs map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.doc.Entities[slug]; ok {
		return nil
	}
	now := l.clock.Now()
	l.doc.Entities[slug] = &Entry{
		Status:    crawler.StatusPending,
		Data:      crawler.CloneAttrs(attrs),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.persist(); err != nil {
		delete(l.doc.Entities, slug)
		return err
	}
	return nil
}

// Claim atomically moves slug from Pending or FlaggedForRescrape to
// InProgress. Exactly one of any number of concurrent callers wins.
func (l *Ledger) Claim(slug string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.doc.Entities[slug]
	if !ok || !entry.Status.Claimable() {
		return false, nil
	}
	prevStatus, prevUpdated := entry.Status, entry.UpdatedAt
	entry.Status = crawler.StatusInProgress
	entry.UpdatedAt = l.clock.Now()
	if err := l.persist(); err != nil {
		entry.Status, entry.UpdatedAt = prevStatus, prevUpdated
		return false, err
	}
	return true, nil
}

// SetStatus overwrites the status of slug. Unknown slugs are logged and ignored.
func (l *Ledger) SetStatus(slug string, status crawler.EntityStatus) error {
	if !status.Valid() {
		return fmt.Errorf("set status %q: invalid status", status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.doc.Entities[slug]
	if !ok {
		l.logger.Warn("cannot update status for unknown school", zap.String("school", slug))
		return nil
	}
	prev := *entry
	entry.Status = status
	entry.UpdatedAt = l.clock.Now()
	if err := l.persist(); err != nil {
		*entry = prev
		return err
	}
	return nil
}

// Status returns the current status of slug and whether it is registered.
func (l *Ledger) Status(slug string) (crawler.EntityStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.doc.Entities[slug]
	if !ok {
		return "", false
	}
	return entry.Status, true
}

// Entry returns a copy of the record for slug.
func (l *Ledger) Entry(slug string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.doc.Entities[slug]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntity, slug)
	}
	cp := *entry
	cp.Data = crawler.CloneAttrs(entry.Data)
	return cp, nil
}

// PendingIDs lists every slug that is Pending or FlaggedForRescrape, sorted.
func (l *Ledger) PendingIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for slug, entry := range l.doc.Entities {
		if entry.Status.Claimable() {
			out = append(out, slug)
		}
	}
	sort.Strings(out)
	return out
}

// Slugs lists every registered slug, sorted.
func (l *Ledger) Slugs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.doc.Entities))
	for slug := range l.doc.Entities {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// RecoverInterrupted returns every InProgress entity to Pending. It must run
// before any Claim in a new process.
func (l *Ledger) RecoverInterrupted() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	prev := make(map[*Entry]Entry)
	for _, entry := range l.doc.Entities {
		if entry.Status == crawler.StatusInProgress {
			prev[entry] = *entry
			entry.Status = crawler.StatusPending
			entry.UpdatedAt = now
		}
	}
	count := len(prev)
	if count == 0 {
		return 0, nil
	}
	if err := l.persist(); err != nil {
		restore(prev)
		return 0, err
	}
	l.logger.Info("reset interrupted schools to pending", zap.Int("count", count))
	return count, nil
}

// FlagForRescrape forces the given slugs, or every entity when slugs is nil,
// to FlaggedForRescrape. Unknown slugs are ignored. It returns how many
// entries were flagged.
func (l *Ledger) FlagForRescrape(slugs []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slugs == nil {
		slugs = make([]string, 0, len(l.doc.Entities))
		for slug := range l.doc.Entities {
			slugs = append(slugs, slug)
		}
	}
	now := l.clock.Now()
	prev := make(map[*Entry]Entry)
	for _, slug := range slugs {
		entry, ok := l.doc.Entities[slug]
		if !ok {
			continue
		}
		if _, seen := prev[entry]; !seen {
			prev[entry] = *entry
		}
		entry.Status = crawler.StatusFlaggedRescrape
		entry.UpdatedAt = now
	}
	count := len(prev)
	if count == 0 {
		return 0, nil
	}
	if err := l.persist(); err != nil {
		restore(prev)
		return 0, err
	}
	l.logger.Info("flagged schools for re-scrape", zap.Int("count", count))
	return count, nil
}

// AttachResults stores a results summary next to the entry without touching
// its status.
func (l *Ledger) AttachResults(slug string, results any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.doc.Entities[slug]
	if !ok {
		l.logger.Warn("cannot update results for unknown school", zap.String("school", slug))
		return nil
	}
	prev := *entry
	entry.Results = results
	entry.UpdatedAt = l.clock.Now()
	if err := l.persist(); err != nil {
		*entry = prev
		return err
	}
	return nil
}

// Summary counts entities by status.
func (l *Ledger) Summary() map[crawler.EntityStatus]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[crawler.EntityStatus]int)
	for _, entry := range l.doc.Entities {
		out[entry.Status]++
	}
	return out
}

// Len returns the number of registered entities.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.Entities)
}

// persist rewrites the document. The caller must hold l.mu and undo its own
// changes when persist fails.
func (l *Ledger) persist() error {
	prevUpdated := l.doc.UpdatedAt
	l.doc.UpdatedAt = l.clock.Now()
	if err := fsutil.WriteJSONAtomic(l.fs, l.path, l.doc); err != nil {
		l.doc.UpdatedAt = prevUpdated
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// restore puts back entries saved before a failed write.
func restore(prev map[*Entry]Entry) {
	for entry, saved := range prev {
		*entry = saved
	}
}
