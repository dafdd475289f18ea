// Package orchestrator schedules entities across a bounded pool of workers.
// The ledger's Claim is the only synchronization that keeps an entity from
// running on two workers at once.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/salevine/scrape-edu/internal/clock/system"
	"github.com/salevine/scrape-edu/internal/crawler"
	idgen "github.com/salevine/scrape-edu/internal/id/uuid"
	"github.com/salevine/scrape-edu/internal/ledger"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/progress"
	"github.com/salevine/scrape-edu/internal/worker"
)

const defaultWorkers = 5

// Config controls scheduling.
type Config struct {
	// Workers bounds how many entities are processed in parallel.
	Workers int
	// OutputDir holds one subdirectory per entity.
	OutputDir string
	// Phases is the default phase sequence; nil means crawler.DefaultPhaseOrder.
	Phases []crawler.Phase
	// Options is passed verbatim to every phase handler.
	Options worker.Options
}

// Summary counts entity outcomes for one Run.
type Summary struct {
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Interrupted int `json:"interrupted"`
}

// ResultsFunc builds the results payload attached to a completed entity.
type ResultsFunc func(store *metadata.Store) any

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock crawler.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithFs sets the filesystem used for per-entity metadata.
func WithFs(fs afero.Fs) Option {
	return func(o *Orchestrator) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithProgressWriter sets where human-readable progress lines are written.
func WithProgressWriter(w io.Writer) Option {
	return func(o *Orchestrator) {
		if w != nil {
			o.out = w
		}
	}
}

// WithEmitter publishes structured progress events.
func WithEmitter(emitter progress.Emitter) Option {
	return func(o *Orchestrator) {
		o.emitter = emitter
	}
}

// WithIDGenerator sets the run ID source.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(o *Orchestrator) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// WithResults sets the payload builder for completed entities.
func WithResults(fn ResultsFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.results = fn
		}
	}
}

// WithShutdown shares an existing cancellation token.
func WithShutdown(s *worker.Shutdown) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.shutdown = s
		}
	}
}

// Orchestrator is the top-level concurrent scheduler.
type Orchestrator struct {
	cfg      Config
	ledger   *ledger.Ledger
	handlers worker.Handlers
	shutdown *worker.Shutdown
	fs       afero.Fs
	clock    crawler.Clock
	out      io.Writer
	emitter  progress.Emitter
	ids      crawler.IDGenerator
	results  ResultsFunc
	logger   *zap.Logger
}

// New constructs an Orchestrator over ledger and the given phase handlers.
func New(cfg Config, l *ledger.Ledger, handlers worker.Handlers, opts ...Option) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = crawler.DefaultPhaseOrder()
	}
	o := &Orchestrator{
		cfg:      cfg,
		ledger:   l,
		handlers: handlers,
		shutdown: &worker.Shutdown{},
		fs:       afero.NewOsFs(),
		clock:    system.New(),
		out:      os.Stdout,
		ids:      idgen.New(),
		results:  defaultResults,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultResults(store *metadata.Store) any {
	return map[string]any{"phases": store.PhaseStatuses()}
}

// RequestShutdown asks workers to stop between phases and stops new
// submissions. It only sets a flag and is safe to call from any goroutine.
func (o *Orchestrator) RequestShutdown() {
	if !o.shutdown.Requested() {
		o.logger.Info("shutdown requested, finishing current work")
	}
	o.shutdown.Request()
}

// ShutdownRequested reports whether a shutdown is pending.
func (o *Orchestrator) ShutdownRequested() bool {
	return o.shutdown.Requested()
}

// Run processes entities, optionally restricted to the slugs in entityFilter
// and the phases in phaseFilter. Cancelling ctx requests a cooperative
// shutdown; in-flight phases still run to completion. Only ledger I/O
// failures are returned as errors, alongside the counts gathered so far.
func (o *Orchestrator) Run(
	ctx context.Context,
	entities []crawler.Entity,
	entityFilter []string,
	phaseFilter []crawler.Phase,
) (Summary, error) {
	stop := context.AfterFunc(ctx, o.RequestShutdown)
	defer stop()
	if ctx.Err() != nil {
		o.RequestShutdown()
	}

	runID := o.newRunID()
	start := o.clock.Now()
	tally := newTally(o.out, o.clock, start)
	o.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart})

	recovered, err := o.ledger.RecoverInterrupted()
	if err != nil {
		return Summary{}, fmt.Errorf("recover interrupted: %w", err)
	}
	if recovered > 0 {
		o.logger.Info("crash recovery reset schools to pending", zap.Int("count", recovered))
	}

	targets := o.targets(entities, entityFilter)
	for _, e := range targets {
		if err := o.ledger.Register(e.Slug, e.Attrs); err != nil {
			return Summary{}, fmt.Errorf("register %s: %w", e.Slug, err)
		}
	}

	claimed := make([]crawler.Entity, 0, len(targets))
	for _, e := range targets {
		if o.shutdown.Requested() {
			break
		}
		ok, err := o.ledger.Claim(e.Slug)
		if err != nil {
			return tally.summary(), fmt.Errorf("claim %s: %w", e.Slug, err)
		}
		if !ok {
			tally.skip()
			continue
		}
		claimed = append(claimed, e)
	}

	tally.setTotal(len(claimed))
	if len(claimed) > 0 {
		tally.printf("Starting pipeline for %d schools...\n", len(claimed))
	}

	phases := phaseFilter
	if len(phases) == 0 {
		phases = o.cfg.Phases
	}
	// Workers keep running after ctx is cancelled; shutdown is cooperative.
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, e := range claimed {
		if o.shutdown.Requested() {
			// Remaining claims stay in progress until the next recovery sweep.
			for range claimed[i:] {
				tally.interrupt()
			}
			break
		}
		g.Go(func() error {
			return o.process(workCtx, runID, e, phases, tally)
		})
	}
	runErr := g.Wait()

	summary := tally.summary()
	o.emit(progress.Event{RunID: runID, Stage: progress.StageRunDone, Dur: o.clock.Now().Sub(start)})
	o.logger.Info("pipeline complete",
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("interrupted", summary.Interrupted),
	)
	return summary, runErr
}

func (o *Orchestrator) targets(entities []crawler.Entity, filter []string) []crawler.Entity {
	if len(filter) == 0 {
		return entities
	}
	wanted := make(map[string]bool, len(filter))
	for _, slug := range filter {
		wanted[slug] = false
	}
	out := make([]crawler.Entity, 0, len(filter))
	for _, e := range entities {
		if _, ok := wanted[e.Slug]; ok {
			wanted[e.Slug] = true
			out = append(out, e)
		}
	}
	for slug, seen := range wanted {
		if !seen {
			o.logger.Warn("requested school not found", zap.String("school", slug))
		}
	}
	return out
}

// process runs one claimed entity and records its outcome. It returns an
// error only when the ledger cannot be written.
func (o *Orchestrator) process(
	ctx context.Context,
	runID [16]byte,
	e crawler.Entity,
	phases []crawler.Phase,
	tally *tally,
) error {
	if o.shutdown.Requested() {
		tally.interrupt()
		return nil
	}
	logger := o.logger.With(zap.String("school", e.Slug))
	started := o.clock.Now()
	o.emit(progress.Event{RunID: runID, Stage: progress.StageEntityStart, Entity: e.Slug})

	store := metadata.Load(filepath.Join(o.cfg.OutputDir, e.Slug),
		metadata.WithFs(o.fs),
		metadata.WithClock(o.clock),
		metadata.WithLogger(logger),
	)
	ok, crash := o.runWorker(ctx, runID, e, store, phases, logger)
	dur := o.clock.Now().Sub(started)

	switch {
	case crash != nil:
		logger.Error("worker crashed", zap.Error(crash))
		if err := o.ledger.SetStatus(e.Slug, crawler.StatusFailed); err != nil {
			return fmt.Errorf("mark %s failed: %w", e.Slug, err)
		}
		o.emit(progress.Event{RunID: runID, Stage: progress.StageEntityError, Entity: e.Slug, Dur: dur, Note: crash.Error()})
		tally.finish(e.Slug, false)
	case ok:
		if err := o.ledger.SetStatus(e.Slug, crawler.StatusCompleted); err != nil {
			return fmt.Errorf("mark %s completed: %w", e.Slug, err)
		}
		if err := o.ledger.AttachResults(e.Slug, o.results(store)); err != nil {
			return fmt.Errorf("attach results for %s: %w", e.Slug, err)
		}
		o.emit(progress.Event{RunID: runID, Stage: progress.StageEntityDone, Entity: e.Slug, Dur: dur})
		tally.finish(e.Slug, true)
	case o.shutdown.Requested():
		logger.Info("school interrupted by shutdown, left in progress")
		tally.interrupt()
	default:
		if err := o.ledger.SetStatus(e.Slug, crawler.StatusFailed); err != nil {
			return fmt.Errorf("mark %s failed: %w", e.Slug, err)
		}
		o.emit(progress.Event{RunID: runID, Stage: progress.StageEntityError, Entity: e.Slug, Dur: dur})
		tally.finish(e.Slug, false)
	}
	return nil
}

// runWorker is the backstop for anything escaping the worker's own phase
// boundary, panics included.
func (o *Orchestrator) runWorker(
	ctx context.Context,
	runID [16]byte,
	e crawler.Entity,
	store *metadata.Store,
	phases []crawler.Phase,
	logger *zap.Logger,
) (ok bool, crash error) {
	defer func() {
		if r := recover(); r != nil {
			ok, crash = false, fmt.Errorf("worker panic: %v", r)
		}
	}()
	w := worker.New(e, store, o.handlers, o.shutdown,
		worker.WithLogger(logger),
		worker.WithOptions(o.cfg.Options),
		worker.WithEmitter(o.emitter, runID),
		worker.WithClock(o.clock),
	)
	return w.Run(ctx, phases)
}

func (o *Orchestrator) newRunID() [16]byte {
	raw, err := o.ids.NewID()
	if err == nil {
		if id, perr := uuid.Parse(raw); perr == nil {
			return progress.UUIDToBytes(id)
		}
	}
	o.logger.Warn("falling back to random run id", zap.Error(err))
	return progress.UUIDToBytes(uuid.New())
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	o.emitter.Emit(evt)
}
