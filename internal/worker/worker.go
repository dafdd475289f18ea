// Package worker drives one entity through its configured phase sequence.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/clock/system"
	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/progress"
)

// Options is the opaque configuration handed to every phase handler.
type Options map[string]any

// Handler executes one phase for one entity. It returns an error on failure;
// panics are recovered and treated as failures.
type Handler func(ctx context.Context, entity crawler.Entity, dir string, store *metadata.Store, opts Options) error

// Handlers maps phases to their implementation.
type Handlers map[crawler.Phase]Handler

// Option customizes a Worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithEmitter publishes phase milestones.
func WithEmitter(emitter progress.Emitter, runID [16]byte) Option {
	return func(w *Worker) {
		w.emitter = emitter
		w.runID = runID
	}
}

// WithOptions sets the handler configuration.
func WithOptions(opts Options) Option {
	return func(w *Worker) {
		w.opts = opts
	}
}

// WithClock sets the time source for phase timings.
func WithClock(clock crawler.Clock) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// Worker runs the phases of a single claimed entity.
type Worker struct {
	entity   crawler.Entity
	store    *metadata.Store
	handlers Handlers
	shutdown *Shutdown
	opts     Options
	emitter  progress.Emitter
	runID    [16]byte
	clock    crawler.Clock
	logger   *zap.Logger
}

// New constructs a Worker. The store must belong to entity and must not be
// shared with any other worker.
func New(entity crawler.Entity, store *metadata.Store, handlers Handlers, shutdown *Shutdown, opts ...Option) *Worker {
	w := &Worker{
		entity:   entity,
		store:    store,
		handlers: handlers,
		shutdown: shutdown,
		clock:    system.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("school", entity.Slug))
	return w
}

// Store exposes the entity's metadata document.
func (w *Worker) Store() *metadata.Store {
	return w.store
}

// Run executes phases in order, or the default order when phases is empty.
// It reports true only if no phase failed during this call. A false result
// with a nil error also covers a shutdown observed between phases; callers
// disambiguate through the shared Shutdown token. The error is reserved for
// metadata persistence failures.
func (w *Worker) Run(ctx context.Context, phases []crawler.Phase) (bool, error) {
	if w.entity.Slug == "" {
		return false, ErrMissingEntity
	}
	if len(phases) == 0 {
		phases = crawler.DefaultPhaseOrder()
	}

	ok := true
	for _, phase := range phases {
		if w.shutdown.Requested() {
			w.logger.Info("shutdown requested, stopping before phase", zap.String("phase", string(phase)))
			return false, nil
		}
		if status, found := w.store.PhaseStatus(phase); found && status == crawler.PhaseCompleted {
			w.logger.Debug("phase already completed, skipping", zap.String("phase", string(phase)))
			continue
		}
		success, err := w.runPhase(ctx, phase)
		if err != nil {
			return false, err
		}
		if !success {
			ok = false
		}
	}
	return ok, nil
}

func (w *Worker) runPhase(ctx context.Context, phase crawler.Phase) (bool, error) {
	handler, found := w.handlers[phase]
	if !found || handler == nil {
		w.logger.Warn("no handler registered for phase", zap.String("phase", string(phase)))
		w.store.SetPhaseStatus(phase, crawler.PhaseCompleted, nil)
		return true, w.save(phase)
	}

	w.store.SetPhaseStatus(phase, crawler.PhaseRunning, nil)
	if err := w.save(phase); err != nil {
		return false, err
	}
	w.emit(progress.StagePhaseStart, phase, 0, "")
	w.logger.Info("starting phase", zap.String("phase", string(phase)))

	start := w.clock.Now()
	herr := w.invoke(ctx, phase, handler)
	elapsed := w.clock.Now().Sub(start)

	if herr != nil {
		w.logger.Error("phase failed",
			zap.String("phase", string(phase)),
			zap.Duration("elapsed", elapsed),
			zap.Error(herr),
		)
		w.store.SetPhaseStatus(phase, crawler.PhaseFailed, nil)
		w.store.RecordError(phase, herr.Message())
		w.emit(progress.StagePhaseError, phase, elapsed, herr.Message())
		return false, w.save(phase)
	}

	w.store.SetPhaseStatus(phase, crawler.PhaseCompleted, nil)
	w.emit(progress.StagePhaseDone, phase, elapsed, "")
	w.logger.Info("phase completed", zap.String("phase", string(phase)), zap.Duration("elapsed", elapsed))
	return true, w.save(phase)
}

// invoke calls the handler and converts panics into a PhaseError.
func (w *Worker) invoke(ctx context.Context, phase crawler.Phase, handler Handler) (err *PhaseError) {
	defer func() {
		if r := recover(); r != nil {
			err = &PhaseError{Phase: phase, Panic: r}
		}
	}()
	if herr := handler(ctx, w.entity, w.store.Dir(), w.store, w.opts); herr != nil {
		return &PhaseError{Phase: phase, Err: herr}
	}
	return nil
}

func (w *Worker) save(phase crawler.Phase) error {
	if err := w.store.Save(); err != nil {
		return fmt.Errorf("save metadata for %s after %s: %w", w.entity.Slug, phase, err)
	}
	return nil
}

func (w *Worker) emit(stage progress.Stage, phase crawler.Phase, dur time.Duration, note string) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(progress.Event{
		RunID:  w.runID,
		TS:     w.clock.Now(),
		Stage:  stage,
		Entity: w.entity.Slug,
		Phase:  string(phase),
		Dur:    dur,
		Note:   note,
	})
}
