package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/progress"
)

type callRecorder struct {
	mu    sync.Mutex
	calls []crawler.Phase
}

func (r *callRecorder) handler(phase crawler.Phase, err error) Handler {
	return func(context.Context, crawler.Entity, string, *metadata.Store, Options) error {
		r.mu.Lock()
		r.calls = append(r.calls, phase)
		r.mu.Unlock()
		return err
	}
}

func (r *callRecorder) Calls() []crawler.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.Phase(nil), r.calls...)
}

func allHandlers(r *callRecorder, failing map[crawler.Phase]error) Handlers {
	out := Handlers{}
	for _, p := range crawler.DefaultPhaseOrder() {
		out[p] = r.handler(p, failing[p])
	}
	return out
}

func newEntity() crawler.Entity {
	return crawler.Entity{ID: "1", Slug: "mit", Attrs: map[string]any{"url": "https://mit.edu"}}
}

func newStore(fs afero.Fs) *metadata.Store {
	return metadata.Load("/out/mit", metadata.WithFs(fs))
}

func TestRun_AllPhasesInOrder(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	rec := &callRecorder{}
	w := New(newEntity(), newStore(fs), allHandlers(rec, nil), &Shutdown{})

	ok, err := w.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, crawler.DefaultPhaseOrder(), rec.Calls())

	persisted := newStore(fs)
	for _, p := range crawler.DefaultPhaseOrder() {
		status, found := persisted.PhaseStatus(p)
		require.True(t, found, p)
		assert.Equal(t, crawler.PhaseCompleted, status, p)
	}
}

func TestRun_SkipsCompletedPhases(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	store := newStore(fs)
	store.SetPhaseStatus(crawler.PhaseRobots, crawler.PhaseCompleted, nil)
	store.SetPhaseStatus(crawler.PhaseDiscovery, crawler.PhaseFailed, nil)

	rec := &callRecorder{}
	w := New(newEntity(), store, allHandlers(rec, nil), &Shutdown{})
	ok, err := w.Run(context.Background(), []crawler.Phase{crawler.PhaseRobots, crawler.PhaseDiscovery})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []crawler.Phase{crawler.PhaseDiscovery}, rec.Calls())
}

func TestRun_FailureDoesNotBlockLaterPhases(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	rec := &callRecorder{}
	handlers := allHandlers(rec, map[crawler.Phase]error{crawler.PhaseCatalog: errors.New("catalog exploded")})
	w := New(newEntity(), newStore(fs), handlers, &Shutdown{})

	ok, err := w.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, crawler.DefaultPhaseOrder(), rec.Calls())

	persisted := newStore(fs)
	status, _ := persisted.PhaseStatus(crawler.PhaseCatalog)
	assert.Equal(t, crawler.PhaseFailed, status)
	status, _ = persisted.PhaseStatus(crawler.PhaseSyllabi)
	assert.Equal(t, crawler.PhaseCompleted, status)
	require.Len(t, persisted.Errors(), 1)
	assert.Equal(t, "catalog", persisted.Errors()[0].Phase)
	assert.Equal(t, "catalog exploded", persisted.Errors()[0].Error)
}

func TestRun_PanicIsRecoveredAsFailure(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	rec := &callRecorder{}
	handlers := allHandlers(rec, nil)
	handlers[crawler.PhaseRobots] = func(context.Context, crawler.Entity, string, *metadata.Store, Options) error {
		panic("nil map")
	}
	w := New(newEntity(), newStore(fs), handlers, &Shutdown{})

	ok, err := w.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, rec.Calls(), 4)

	errs := newStore(fs).Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "panic: nil map", errs[0].Error)
}

func TestRun_ShutdownStopsBetweenPhases(t *testing.T) {
	t.Parallel()

	shutdown := &Shutdown{}
	rec := &callRecorder{}
	handlers := allHandlers(rec, nil)
	handlers[crawler.PhaseDiscovery] = func(context.Context, crawler.Entity, string, *metadata.Store, Options) error {
		_ = rec.handler(crawler.PhaseDiscovery, nil)(context.Background(), crawler.Entity{}, "", nil, nil)
		shutdown.Request()
		return nil
	}
	store := newStore(afero.NewMemMapFs())
	w := New(newEntity(), store, handlers, shutdown)

	ok, err := w.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []crawler.Phase{crawler.PhaseRobots, crawler.PhaseDiscovery}, rec.Calls())
	status, _ := store.PhaseStatus(crawler.PhaseDiscovery)
	assert.Equal(t, crawler.PhaseCompleted, status, "in-flight phase finishes")
	_, found := store.PhaseStatus(crawler.PhaseCatalog)
	assert.False(t, found)
}

func TestRun_MissingHandlerMarksCompleted(t *testing.T) {
	t.Parallel()

	store := newStore(afero.NewMemMapFs())
	w := New(newEntity(), store, Handlers{}, &Shutdown{})

	ok, err := w.Run(context.Background(), []crawler.Phase{crawler.PhaseFaculty})
	require.NoError(t, err)
	assert.True(t, ok)
	status, _ := store.PhaseStatus(crawler.PhaseFaculty)
	assert.Equal(t, crawler.PhaseCompleted, status)
}

func TestRun_HandlerReceivesContext(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	var (
		gotDir  string
		gotOpts Options
		gotURL  string
	)
	handlers := Handlers{
		crawler.PhaseRobots: func(_ context.Context, e crawler.Entity, dir string, s *metadata.Store, opts Options) error {
			gotDir, gotOpts, gotURL = dir, opts, e.Attr("url")
			s.SetPhaseFields(crawler.PhaseRobots, map[string]any{"sitemaps": 2})
			return nil
		},
	}
	store := newStore(fs)
	w := New(newEntity(), store, handlers, &Shutdown{}, WithOptions(Options{"max_pages": 5}))
	ok, err := w.Run(context.Background(), []crawler.Phase{crawler.PhaseRobots})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "/out/mit", gotDir)
	assert.Equal(t, Options{"max_pages": 5}, gotOpts)
	assert.Equal(t, "https://mit.edu", gotURL)
	assert.InDelta(t, 2, newStore(fs).Phase(crawler.PhaseRobots)["sitemaps"], 0)
	assert.Same(t, store, w.Store())
}

func TestRun_EmitsPhaseEvents(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		stages []progress.Stage
	)
	emitter := progress.EmitterFunc(func(evt progress.Event) {
		mu.Lock()
		stages = append(stages, evt.Stage)
		mu.Unlock()
	})
	handlers := Handlers{
		crawler.PhaseRobots:    func(context.Context, crawler.Entity, string, *metadata.Store, Options) error { return nil },
		crawler.PhaseDiscovery: func(context.Context, crawler.Entity, string, *metadata.Store, Options) error { return errors.New("x") },
	}
	w := New(newEntity(), newStore(afero.NewMemMapFs()), handlers, &Shutdown{}, WithEmitter(emitter, [16]byte{1}))
	_, err := w.Run(context.Background(), []crawler.Phase{crawler.PhaseRobots, crawler.PhaseDiscovery})
	require.NoError(t, err)

	assert.Equal(t, []progress.Stage{
		progress.StagePhaseStart, progress.StagePhaseDone,
		progress.StagePhaseStart, progress.StagePhaseError,
	}, stages)
}

func TestRun_SaveFailureIsReturned(t *testing.T) {
	t.Parallel()

	store := metadata.Load("/out/mit", metadata.WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())))
	rec := &callRecorder{}
	w := New(newEntity(), store, allHandlers(rec, nil), &Shutdown{})

	ok, err := w.Run(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, rec.Calls())
}

func TestRun_RequiresSlug(t *testing.T) {
	t.Parallel()

	w := New(crawler.Entity{}, newStore(afero.NewMemMapFs()), nil, nil)
	_, err := w.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrMissingEntity)
}

func TestShutdownNilSafe(t *testing.T) {
	t.Parallel()

	var s *Shutdown
	s.Request()
	assert.False(t, s.Requested())

	s = &Shutdown{}
	assert.False(t, s.Requested())
	s.Request()
	assert.True(t, s.Requested())
}

func TestPhaseError(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := error(&PhaseError{Phase: crawler.PhaseCatalog, Err: base})
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "phase catalog: boom", err.Error())

	panicked := &PhaseError{Phase: crawler.PhaseRobots, Panic: "oops"}
	assert.Equal(t, "phase robots panicked: oops", panicked.Error())
	assert.Equal(t, "panic: oops", panicked.Message())
}
