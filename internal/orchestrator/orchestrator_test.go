package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/ledger"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/progress"
	"github.com/salevine/scrape-edu/internal/worker"
)

const outDir = "/out"

type harness struct {
	fs     afero.Fs
	ledger *ledger.Ledger
	out    *bytes.Buffer

	mu    sync.Mutex
	calls map[string][]crawler.Phase
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	l, err := ledger.OpenDir(outDir, ledger.WithFs(fs))
	require.NoError(t, err)
	return &harness{fs: fs, ledger: l, out: &bytes.Buffer{}, calls: map[string][]crawler.Phase{}}
}

func (h *harness) record(slug string, phase crawler.Phase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[slug] = append(h.calls[slug], phase)
}

func (h *harness) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		n += len(c)
	}
	return n
}

// handlers returns no-op handlers for every phase, failing where fail says so.
func (h *harness) handlers(fail func(slug string, phase crawler.Phase) error) worker.Handlers {
	out := worker.Handlers{}
	for _, p := range crawler.DefaultPhaseOrder() {
		out[p] = func(_ context.Context, e crawler.Entity, _ string, _ *metadata.Store, _ worker.Options) error {
			h.record(e.Slug, p)
			if fail != nil {
				return fail(e.Slug, p)
			}
			return nil
		}
	}
	return out
}

func (h *harness) orchestrator(workers int, handlers worker.Handlers, opts ...Option) *Orchestrator {
	opts = append([]Option{
		WithFs(h.fs),
		WithProgressWriter(h.out),
		WithClock(crawler.ClockFunc(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })),
	}, opts...)
	return New(Config{Workers: workers, OutputDir: outDir}, h.ledger, handlers, opts...)
}

func (h *harness) status(t *testing.T, slug string) crawler.EntityStatus {
	t.Helper()
	status, ok := h.ledger.Status(slug)
	require.True(t, ok, slug)
	return status
}

func entities(slugs ...string) []crawler.Entity {
	out := make([]crawler.Entity, 0, len(slugs))
	for i, slug := range slugs {
		out = append(out, crawler.Entity{
			ID:    fmt.Sprint(i),
			Slug:  slug,
			Attrs: map[string]any{"name": strings.ToUpper(slug)},
		})
	}
	return out
}

func TestRun_AllComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(1, h.handlers(nil))

	summary, err := o.Run(context.Background(), entities("a", "b", "c"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 3}, summary)
	for _, slug := range []string{"a", "b", "c"} {
		assert.Equal(t, crawler.StatusCompleted, h.status(t, slug))
	}
	assert.Equal(t, 15, h.callCount())

	entry, err := h.ledger.Entry("a")
	require.NoError(t, err)
	assert.Equal(t, "A", entry.Data["name"])
	results, ok := entry.Results.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", results["phases"].(map[string]string)["syllabi"])
}

func TestRun_CompletedEntityIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.ledger.Register("a", nil))
	require.NoError(t, h.ledger.SetStatus("a", crawler.StatusCompleted))
	o := h.orchestrator(2, h.handlers(nil))

	summary, err := o.Run(context.Background(), entities("a"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 1}, summary)
	assert.Zero(t, h.callCount())
	assert.Equal(t, crawler.StatusCompleted, h.status(t, "a"))
	assert.Empty(t, h.out.String())
}

func TestRun_ShutdownBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(2, h.handlers(nil))
	o.RequestShutdown()
	require.True(t, o.ShutdownRequested())

	summary, err := o.Run(context.Background(), entities("a", "b"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Zero(t, h.callCount())
	assert.Equal(t, crawler.StatusPending, h.status(t, "a"))
}

func TestRun_CancelledContextActsAsShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(2, h.handlers(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := o.Run(ctx, entities("a"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Zero(t, h.callCount())
	assert.True(t, o.ShutdownRequested())
}

func TestRun_PhaseFailureMarksEntityFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(3, h.handlers(func(slug string, phase crawler.Phase) error {
		if slug == "a" && phase == crawler.PhaseRobots {
			return errors.New("robots unreachable")
		}
		return nil
	}))

	summary, err := o.Run(context.Background(), entities("a", "b", "c"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 2, Failed: 1}, summary)
	assert.Equal(t, crawler.StatusFailed, h.status(t, "a"))
	assert.Equal(t, crawler.StatusCompleted, h.status(t, "b"))

	meta := metadata.Load(outDir+"/a", metadata.WithFs(h.fs))
	errs := meta.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "robots", errs[0].Phase)
	assert.Equal(t, "robots unreachable", errs[0].Error)
	status, _ := meta.PhaseStatus(crawler.PhaseSyllabi)
	assert.Equal(t, crawler.PhaseCompleted, status, "later phases still ran")
}

func TestRun_RecoversInterruptedEntities(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.ledger.Register("a", nil))
	ok, err := h.ledger.Claim("a")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate a restart against the same manifest.
	restarted, err := ledger.OpenDir(outDir, ledger.WithFs(h.fs))
	require.NoError(t, err)
	h.ledger = restarted
	o := h.orchestrator(1, h.handlers(nil))

	summary, err := o.Run(context.Background(), entities("a"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 1}, summary)
	assert.Equal(t, crawler.StatusCompleted, h.status(t, "a"))
}

func TestRun_ResumeSkipsCompletedPhases(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	meta := metadata.Load(outDir+"/a", metadata.WithFs(h.fs))
	meta.SetPhaseStatus(crawler.PhaseRobots, crawler.PhaseCompleted, nil)
	meta.SetPhaseStatus(crawler.PhaseDiscovery, crawler.PhaseCompleted, nil)
	require.NoError(t, meta.Save())

	o := h.orchestrator(1, h.handlers(nil))
	_, err := o.Run(context.Background(), entities("a"), nil, nil)
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []crawler.Phase{crawler.PhaseCatalog, crawler.PhaseFaculty, crawler.PhaseSyllabi}, h.calls["a"])
}

func TestRun_Filters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(2, h.handlers(nil))

	summary, err := o.Run(context.Background(), entities("a", "b", "c"), []string{"c", "missing"},
		[]crawler.Phase{crawler.PhaseRobots})
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 1}, summary)
	assert.Equal(t, 1, h.ledger.Len(), "only targets are registered")

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, map[string][]crawler.Phase{"c": {crawler.PhaseRobots}}, h.calls)
}

func TestRun_ShutdownDuringRunLeavesInProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var o *Orchestrator
	o = h.orchestrator(1, h.handlers(func(slug string, phase crawler.Phase) error {
		if slug == "a" && phase == crawler.PhaseRobots {
			o.RequestShutdown()
		}
		return nil
	}))

	summary, err := o.Run(context.Background(), entities("a", "b", "c"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Interrupted: 3}, summary)
	for _, slug := range []string{"a", "b", "c"} {
		assert.Equal(t, crawler.StatusInProgress, h.status(t, slug))
	}
	h.mu.Lock()
	assert.Equal(t, map[string][]crawler.Phase{"a": {crawler.PhaseRobots}}, h.calls)
	h.mu.Unlock()

	// The next run recovers the interrupted work.
	next := h.orchestrator(2, h.handlers(nil))
	summary, err = next.Run(context.Background(), entities("a", "b", "c"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 3}, summary)
}

func TestRun_WorkerPanicIsBackstopped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	l, err := ledger.OpenDir(outDir, ledger.WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	h.ledger = l
	h.fs = panicOnWriteFs{Fs: afero.NewMemMapFs()}
	o := h.orchestrator(1, h.handlers(nil))

	summary, err := o.Run(context.Background(), entities("a", "b"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 2}, summary)
	assert.Equal(t, crawler.StatusFailed, h.status(t, "a"))
	assert.Contains(t, h.out.String(), "Failed a")
}

func TestRun_MetadataWriteFailureMarksFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(1, h.handlers(nil), WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())))

	summary, err := o.Run(context.Background(), entities("a"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, summary)
	assert.Equal(t, crawler.StatusFailed, h.status(t, "a"))
}

func TestRun_LedgerWriteFailureIsFatal(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	l, err := ledger.OpenDir(outDir, ledger.WithFs(afero.NewReadOnlyFs(fs)))
	require.NoError(t, err)
	o := New(Config{Workers: 1, OutputDir: outDir}, l, worker.Handlers{}, WithFs(fs), WithProgressWriter(&bytes.Buffer{}))

	_, err = o.Run(context.Background(), entities("a"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register a")
}

func TestRun_ProgressLines(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(1, h.handlers(func(slug string, _ crawler.Phase) error {
		if slug == "b" {
			return errors.New("nope")
		}
		return nil
	}))

	_, err := o.Run(context.Background(), entities("a", "b"), nil, nil)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(h.out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Starting pipeline for 2 schools...", lines[0])
	assert.Equal(t, "[1/2] Completed a (elapsed: 0s) | done: 1, failed: 0, remaining: 1", lines[1])
	assert.Equal(t, "[2/2] Failed b (elapsed: 0s) | done: 1, failed: 1, remaining: 0", lines[2])
}

func TestRun_ParallelWorkersProcessEachEntityOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	slugs := make([]string, 20)
	for i := range slugs {
		slugs[i] = fmt.Sprintf("s%02d", i)
	}
	o := h.orchestrator(4, h.handlers(nil))

	summary, err := o.Run(context.Background(), entities(slugs...), nil, []crawler.Phase{crawler.PhaseRobots})
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: len(slugs)}, summary)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, slug := range slugs {
		assert.Len(t, h.calls[slug], 1, slug)
	}
	assert.Equal(t, len(slugs)+1, strings.Count(h.out.String(), "\n"))
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var (
		mu     sync.Mutex
		events []progress.Event
	)
	emitter := progress.EmitterFunc(func(evt progress.Event) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})
	o := h.orchestrator(1, h.handlers(nil), WithEmitter(emitter))
	_, err := o.Run(context.Background(), entities("a"), nil, []crawler.Phase{crawler.PhaseRobots})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	stages := make([]progress.Stage, 0, len(events))
	for _, evt := range events {
		require.NoError(t, evt.Validate())
		assert.Equal(t, events[0].RunID, evt.RunID)
		stages = append(stages, evt.Stage)
	}
	assert.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageEntityStart,
		progress.StagePhaseStart,
		progress.StagePhaseDone,
		progress.StageEntityDone,
		progress.StageRunDone,
	}, stages)
}

func TestFormatElapsed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{5 * time.Second, "5s"},
		{5900 * time.Millisecond, "5s"},
		{59900 * time.Millisecond, "59s"},
		{time.Minute, "1m 00s"},
		{83 * time.Second, "1m 23s"},
		{3599 * time.Second, "59m 59s"},
		{time.Hour, "1h 00m 00s"},
		{time.Hour + 5*time.Minute + 30*time.Second, "1h 05m 30s"},
		{-time.Second, "0s"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatElapsed(tc.in), tc.in.String())
	}
}

// panicOnWriteFs panics whenever a file is opened for writing.
type panicOnWriteFs struct {
	afero.Fs
}

func (panicOnWriteFs) OpenFile(name string, _ int, _ os.FileMode) (afero.File, error) {
	panic("disk on fire: " + name)
}
