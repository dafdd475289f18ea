package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/salevine/scrape-edu/internal/progress"
)

// PrometheusSink exports pipeline progress metrics via Prometheus. It owns the
// collectors for schools started/completed/running, per-phase outcomes, and
// per-site fetch counters.
type PrometheusSink struct {
	entitiesStarted   prometheus.Counter
	entitiesCompleted *prometheus.CounterVec
	entitiesRunning   prometheus.Gauge
	entityRuntime     *prometheus.HistogramVec

	phasesCompleted *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	tracker *entityTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		entitiesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_schools_started_total",
			Help: "Total schools whose pipeline has started.",
		}),
		entitiesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_schools_completed_total",
			Help: "Total schools finished partitioned by result.",
		}, []string{"result"}),
		entitiesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrape_schools_running",
			Help: "Current number of schools being processed.",
		}),
		entityRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrape_school_runtime_seconds",
			Help:    "Wall time per finished school.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		phasesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_phases_completed_total",
			Help: "Phase executions partitioned by phase and result.",
		}, []string{"phase", "result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrape_phase_duration_seconds",
			Help:    "Phase execution time partitioned by phase.",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"phase"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_fetch_requests_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrape_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		tracker: newEntityTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.entitiesStarted,
		s.entitiesCompleted,
		s.entitiesRunning,
		s.entityRuntime,
		s.phasesCompleted,
		s.phaseDuration,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageEntityStart, progress.StageEntityDone, progress.StageEntityError:
		s.handleEntityEvent(evt)
	case progress.StagePhaseDone, progress.StagePhaseError:
		s.handlePhaseEvent(evt)
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	}
}

func (s *PrometheusSink) handleEntityEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageEntityStart:
		s.entitiesStarted.Inc()
		if s.tracker.start(evt.RunID, evt.Entity) {
			s.entitiesRunning.Inc()
		}
		return
	case progress.StageEntityDone:
		s.entitiesCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageEntityError:
		s.entitiesCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(evt.RunID, evt.Entity) {
		s.entitiesRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.entityRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handlePhaseEvent(evt progress.Event) {
	result := "success"
	if evt.Stage == progress.StagePhaseError {
		result = "error"
	}
	s.phasesCompleted.WithLabelValues(evt.Phase, result).Inc()
	if evt.Dur > 0 {
		s.phaseDuration.WithLabelValues(evt.Phase).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type trackerKey struct {
	run    [16]byte
	entity string
}

type entityTracker struct {
	mu      sync.Mutex
	running map[trackerKey]struct{}
}

func newEntityTracker() *entityTracker {
	return &entityTracker{running: make(map[trackerKey]struct{})}
}

func (t *entityTracker) start(run [16]byte, entity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackerKey{run: run, entity: entity}
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *entityTracker) complete(run [16]byte, entity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackerKey{run: run, entity: entity}
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
