package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/api"
	"github.com/salevine/scrape-edu/internal/config"
	"github.com/salevine/scrape-edu/internal/crawler"
	"github.com/salevine/scrape-edu/internal/fetcher"
	collyfetcher "github.com/salevine/scrape-edu/internal/fetcher/colly"
	"github.com/salevine/scrape-edu/internal/fetcher/headless"
	idgen "github.com/salevine/scrape-edu/internal/id/uuid"
	"github.com/salevine/scrape-edu/internal/ledger"
	"github.com/salevine/scrape-edu/internal/metadata"
	"github.com/salevine/scrape-edu/internal/metrics"
	"github.com/salevine/scrape-edu/internal/orchestrator"
	"github.com/salevine/scrape-edu/internal/phases"
	"github.com/salevine/scrape-edu/internal/policy/ratelimit"
	"github.com/salevine/scrape-edu/internal/progress"
	"github.com/salevine/scrape-edu/internal/progress/sinks"
	"github.com/salevine/scrape-edu/internal/source"
	"github.com/salevine/scrape-edu/internal/worker"
)

const (
	dryRunMaxDisplay = 20
	hubCloseTimeout  = 5 * time.Second
)

type runFlags struct {
	workers int
	schools string
	phase   string
	listen  string
	dryRun  bool
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scraping pipeline",
		Long: `Loads schools from the IPEDS directory and runs every pending school
through the robots, discovery, catalog, faculty and syllabi phases. Completed
schools and phases are skipped, so re-running after an interruption resumes
the previous run. Ctrl-C finishes the phase in flight and then stops.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, flags)
		},
	}
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "number of schools processed in parallel")
	cmd.Flags().StringVar(&flags.schools, "schools", "", "comma-separated school slugs to process")
	cmd.Flags().StringVar(&flags.phase, "phase", "", "run only this phase (robots, discovery, catalog, faculty, syllabi)")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "address for the read-only status server, e.g. :8080")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "show what the pipeline would do without any network access")
	return cmd
}

func runPipeline(cmd *cobra.Command, flags runFlags) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var phaseFilter []crawler.Phase
	if flags.phase != "" {
		phase, err := crawler.ParsePhase(flags.phase)
		if err != nil {
			return fmt.Errorf("--phase: %w", err)
		}
		phaseFilter = []crawler.Phase{phase}
	}
	schoolFilter := splitList(flags.schools)

	schools, err := source.LoadSchools(e.cfg.IPEDSDir, source.WithLogger(e.logger.Named("ipeds")))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(out, "IPEDS data not found: %v\n", err)
			fmt.Fprintf(out, "Download the HD and completions CSV files into %s.\n", e.cfg.IPEDSDir)
		}
		return fmt.Errorf("load schools: %w", err)
	}
	fmt.Fprintf(out, "Loaded %d schools\n", len(schools))

	if flags.dryRun {
		return printDryRun(out, e.cfg, schools, schoolFilter, phaseFilter, e.logger)
	}

	entities := make([]crawler.Entity, 0, len(schools))
	for _, s := range schools {
		entities = append(entities, s.Entity())
	}

	p, err := buildPipeline(cmd.Context(), e, out)
	if err != nil {
		return err
	}
	defer p.close()

	if e.cfg.Server.Listen != "" {
		stopServer := p.serve(cmd.Context(), e.cfg.Server.Listen)
		defer stopServer()
	}

	summary, err := p.orch.Run(cmd.Context(), entities, schoolFilter, phaseFilter)
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Pipeline complete:")
	fmt.Fprintf(out, "  Completed: %d\n", summary.Completed)
	fmt.Fprintf(out, "  Failed:    %d\n", summary.Failed)
	fmt.Fprintf(out, "  Skipped:   %d\n", summary.Skipped)
	if summary.Interrupted > 0 {
		fmt.Fprintf(out, "  Interrupted: %d\n", summary.Interrupted)
	}
	return nil
}

// pipeline holds the collaborators of one run and releases them on close.
type pipeline struct {
	orch     *orchestrator.Orchestrator
	ledger   *ledger.Ledger
	hub      *progress.Hub
	renderer headless.Renderer
	registry *prometheus.Registry
	metrics  *metrics.Collectors
	logger   *zap.Logger
}

func buildPipeline(ctx context.Context, e *env, out io.Writer) (*pipeline, error) {
	cfg := e.cfg
	logger := e.logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		MinDelay: cfg.RateLimit.MinDelay,
		MaxDelay: cfg.RateLimit.MaxDelay,
	}, ratelimit.WithObserver(m))
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}

	runID, err := idgen.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	runBytes := progress.UUIDToBytes(uuid.MustParse(runID))

	hub := progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("events")), promSink)

	client := fetcher.New(fetcher.Config{
		UserAgent:      cfg.UserAgent,
		ConnectTimeout: cfg.Timeouts.Connect,
		ReadTimeout:    cfg.Timeouts.Read,
		Retries:        cfg.Retries,
	}, limiter,
		fetcher.WithLogger(logger.Named("http")),
		fetcher.WithMetrics(m),
		fetcher.WithEmitter(hub, runBytes),
	)

	siteCrawler := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeouts.Read,
		MaxPages:  cfg.Discovery.MaxPages,
		MaxDepth:  cfg.Discovery.MaxDepth,
	}, limiter,
		collyfetcher.WithLogger(logger.Named("crawl")),
		collyfetcher.WithMetrics(m),
	)

	renderer := newRenderer(cfg, logger)

	l, err := ledger.OpenDir(cfg.OutputDir, ledger.WithLogger(logger.Named("manifest")))
	if err != nil {
		renderer.Close()
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	handlers := phases.Build(phases.Deps{
		Client:   client,
		Crawler:  siteCrawler,
		Renderer: renderer,
		Logger:   logger.Named("phases"),
	})

	orch := orchestrator.New(orchestrator.Config{
		Workers:   cfg.Workers,
		OutputDir: cfg.OutputDir,
		Options: worker.Options{
			phases.OptMaxPages:           cfg.Discovery.MaxPages,
			phases.OptMaxDepth:           cfg.Discovery.MaxDepth,
			phases.OptCatalogFollowDepth: cfg.Catalog.FollowDepth,
			phases.OptCatalogMaxFollowed: cfg.Catalog.MaxFollowed,
		},
	}, l, handlers,
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithProgressWriter(out),
		orchestrator.WithEmitter(hub),
		orchestrator.WithIDGenerator(idgen.Static(runID)),
		orchestrator.WithResults(func(store *metadata.Store) any {
			return phases.Summarize(store)
		}),
	)

	return &pipeline{
		orch:     orch,
		ledger:   l,
		hub:      hub,
		renderer: renderer,
		registry: registry,
		metrics:  m,
		logger:   logger,
	}, nil
}

func newRenderer(cfg config.Config, logger *zap.Logger) headless.Renderer {
	if !cfg.Render.Enabled {
		return headless.NewNoop()
	}
	r, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.Render.MaxParallel,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.Render.Timeout,
	}, headless.WithLogger(logger.Named("render")))
	if err != nil {
		logger.Warn("headless renderer unavailable, HTML catalogs will be skipped", zap.Error(err))
		return headless.NewNoop()
	}
	return r
}

// serve starts the status server and returns a func that stops it and waits.
func (p *pipeline) serve(ctx context.Context, addr string) func() {
	srv := api.NewServer(p.ledger,
		api.WithLogger(p.logger.Named("api")),
		api.WithMetrics(p.metrics, p.registry),
	)
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(srvCtx, addr); err != nil {
			p.logger.Error("status server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *pipeline) close() {
	p.renderer.Close()
	ctx, cancel := context.WithTimeout(context.Background(), hubCloseTimeout)
	defer cancel()
	if err := p.hub.Close(ctx); err != nil {
		p.logger.Warn("progress hub close failed", zap.Error(err))
	}
}

func printDryRun(
	out io.Writer,
	cfg config.Config,
	schools []crawler.School,
	schoolFilter []string,
	phaseFilter []crawler.Phase,
	logger *zap.Logger,
) error {
	rule := "============================================================"
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "DRY RUN - no HTTP requests will be made")
	fmt.Fprintln(out, rule)

	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintf(out, "  Output directory: %s\n", cfg.OutputDir)
	fmt.Fprintf(out, "  Workers:          %d\n", cfg.Workers)
	fmt.Fprintf(out, "  Rate limit:       %s-%s per request\n", cfg.RateLimit.MinDelay, cfg.RateLimit.MaxDelay)
	fmt.Fprintf(out, "  User-agent:       %s\n", cfg.UserAgent)
	fmt.Fprintf(out, "  Max retries:      %d\n", cfg.Retries)
	fmt.Fprintf(out, "  Render catalogs:  %t\n", cfg.Render.Enabled)

	phaseList := phaseFilter
	if len(phaseList) == 0 {
		phaseList = crawler.DefaultPhaseOrder()
	}
	fmt.Fprintf(out, "\nPhases to run (%d):\n", len(phaseList))
	for _, phase := range phaseList {
		fmt.Fprintf(out, "  - %s\n", phase)
	}

	selected := schools
	if len(schoolFilter) > 0 {
		loaded := make(map[string]crawler.School, len(schools))
		for _, s := range schools {
			loaded[s.Slug] = s
		}
		selected = nil
		var unknown []string
		for _, slug := range schoolFilter {
			s, ok := loaded[slug]
			if !ok {
				unknown = append(unknown, slug)
				continue
			}
			selected = append(selected, s)
		}
		fmt.Fprintf(out, "\nSchools to process (%d of %d loaded, filtered by --schools):\n", len(selected), len(schools))
		if len(unknown) > 0 {
			fmt.Fprintf(out, "  WARNING: %d slug(s) not found in IPEDS data: %s\n", len(unknown), strings.Join(unknown, ", "))
		}
	} else {
		fmt.Fprintf(out, "\nSchools to process (%d):\n", len(schools))
	}
	for i, s := range selected {
		if i == dryRunMaxDisplay {
			fmt.Fprintf(out, "  ... and %d more\n", len(selected)-dryRunMaxDisplay)
			break
		}
		fmt.Fprintf(out, "  - %s (%s)\n", s.Slug, s.Name)
	}

	return printManifestSummary(out, cfg.OutputDir, "Existing manifest status:", "No existing manifest found (first run).", logger)
}

// printManifestSummary prints per-status counts when a manifest exists. It
// never creates the manifest.
func printManifestSummary(out io.Writer, outputDir, heading, missing string, logger *zap.Logger) error {
	path := filepath.Join(outputDir, ledger.FileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(out, "\n%s\n", missing)
			return nil
		}
		return fmt.Errorf("stat manifest: %w", err)
	}
	l, err := ledger.Open(path, ledger.WithLogger(logger.Named("manifest")))
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	summary := l.Summary()
	statuses := make([]string, 0, len(summary))
	for status := range summary {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	fmt.Fprintf(out, "\n%s\n", heading)
	total := 0
	for _, status := range statuses {
		count := summary[crawler.EntityStatus(status)]
		total += count
		fmt.Fprintf(out, "  %s: %d\n", status, count)
	}
	fmt.Fprintf(out, "  total: %d\n", total)
	return nil
}
