// Command kodomiya runs the property pipeline: the scraping pipeline walks
// configured listing sites and persists records; the clustering pipeline
// groups comparable listings and scores price deviations, optionally
// exporting the annotated register as CSV.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"kodomiya/internal/cluster"
	"kodomiya/internal/fetch"
	"kodomiya/internal/geo"
	"kodomiya/internal/metrics"
	"kodomiya/internal/metrics/datadog"
	"kodomiya/internal/property"
	"kodomiya/internal/report"
	"kodomiya/internal/scrape"
	"kodomiya/internal/sourceconfig"
	"kodomiya/internal/storage"

	// Register storage backends with the factory.
	_ "kodomiya/internal/storage/postgres"
	_ "kodomiya/internal/storage/sqlite"
)

// runConfig holds parsed flags and derived values for one invocation.
type runConfig struct {
	Pipeline    string
	ConfigPath  string
	Source      string
	Pages       int
	Workers     int
	StorageKind string
	DSN         string
	Timeout     time.Duration
	Geocode     bool

	K              int
	MaxK           int
	Seed           int64
	FilterOutliers bool
	OutPath        string
	SummaryPath    string

	MetricsBackend string
	MetricsTags    string
}

// deps wires the externally observable pieces so run() is testable.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	OpenRepo   func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	NewFetcher func(timeout time.Duration) fetch.PageFetcher
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		OpenRepo: storage.New,
		NewFetcher: func(timeout time.Duration) fetch.PageFetcher {
			return fetch.NewLoader(&http.Client{}, timeout)
		},
	})
	os.Exit(code)
}

// run executes one pipeline and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: pipeline failure (fetch, storage, clustering).
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}

	// Optional .env for DSN/API keys; absence is not an error.
	_ = godotenv.Load()

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)

	file, err := sourceconfig.Load(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "load config: %v\n", err)
		return 2
	}

	repo, err := d.OpenRepo(ctx, storage.Config{Kind: cfg.StorageKind, DSN: cfg.DSN})
	if err != nil {
		fmt.Fprintf(d.Stderr, "open storage: %v\n", err)
		return 2
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(d.Stderr, "ensure schema: %v\n", err)
		return 2
	}

	summary := metrics.NewSummary()
	backend, closeMetrics, err := buildMetrics(ctx, cfg, summary, logger)
	if err != nil {
		fmt.Fprintf(d.Stderr, "metrics init: %v\n", err)
		return 2
	}
	defer closeMetrics()

	start := time.Now()

	switch cfg.Pipeline {
	case "scraping":
		err = runScraping(ctx, cfg, d, file, repo, backend, logger)
	case "clustering":
		err = runClustering(ctx, cfg, repo, backend, logger)
	default:
		fmt.Fprintf(d.Stderr, "unknown -pipeline %q (want scraping or clustering)\n", cfg.Pipeline)
		return 2
	}

	for _, line := range summary.Lines() {
		logger.Printf("stage=summary %s", line)
	}
	logger.Printf("stage=done pipeline=%s duration=%s", cfg.Pipeline, time.Since(start).Truncate(time.Millisecond))

	if err != nil {
		var cfgErr *sourceconfig.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(d.Stderr, "%v\n", err)
			return 2
		}
		fmt.Fprintf(d.Stderr, "pipeline %s: %v\n", cfg.Pipeline, err)
		return 1
	}
	return 0
}

func parseFlags(args []string) (runConfig, error) {
	var cfg runConfig

	fs := flag.NewFlagSet("kodomiya", flag.ContinueOnError)
	fs.StringVar(&cfg.Pipeline, "pipeline", "scraping", "pipeline to run: scraping or clustering")
	fs.StringVar(&cfg.ConfigPath, "config", "configs/sources.yaml", "source configuration YAML path")
	fs.StringVar(&cfg.Source, "source", "", "single source to scrape (default: all configured)")
	fs.IntVar(&cfg.Pages, "pages", 0, "page limit per source (0 uses the configured max_pages)")
	fs.IntVar(&cfg.Workers, "workers", 4, "concurrent sources")
	fs.StringVar(&cfg.StorageKind, "storage-kind", "sqlite", "storage backend: sqlite or postgres")
	fs.StringVar(&cfg.DSN, "dsn", "", "storage DSN (default: env DATABASE_URL, or kodomiya.db for sqlite)")
	fs.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "per-page HTTP timeout")
	fs.BoolVar(&cfg.Geocode, "geocode", false, "resolve listing coordinates via Nominatim")

	fs.IntVar(&cfg.K, "k", 0, "fixed cluster count (0 selects k by silhouette score)")
	fs.IntVar(&cfg.MaxK, "max-k", 30, "upper bound for silhouette k selection")
	fs.Int64Var(&cfg.Seed, "seed", 0, "clustering seed; same data and seed reproduce assignments")
	fs.BoolVar(&cfg.FilterOutliers, "filter-outliers", false, "drop price/size outliers (|z| >= 3) before clustering")
	fs.StringVar(&cfg.OutPath, "out", "", "write annotated records CSV to this path")
	fs.StringVar(&cfg.SummaryPath, "summary-out", "", "write per-cluster summary CSV to this path")

	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "none", "metrics backend: datadog or none")
	fs.StringVar(&cfg.MetricsTags, "metrics-tags", "", "extra metric tags, comma separated (env:prod,...)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.DSN == "" {
		cfg.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.DSN == "" && cfg.StorageKind == "sqlite" {
		cfg.DSN = "kodomiya.db"
	}
	if cfg.DSN == "" {
		return cfg, fmt.Errorf("missing -dsn (or DATABASE_URL) for storage-kind %q", cfg.StorageKind)
	}
	return cfg, nil
}

// buildMetrics returns the backend pipelines report into. The in-memory
// summary always participates so the end-of-run log lines exist regardless of
// the remote sink.
func buildMetrics(ctx context.Context, cfg runConfig, summary *metrics.Summary, logger *log.Logger) (metrics.Backend, func(), error) {
	switch cfg.MetricsBackend {
	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName: "kodomiya_" + cfg.Pipeline,
			Tags:    datadog.ParseTagsCSV(cfg.MetricsTags),
		})
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := b.Close(); err != nil {
				logger.Printf("stage=metrics status=flush_error err=%v", err)
			}
		}
		return metrics.Multi(summary, b), closeFn, nil

	case "", "none":
		return summary, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown metrics backend %q", cfg.MetricsBackend)
	}
}

func runScraping(ctx context.Context, cfg runConfig, d deps, file *sourceconfig.File, repo storage.Repository, backend metrics.Backend, logger *log.Logger) error {
	runner := &scrape.Runner{
		Fetcher: d.NewFetcher(cfg.Timeout),
		Repo:    repo,
		Metrics: backend,
		Logger:  logger,
		Workers: cfg.Workers,
	}
	if cfg.Geocode {
		runner.Geocoder = geo.NewNominatim(nil, "")
	}

	var names []string
	if cfg.Source != "" {
		names = []string{cfg.Source}
	}

	stats, err := runner.Run(ctx, file, names, cfg.Pages)
	for _, s := range stats {
		logger.Printf("stage=scrape source=%s pages=%d records=%d upserted=%d", s.Source, s.Pages, s.Records, s.Upserted)
	}
	return err
}

func runClustering(ctx context.Context, cfg runConfig, repo storage.Repository, backend metrics.Backend, logger *log.Logger) error {
	records, err := repo.SelectRecords(ctx)
	if err != nil {
		return fmt.Errorf("select records: %w", err)
	}
	logger.Printf("stage=cluster records=%d", len(records))

	engine := &cluster.Engine{
		Logger: logger,
		Options: cluster.Options{
			K:              cfg.K,
			MaxK:           cfg.MaxK,
			Seed:           cfg.Seed,
			FilterOutliers: cfg.FilterOutliers,
		},
	}
	anns, err := engine.Run(records)
	if err != nil {
		return err
	}
	backend.IncCounter(metrics.ClusterPassesTotal, 1, metrics.Labels{"scope": "all", "status": "ok"})

	for _, scope := range scopes() {
		if err := repo.ReplaceAnnotations(ctx, scope, filterScope(anns, scope)); err != nil {
			return fmt.Errorf("store %s annotations: %w", scope, err)
		}
	}
	logger.Printf("stage=cluster annotations=%d", len(anns))

	if cfg.OutPath != "" {
		if err := writeCSV(cfg.OutPath, func(w io.Writer) error {
			return report.WriteAnnotated(w, records, anns)
		}); err != nil {
			return fmt.Errorf("write %s: %w", cfg.OutPath, err)
		}
	}
	if cfg.SummaryPath != "" {
		if err := writeCSV(cfg.SummaryPath, func(w io.Writer) error {
			return report.WriteClusterSummary(w, anns)
		}); err != nil {
			return fmt.Errorf("write %s: %w", cfg.SummaryPath, err)
		}
	}
	return nil
}

func scopes() []property.Scope {
	return []property.Scope{property.ScopeGlobal, property.ScopeNeighborhood}
}

func filterScope(anns []property.Annotation, scope property.Scope) []property.Annotation {
	out := make([]property.Annotation, 0, len(anns))
	for _, a := range anns {
		if a.Scope == scope {
			out = append(out, a)
		}
	}
	return out
}

func writeCSV(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
