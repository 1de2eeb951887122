// Package scrape drives the extraction workload: it walks each source's
// paginated listing, assembles records, and persists them.
//
// Sources run concurrently; within one source pages are sequential, because
// the decision to stop paginating depends on what earlier pages produced.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"kodomiya/internal/assemble"
	"kodomiya/internal/fetch"
	"kodomiya/internal/geo"
	"kodomiya/internal/metrics"
	"kodomiya/internal/property"
	"kodomiya/internal/sourceconfig"
	"kodomiya/internal/storage"
)

const defaultDuplicateThreshold = 3

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Runner executes the scraping pipeline for a set of sources.
type Runner struct {
	Fetcher fetch.PageFetcher
	Repo    storage.Repository

	// Geocoder, when set, resolves coordinates for records that carry an
	// address. Lookup failures null the coordinates; they never fail a page.
	Geocoder geo.Geocoder

	// Metrics receives run observations. Nil means discard.
	Metrics metrics.Backend
	Logger  Logger

	// Workers caps how many sources scrape concurrently. Defaults to 4.
	Workers int
}

func (r *Runner) metricsBackend() metrics.Backend {
	if r.Metrics == nil {
		return metrics.Nop{}
	}
	return r.Metrics
}

// Stats summarizes one source's run.
type Stats struct {
	Source   string
	Pages    int
	Records  int
	Upserted int64
}

// Run scrapes the named sources (all configured sources when names is empty).
//
// Source configurations resolve up front; a ConfigError on any requested
// source fails the whole run before a single request is made. During the run,
// the first source error cancels the remaining sources, but records already
// persisted stay persisted.
func (r *Runner) Run(ctx context.Context, cfg *sourceconfig.File, names []string, maxPages int) ([]Stats, error) {
	if len(names) == 0 {
		names = cfg.SourceNames()
	}

	sources := make([]sourceconfig.Source, 0, len(names))
	for _, name := range names {
		src, err := cfg.Resolve(name)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	workers := r.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(sources) {
		workers = len(sources)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, 1)
	setErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
			cancel(err)
		default:
			// First error wins.
		}
	}

	srcCh := make(chan sourceconfig.Source)
	statsCh := make(chan Stats, len(sources))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for src := range srcCh {
				select {
				case <-ctx.Done():
					continue
				default:
				}
				stats, err := r.runSource(ctx, cfg, src, maxPages)
				statsCh <- stats
				if err != nil {
					setErr(fmt.Errorf("source %s: %w", src.Name, err))
				}
			}
		}()
	}

	for _, src := range sources {
		select {
		case srcCh <- src:
		case <-ctx.Done():
		}
	}
	close(srcCh)
	wg.Wait()
	close(statsCh)

	var out []Stats
	for s := range statsCh {
		out = append(out, s)
	}

	select {
	case err := <-errCh:
		return out, err
	default:
		return out, nil
	}
}

// runSource walks one source's pages until a stop condition: the page limit,
// an empty page, or duplicateThreshold consecutive pages yielding only
// already-seen listings (sites commonly serve their last page for any higher
// page number).
func (r *Runner) runSource(ctx context.Context, cfg *sourceconfig.File, src sourceconfig.Source, maxPages int) (Stats, error) {
	logf := r.logf()
	stats := Stats{Source: src.Name}

	if maxPages <= 0 {
		maxPages = cfg.Settings.MaxPages
	}
	threshold := cfg.Settings.DuplicatePageThreshold
	if threshold <= 0 {
		threshold = defaultDuplicateThreshold
	}

	asm := assemble.Assembler{
		Source:        src,
		Neighborhoods: cfg.Neighborhoods,
		Cities:        cfg.Cities,
	}

	seen := make(map[string]struct{})
	duplicates := 0

	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return stats, context.Cause(ctx)
		}

		results, err := r.fetchAndAssemble(ctx, asm, src, page)
		if errors.Is(err, assemble.ErrNoCards) {
			logf("stage=scrape source=%s page=%d stop=no_cards", src.Name, page)
			break
		}
		if err != nil {
			return stats, fmt.Errorf("page %d: %w", page, err)
		}
		stats.Pages++

		records, fresh := r.collect(src.Name, results, seen)
		stats.Records += len(records)

		if fresh == 0 {
			duplicates++
			logf("stage=scrape source=%s page=%d duplicate_page=%d/%d", src.Name, page, duplicates, threshold)
			if duplicates >= threshold {
				logf("stage=scrape source=%s page=%d stop=duplicate_threshold", src.Name, page)
				break
			}
			continue
		}
		duplicates = 0

		r.geocode(ctx, src, records)

		n, err := r.Repo.UpsertRecords(ctx, records)
		if err != nil {
			return stats, fmt.Errorf("page %d: upsert: %w", page, err)
		}
		stats.Upserted += n
		if err := r.Repo.AppendPriceHistory(ctx, records); err != nil {
			return stats, fmt.Errorf("page %d: price history: %w", page, err)
		}
		r.metricsBackend().IncCounter(metrics.RecordsUpsertedTotal, float64(len(records)), metrics.Labels{"source": src.Name})

		logf("stage=scrape source=%s page=%d cards=%d new=%d", src.Name, page, len(results), fresh)
	}

	logf("stage=scrape source=%s status=done pages=%d records=%d", src.Name, stats.Pages, stats.Records)
	return stats, nil
}

// fetchAndAssemble retrieves one page and turns it into assembled results.
func (r *Runner) fetchAndAssemble(ctx context.Context, asm assemble.Assembler, src sourceconfig.Source, page int) ([]assemble.Result, error) {
	m := r.metricsBackend()

	start := time.Now()
	html, err := r.Fetcher.FetchPage(ctx, src.BaseURL, src.PaginationParam, page)
	elapsed := time.Since(start).Seconds()

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.IncCounter(metrics.PagesTotal, 1, metrics.Labels{"source": src.Name, "status": status})
	m.ObserveHistogram(metrics.PageFetchSeconds, elapsed, metrics.Labels{"source": src.Name, "status": status})
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	results, err := asm.Page(doc, page)
	if err != nil {
		return nil, err
	}
	m.IncCounter(metrics.CardsTotal, float64(len(results)), metrics.Labels{"source": src.Name})
	return results, nil
}

// collect reports field misses, dedupes against IDs already seen in this run,
// and returns the records plus how many were new.
func (r *Runner) collect(source string, results []assemble.Result, seen map[string]struct{}) ([]property.Record, int) {
	m := r.metricsBackend()
	records := make([]property.Record, 0, len(results))
	fresh := 0
	for _, res := range results {
		for _, field := range res.Missing {
			m.IncCounter(metrics.FieldMissesTotal, 1, metrics.Labels{"source": source, "field": field})
		}
		if _, dup := seen[res.Record.ID]; !dup {
			fresh++
		}
		seen[res.Record.ID] = struct{}{}
		records = append(records, res.Record)
	}
	return records, fresh
}

// geocode resolves coordinates in place for records with an address line.
// Lookups run sequentially; the public Nominatim service rate-limits per IP.
func (r *Runner) geocode(ctx context.Context, src sourceconfig.Source, records []property.Record) {
	if r.Geocoder == nil {
		return
	}
	logf := r.logf()
	box := src.ViewBox()

	for i := range records {
		rec := &records[i]
		if rec.Street == "" || rec.Latitude != nil {
			continue
		}
		res, err := r.Geocoder.Geocode(ctx, rec.Street, box)
		if err != nil {
			if !errors.Is(err, geo.ErrNoResult) {
				logf("stage=geocode source=%s id=%s status=error err=%v", src.Name, rec.ID, err)
			}
			continue
		}
		lat, lon := res.Latitude, res.Longitude
		rec.Latitude = &lat
		rec.Longitude = &lon
	}
}

func (r *Runner) logf() func(format string, v ...any) {
	if r.Logger == nil {
		return func(string, ...any) {}
	}
	return r.Logger.Printf
}
