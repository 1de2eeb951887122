// Package datadog implements a Datadog sink for the internal/metrics package.
//
// Observations are buffered in memory, flushed on a ticker (default once per
// minute) and flushed one final time on Close. Long scrape runs therefore
// show up as a time series rather than a single spike, while short clustering
// runs still deliver everything through the shutdown flush.
//
// Concurrency model: page workers call IncCounter/ObserveHistogram at any
// time; Flush snapshots and resets the buffers under a mutex, then submits
// outside the lock.
package datadog

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"kodomiya/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to
	// "kodomiya".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// Defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them; tests inject
	// them to avoid real submission and nondeterministic clocks.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK the backend needs.
// The SDK only exposes the concrete *datadogV2.MetricsApi, which cannot be
// stubbed without real HTTP; depending on this interface keeps tests offline.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counts   map[string]float64
	observed map[string][]float64
}

// NewBackend constructs the Datadog backend and starts its flush loop.
// Credentials come from the environment via the SDK's default context
// (DD_API_KEY and friends); network errors surface from Flush, not here.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "kodomiya"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 1+len(opts.Tags))
	baseTags = append(baseTags, "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counts:     make(map[string]float64),
		observed:   make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs a final Flush. Close once;
// a second call panics, matching usual Close semantics for process-lifetime
// objects.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	k := bufferKey(name, labels)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[k] += delta
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	k := bufferKey(name, labels)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.observed[k] = append(b.observed[k], value)
}

// Flush submits buffered metrics and resets the buffers. Buffers reset even
// when submission fails; a failed window is dropped rather than blocking
// scrape workers behind a retry queue.
func (b *Backend) Flush() error {
	counts, observed := b.snapshotAndReset()
	if len(counts) == 0 && len(observed) == 0 {
		return nil
	}

	series := b.buildSeries(counts, observed, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

func (b *Backend) snapshotAndReset() (map[string]float64, map[string][]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts, observed := b.counts, b.observed
	b.counts = make(map[string]float64)
	b.observed = make(map[string][]float64)
	return counts, observed
}

// buildSeries converts a snapshot into Datadog series at a fixed timestamp.
// Pure: no locks, no clocks, no network, so it is unit testable.
func (b *Backend) buildSeries(counts map[string]float64, observed map[string][]float64, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(counts)+len(observed)*3)

	for _, k := range sortedKeys(counts) {
		v := counts[k]
		if v == 0 {
			continue
		}
		name, tags := splitBufferKey(k)
		series = append(series, metricSeries(ddName(name), datadogV2.METRICINTAKETYPE_COUNT, v, withTags(b.baseTags, tags), nowUnix))
	}

	for _, k := range sortedKeysSlice(observed) {
		samples := append([]float64(nil), observed[k]...)
		if len(samples) == 0 {
			continue
		}
		sort.Float64s(samples)

		name, tags := splitBufferKey(k)
		allTags := withTags(b.baseTags, tags)
		prefix := ddName(name)
		series = append(series,
			metricSeries(prefix+".p50", datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(samples, 0.50), allTags, nowUnix),
			metricSeries(prefix+".p95", datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(samples, 0.95), allTags, nowUnix),
			metricSeries(prefix+".max", datadogV2.METRICINTAKETYPE_GAUGE, samples[len(samples)-1], allTags, nowUnix),
			metricSeries(prefix+".samples", datadogV2.METRICINTAKETYPE_GAUGE, float64(len(samples)), allTags, nowUnix),
		)
	}

	return series
}

func metricSeries(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

// ddName maps an internal snake_case metric name to Datadog dot notation:
// "scrape_pages_total" -> "kodomiya.scrape.pages.total".
func ddName(name string) string {
	return "kodomiya." + strings.ReplaceAll(name, "_", ".")
}

// bufferKey flattens name+labels into one map key; labels sort first so the
// key is independent of map iteration order.
func bufferKey(name string, labels metrics.Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(labels[k])
	}
	return b.String()
}

func splitBufferKey(k string) (name string, tags []string) {
	parts := strings.Split(k, "\x00")
	return parts[0], parts[1:]
}

func withTags(base, extras []string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysSlice(m map[string][]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:scraper".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
