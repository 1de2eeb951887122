package datadog

import (
	"context"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"kodomiya/internal/metrics"
)

// fakeSubmitter records submitted payloads instead of doing HTTP.
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

// quietTicker never fires, so tests control flushing explicitly.
func quietTicker(time.Duration) *time.Ticker { return time.NewTicker(time.Hour) }

func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:   "test",
		now:       func() time.Time { return time.Unix(1_700_000_000, 0) },
		newTicker: quietTicker,
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

func TestFlushSubmitsBufferedCounters(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.PagesTotal, 1, metrics.Labels{"source": "zap", "status": "ok"})
	b.IncCounter(metrics.PagesTotal, 2, metrics.Labels{"source": "zap", "status": "ok"})
	b.IncCounter(metrics.PagesTotal, -1, nil) // ignored

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("payloads = %d, want 1", sub.count())
	}

	series := sub.payloads[0].Series
	if len(series) != 1 {
		t.Fatalf("series = %d, want 1", len(series))
	}
	s := series[0]
	if s.Metric != "kodomiya.scrape.pages.total" {
		t.Fatalf("metric = %q", s.Metric)
	}
	if *s.Type != datadogV2.METRICINTAKETYPE_COUNT {
		t.Fatalf("type = %v", *s.Type)
	}
	if got := *s.Points[0].Value; got != 3 {
		t.Fatalf("value = %v, want 3", got)
	}
	if got := *s.Points[0].Timestamp; got != 1_700_000_000 {
		t.Fatalf("timestamp = %v", got)
	}

	tags := append([]string(nil), s.Tags...)
	sort.Strings(tags)
	want := []string{"job:test", "source:zap", "status:ok"}
	if !reflect.DeepEqual(tags, want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
}

func TestFlushResetsBuffers(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.CardsTotal, 5, metrics.Labels{"source": "zap"})
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// Nothing buffered: the second flush must not submit.
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush (empty): %v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("payloads = %d, want 1", sub.count())
	}
}

func TestFlushHistogramPercentiles(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	defer func() { _ = b.Close() }()

	for _, v := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
		b.ObserveHistogram(metrics.PageFetchSeconds, v, metrics.Labels{"source": "zap", "status": "ok"})
	}
	b.ObserveHistogram(metrics.PageFetchSeconds, -1, nil) // ignored

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	byName := map[string]float64{}
	for _, s := range sub.payloads[0].Series {
		byName[s.Metric] = *s.Points[0].Value
		if *s.Type != datadogV2.METRICINTAKETYPE_GAUGE {
			t.Fatalf("%s type = %v, want gauge", s.Metric, *s.Type)
		}
	}

	prefix := "kodomiya.page.fetch.duration.seconds"
	if byName[prefix+".max"] != 0.5 {
		t.Fatalf("max = %v", byName[prefix+".max"])
	}
	if byName[prefix+".samples"] != 5 {
		t.Fatalf("samples = %v", byName[prefix+".samples"])
	}
	if byName[prefix+".p50"] != 0.3 {
		t.Fatalf("p50 = %v", byName[prefix+".p50"])
	}
}

func TestCloseFlushesTail(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.RecordsUpsertedTotal, 4, metrics.Labels{"source": "zap"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("payloads after Close = %d, want 1", sub.count())
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentileNearestRank(s, 0.5); got != 6 {
		t.Fatalf("p50 = %v", got)
	}
	if got := percentileNearestRank(s, 0); got != 1 {
		t.Fatalf("p0 = %v", got)
	}
	if got := percentileNearestRank(s, 1); got != 10 {
		t.Fatalf("p100 = %v", got)
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("empty = %v", got)
	}
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	got := ParseTagsCSV(" env:prod , service:scraper ,, ")
	want := []string{"env:prod", "service:scraper"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseTagsCSV = %v, want %v", got, want)
	}
	if ParseTagsCSV("") != nil {
		t.Fatalf("empty input should yield nil")
	}
}
