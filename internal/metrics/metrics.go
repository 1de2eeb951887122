// Package metrics is the instrumentation seam of the pipeline.
//
// Pipeline code depends only on Backend and the metric-name constants below;
// the concrete sink (Datadog, an in-memory summary for run reports, or Nop)
// is chosen at startup. Backends are free to ignore names they do not know.
package metrics

import (
	"sort"
	"strconv"
	"sync"
)

// Labels are free-form metric dimensions (e.g. source, field, scope).
type Labels map[string]string

// Metric names emitted by the pipeline.
const (
	// PagesTotal counts fetched listing pages. Labels: source, status.
	PagesTotal = "scrape_pages_total"

	// CardsTotal counts property cards found across pages. Labels: source.
	CardsTotal = "scrape_cards_total"

	// FieldMissesTotal counts fields a card failed to yield. Labels: source, field.
	FieldMissesTotal = "scrape_field_misses_total"

	// RecordsUpsertedTotal counts records written to storage. Labels: source.
	RecordsUpsertedTotal = "records_upserted_total"

	// ClusterPassesTotal counts clustering passes. Labels: scope, status.
	ClusterPassesTotal = "cluster_passes_total"

	// PageFetchSeconds observes page fetch latency. Labels: source, status.
	PageFetchSeconds = "page_fetch_duration_seconds"
)

// Backend receives metric observations. Implementations must be safe for
// concurrent use; page workers report from multiple goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)

	// Flush pushes buffered observations to the sink, if the backend buffers.
	Flush() error

	// Close stops background work and performs a final Flush.
	Close() error
}

// Nop discards all observations.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }
func (Nop) Close() error                             { return nil }

var _ Backend = Nop{}

// Summary accumulates counters in memory for the end-of-run log line. It keeps
// counters only; histograms are the remote sink's concern.
type Summary struct {
	mu       sync.Mutex
	counters map[string]float64
}

func NewSummary() *Summary {
	return &Summary{counters: make(map[string]float64)}
}

func (s *Summary) IncCounter(name string, delta float64, labels Labels) {
	if delta <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey(name, labels)] += delta
}

func (s *Summary) ObserveHistogram(string, float64, Labels) {}
func (s *Summary) Flush() error                             { return nil }
func (s *Summary) Close() error                             { return nil }

// Counter returns the accumulated value for a name+labels combination.
func (s *Summary) Counter(name string, labels Labels) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey(name, labels)]
}

// Lines renders every nonzero counter as a sorted "key=value" slice, ready to
// log at run end.
func (s *Summary) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.counters))
	for k, v := range s.counters {
		if v == 0 {
			continue
		}
		out = append(out, formatCounter(k, v))
	}
	sort.Strings(out)
	return out
}

var _ Backend = (*Summary)(nil)

// Multi fans every observation out to each backend. Flush and Close return
// the first error but still reach every backend.
func Multi(backends ...Backend) Backend {
	return multi(backends)
}

type multi []Backend

func (m multi) IncCounter(name string, delta float64, labels Labels) {
	for _, b := range m {
		b.IncCounter(name, delta, labels)
	}
}

func (m multi) ObserveHistogram(name string, value float64, labels Labels) {
	for _, b := range m {
		b.ObserveHistogram(name, value, labels)
	}
}

func (m multi) Flush() error {
	var first error
	for _, b := range m {
		if err := b.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) Close() error {
	var first error
	for _, b := range m {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// counterKey flattens a name+labels pair into a stable map key. Label order
// must not matter, so labels sort before joining.
func counterKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := name
	for _, k := range keys {
		out += "|" + k + "=" + labels[k]
	}
	return out
}

func formatCounter(key string, v float64) string {
	if v == float64(int64(v)) {
		return key + "=" + strconv.FormatInt(int64(v), 10)
	}
	return key + "=" + strconv.FormatFloat(v, 'g', -1, 64)
}
