// Package cluster groups comparable properties and scores how far each
// listing's price sits from its peers.
//
// The engine is a single batch pass: it takes a fully materialized record
// set, clusters on the physical attributes (size, rooms, bathrooms, parking)
// after standardization, then derives per-cluster price statistics. A re-run
// recomputes every annotation from scratch; there is no incremental state.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"kodomiya/internal/property"
)

// ErrInsufficientInput reports that a scope has fewer clusterable records
// than the requested cluster count. The scope is skipped rather than
// producing degenerate clusters.
var ErrInsufficientInput = errors.New("cluster: fewer records than requested clusters")

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Options control one clustering pass.
type Options struct {
	// K fixes the cluster count. 0 selects k by silhouette score over
	// 2..min(n-1, MaxK).
	K int

	// MaxK caps silhouette selection. Defaults to 30.
	MaxK int

	// Seed drives centroid initialization. Same input set + same seed
	// yields identical assignments.
	Seed int64

	// FilterOutliers drops records whose price or size sits three or more
	// standard deviations from the mean before clustering, so a single
	// mispriced mansion cannot drag a centroid.
	FilterOutliers bool
}

// Annotate runs one clustering pass over records and returns annotations
// keyed by record ID.
//
// Records missing any physical attribute or the price are excluded from the
// input (they cannot be compared); they simply receive no annotation.
func Annotate(records []property.Record, scope property.Scope, neighborhood string, opts Options) (map[string]property.Annotation, error) {
	rows := clusterableRows(records)
	if opts.FilterOutliers {
		rows = dropOutliers(rows)
	}
	n := len(rows)

	k := opts.K
	if k > 0 && n < k {
		return nil, fmt.Errorf("%w: have %d, want k=%d", ErrInsufficientInput, n, k)
	}
	if k == 0 && n < 3 {
		// Silhouette selection needs at least k=2 plus one spare sample.
		return nil, fmt.Errorf("%w: have %d, need at least 3", ErrInsufficientInput, n)
	}

	features := make([][]float64, n)
	for i, r := range rows {
		features[i] = []float64{*r.SizeM2, float64(*r.Rooms), float64(*r.Bathrooms), float64(*r.Parking)}
	}
	standardize(features)

	var assign []int
	if k > 0 {
		assign = kmeans(features, k, rand.New(rand.NewSource(opts.Seed)))
	} else {
		assign = selectKAndCluster(features, opts)
	}

	return annotate(rows, assign, scope, neighborhood), nil
}

// selectKAndCluster picks the cluster count with the best silhouette score.
// Ties resolve toward the smaller k. Every candidate run restarts from the
// same seed so selection stays reproducible.
func selectKAndCluster(features [][]float64, opts Options) []int {
	n := len(features)
	maxK := opts.MaxK
	if maxK <= 0 {
		maxK = 30
	}
	if maxK > n-1 {
		maxK = n - 1
	}

	bestScore := math.Inf(-1)
	var best []int
	for k := 2; k <= maxK; k++ {
		assign := kmeans(features, k, rand.New(rand.NewSource(opts.Seed)))
		if score := silhouetteScore(features, assign, k); score > bestScore {
			bestScore = score
			best = assign
		}
	}
	return best
}

// annotate derives the per-cluster price statistics.
//
// The mean and the standard deviation are computed over member prices; the
// deviation uses the sample estimator. A singleton cluster (or one with all
// prices equal) has no defined z-score and yields nil rather than an
// arithmetic failure.
func annotate(rows []property.Record, assign []int, scope property.Scope, neighborhood string) map[string]property.Annotation {
	byCluster := make(map[int][]float64)
	for i, c := range assign {
		p, _ := rows[i].Price.Float64()
		byCluster[c] = append(byCluster[c], p)
	}

	means := make(map[int]float64, len(byCluster))
	stds := make(map[int]float64, len(byCluster))
	for c, prices := range byCluster {
		means[c] = stat.Mean(prices, nil)
		if len(prices) > 1 {
			stds[c] = stat.StdDev(prices, nil)
		}
	}

	out := make(map[string]property.Annotation, len(rows))
	for i, r := range rows {
		c := assign[i]
		p, _ := r.Price.Float64()
		mean := means[c]

		ann := property.Annotation{
			RecordID:         r.ID,
			Scope:            scope,
			Neighborhood:     neighborhood,
			ClusterID:        c,
			ClusterMeanPrice: mean,
		}
		if mean != 0 {
			ann.PctDeviation = (p - mean) / mean
		}
		if std := stds[c]; std > 0 {
			z := (p - mean) / std
			ann.ZScore = &z
		}
		out[r.ID] = ann
	}
	return out
}

// clusterableRows filters to records with every compared attribute present
// and orders them by ID so assignments do not depend on input order.
func clusterableRows(records []property.Record) []property.Record {
	rows := make([]property.Record, 0, len(records))
	for _, r := range records {
		if r.Clusterable() {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// dropOutliers removes rows whose price or size z-score magnitude reaches 3.
func dropOutliers(rows []property.Record) []property.Record {
	if len(rows) < 3 {
		return rows
	}

	prices := make([]float64, len(rows))
	sizes := make([]float64, len(rows))
	for i, r := range rows {
		prices[i], _ = r.Price.Float64()
		sizes[i] = *r.SizeM2
	}
	pMean, pStd := stat.MeanStdDev(prices, nil)
	sMean, sStd := stat.MeanStdDev(sizes, nil)

	out := rows[:0]
	for i, r := range rows {
		if pStd > 0 && math.Abs(prices[i]-pMean)/pStd >= 3 {
			continue
		}
		if sStd > 0 && math.Abs(sizes[i]-sMean)/sStd >= 3 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Engine runs the full annotation workload: one global pass and one
// independent pass per neighborhood.
type Engine struct {
	Logger  Logger
	Options Options
}

// Run clusters records under both scopes and returns the combined annotation
// set. Scopes with too few records are skipped and logged, not failed; a
// record may therefore come back with a global annotation only, or none.
func (e *Engine) Run(records []property.Record) ([]property.Annotation, error) {
	logf := e.logf()

	var out []property.Annotation

	global, err := Annotate(records, property.ScopeGlobal, "", e.Options)
	if err != nil {
		if !errors.Is(err, ErrInsufficientInput) {
			return nil, err
		}
		logf("stage=cluster scope=global skipped=true reason=%q", err)
	}
	for _, ann := range global {
		out = append(out, ann)
	}
	logf("stage=cluster scope=global annotated=%d", len(global))

	for _, hood := range neighborhoods(records) {
		group := filterNeighborhood(records, hood)
		anns, err := Annotate(group, property.ScopeNeighborhood, hood, e.Options)
		if err != nil {
			if !errors.Is(err, ErrInsufficientInput) {
				return nil, fmt.Errorf("neighborhood %q: %w", hood, err)
			}
			logf("stage=cluster scope=neighborhood neighborhood=%q skipped=true reason=%q", hood, err)
			continue
		}
		for _, ann := range anns {
			out = append(out, ann)
		}
		logf("stage=cluster scope=neighborhood neighborhood=%q annotated=%d", hood, len(anns))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordID != out[j].RecordID {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].Scope < out[j].Scope
	})
	return out, nil
}

func (e *Engine) logf() func(format string, v ...any) {
	if e.Logger == nil {
		return func(string, ...any) {}
	}
	return e.Logger.Printf
}

func neighborhoods(records []property.Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		if r.Neighborhood == "" {
			continue
		}
		seen[r.Neighborhood] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func filterNeighborhood(records []property.Record, hood string) []property.Record {
	out := make([]property.Record, 0)
	for _, r := range records {
		if r.Neighborhood == hood {
			out = append(out, r)
		}
	}
	return out
}
