// Package report renders annotated records as CSV, the hand-off format for
// downstream analysis.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"kodomiya/internal/property"
)

var annotatedHeader = []string{
	"id", "source", "scraped_at", "street", "neighborhood", "city",
	"price", "size_m2", "rooms", "bathrooms", "parking",
	"scope", "cluster_id", "cluster_mean_price", "pct_deviation", "z_score",
}

// WriteAnnotated writes one CSV row per (record, annotation) pair, ordered by
// record ID then scope. Records without any annotation still appear, with the
// annotation columns empty, so the export always covers the full register.
func WriteAnnotated(w io.Writer, records []property.Record, anns []property.Annotation) error {
	byRecord := make(map[string][]property.Annotation, len(anns))
	for _, a := range anns {
		byRecord[a.RecordID] = append(byRecord[a.RecordID], a)
	}

	sorted := append([]property.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	cw := csv.NewWriter(w)
	if err := cw.Write(annotatedHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, rec := range sorted {
		recAnns := byRecord[rec.ID]
		sort.Slice(recAnns, func(i, j int) bool { return recAnns[i].Scope < recAnns[j].Scope })

		if len(recAnns) == 0 {
			if err := cw.Write(row(rec, nil)); err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
			continue
		}
		for i := range recAnns {
			if err := cw.Write(row(rec, &recAnns[i])); err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func row(rec property.Record, ann *property.Annotation) []string {
	out := []string{
		rec.ID,
		rec.Source,
		rec.ScrapedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		rec.Street,
		rec.Neighborhood,
		rec.City,
		priceCol(rec),
		floatCol(rec.SizeM2),
		intCol(rec.Rooms),
		intCol(rec.Bathrooms),
		intCol(rec.Parking),
	}
	if ann == nil {
		return append(out, "", "", "", "", "")
	}
	return append(out,
		string(ann.Scope),
		strconv.Itoa(ann.ClusterID),
		formatFloat(ann.ClusterMeanPrice),
		formatFloat(ann.PctDeviation),
		floatCol(ann.ZScore),
	)
}

var summaryHeader = []string{
	"scope", "neighborhood", "cluster_id", "listings", "mean_price",
}

// WriteClusterSummary writes one row per cluster with its member count and
// mean price, grouped by scope and neighborhood.
func WriteClusterSummary(w io.Writer, anns []property.Annotation) error {
	type key struct {
		scope        property.Scope
		neighborhood string
		cluster      int
	}
	counts := make(map[key]int)
	means := make(map[key]float64)
	for _, a := range anns {
		k := key{a.Scope, a.Neighborhood, a.ClusterID}
		counts[k]++
		means[k] = a.ClusterMeanPrice
	}

	keys := make([]key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.scope != b.scope {
			return a.scope < b.scope
		}
		if a.neighborhood != b.neighborhood {
			return a.neighborhood < b.neighborhood
		}
		return a.cluster < b.cluster
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(summaryHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, k := range keys {
		rec := []string{
			string(k.scope),
			k.neighborhood,
			strconv.Itoa(k.cluster),
			strconv.Itoa(counts[k]),
			formatFloat(means[k]),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func priceCol(rec property.Record) string {
	if rec.Price == nil {
		return ""
	}
	return rec.Price.String()
}

func floatCol(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func intCol(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
