package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kodomiya/internal/property"
	"kodomiya/internal/storage"
)

func openTestRepo(t *testing.T) storage.Repository {
	t.Helper()
	ctx := context.Background()

	repo, err := New(ctx, storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)

	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// Idempotent.
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema (repeat): %v", err)
	}
	return repo
}

func sampleRecord(id string, price int64) property.Record {
	p := decimal.NewFromInt(price)
	size := 120.5
	rooms, baths, parking := 3, 2, 1
	return property.Record{
		ID:           id,
		Source:       "zap_imoveis",
		ScrapedAt:    time.Date(2026, 8, 25, 12, 30, 0, 123456789, time.UTC),
		Price:        &p,
		Street:       "Rua das Flores, 100",
		Neighborhood: "Santa Cândida",
		City:         "Curitiba",
		SizeM2:       &size,
		Rooms:        &rooms,
		Bathrooms:    &baths,
		Parking:      &parking,
	}
}

func TestUpsertAndSelectRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openTestRepo(t)

	rec := sampleRecord("id-1", 450000)
	if _, err := repo.UpsertRecords(ctx, []property.Record{rec}); err != nil {
		t.Fatalf("UpsertRecords: %v", err)
	}

	got, err := repo.SelectRecords(ctx)
	if err != nil {
		t.Fatalf("SelectRecords: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}

	out := got[0]
	if out.ID != rec.ID || out.Source != rec.Source || out.Street != rec.Street {
		t.Fatalf("record mismatch: %+v", out)
	}
	if !out.ScrapedAt.Equal(rec.ScrapedAt) {
		t.Fatalf("scraped_at = %v, want %v", out.ScrapedAt, rec.ScrapedAt)
	}
	if out.Price == nil || !out.Price.Equal(*rec.Price) {
		t.Fatalf("price = %v", out.Price)
	}
	if out.SizeM2 == nil || *out.SizeM2 != 120.5 {
		t.Fatalf("size = %v", out.SizeM2)
	}
	if out.Rooms == nil || *out.Rooms != 3 || out.Parking == nil || *out.Parking != 1 {
		t.Fatalf("counts = %v/%v", out.Rooms, out.Parking)
	}
	if out.Neighborhood != "Santa Cândida" {
		t.Fatalf("neighborhood = %q", out.Neighborhood)
	}
}

// A re-scrape of the same listing replaces the stored row instead of
// duplicating it.
func TestUpsertSupersedes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openTestRepo(t)

	if _, err := repo.UpsertRecords(ctx, []property.Record{sampleRecord("id-1", 450000)}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := repo.UpsertRecords(ctx, []property.Record{sampleRecord("id-1", 470000)}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := repo.SelectRecords(ctx)
	if err != nil {
		t.Fatalf("SelectRecords: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if !got[0].Price.Equal(decimal.NewFromInt(470000)) {
		t.Fatalf("price = %s, want the re-scraped value", got[0].Price)
	}
}

func TestUpsertNilFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openTestRepo(t)

	rec := property.Record{ID: "partial", Source: "viva_real", ScrapedAt: time.Now().UTC()}
	if _, err := repo.UpsertRecords(ctx, []property.Record{rec}); err != nil {
		t.Fatalf("UpsertRecords: %v", err)
	}

	got, err := repo.SelectRecords(ctx)
	if err != nil {
		t.Fatalf("SelectRecords: %v", err)
	}
	out := got[0]
	if out.Price != nil || out.SizeM2 != nil || out.Rooms != nil {
		t.Fatalf("nil fields did not round-trip: %+v", out)
	}
}

func TestAppendPriceHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openTestRepo(t)

	rec := sampleRecord("id-1", 450000)
	for i := 0; i < 3; i++ {
		if err := repo.AppendPriceHistory(ctx, []property.Record{rec}); err != nil {
			t.Fatalf("AppendPriceHistory: %v", err)
		}
	}

	r := repo.(*Repo)
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_history WHERE property_id = ?`, "id-1").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("history rows = %d, want 3 (append-only)", n)
	}
}

func TestReplaceAnnotations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openTestRepo(t)

	z := 1.5
	first := []property.Annotation{
		{RecordID: "a", Scope: property.ScopeGlobal, ClusterID: 0, ClusterMeanPrice: 400000, PctDeviation: 0.1, ZScore: &z},
		{RecordID: "b", Scope: property.ScopeGlobal, ClusterID: 0, ClusterMeanPrice: 400000, PctDeviation: -0.1},
	}
	if err := repo.ReplaceAnnotations(ctx, property.ScopeGlobal, first); err != nil {
		t.Fatalf("ReplaceAnnotations: %v", err)
	}

	hood := []property.Annotation{
		{RecordID: "a", Scope: property.ScopeNeighborhood, Neighborhood: "Centro", ClusterID: 1, ClusterMeanPrice: 350000, PctDeviation: 0.2},
	}
	if err := repo.ReplaceAnnotations(ctx, property.ScopeNeighborhood, hood); err != nil {
		t.Fatalf("ReplaceAnnotations (hood): %v", err)
	}

	// Re-running the global scope replaces its rows but leaves the
	// neighborhood scope untouched.
	second := []property.Annotation{
		{RecordID: "a", Scope: property.ScopeGlobal, ClusterID: 2, ClusterMeanPrice: 500000, PctDeviation: 0},
	}
	if err := repo.ReplaceAnnotations(ctx, property.ScopeGlobal, second); err != nil {
		t.Fatalf("ReplaceAnnotations (rerun): %v", err)
	}

	got, err := repo.SelectAnnotations(ctx)
	if err != nil {
		t.Fatalf("SelectAnnotations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d annotations, want 2", len(got))
	}

	var globals, hoods int
	for _, a := range got {
		switch a.Scope {
		case property.ScopeGlobal:
			globals++
			if a.ClusterID != 2 {
				t.Fatalf("stale global annotation survived: %+v", a)
			}
			if a.ZScore != nil {
				t.Fatalf("z-score should be nil after replace, got %v", *a.ZScore)
			}
		case property.ScopeNeighborhood:
			hoods++
			if a.Neighborhood != "Centro" {
				t.Fatalf("neighborhood = %q", a.Neighborhood)
			}
		}
	}
	if globals != 1 || hoods != 1 {
		t.Fatalf("scope counts = %d/%d", globals, hoods)
	}
}
