// Package postgres implements storage.Repository on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"kodomiya/internal/property"
	"kodomiya/internal/storage"
)

// Repo implements storage.Repository for Postgres.
//
// Upserts use INSERT ... ON CONFLICT (id) DO UPDATE so that re-scrapes and
// concurrent page workers writing the same listing stay idempotent without
// any coordination above the database.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a Postgres-backed repository.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() { r.pool.Close() }

// EnsureSchema creates the register, the append-only history, and the
// annotation table. Idempotent.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS properties (
			id           TEXT PRIMARY KEY,
			source       TEXT NOT NULL,
			scraped_at   TIMESTAMPTZ NOT NULL,
			price        NUMERIC,
			street       TEXT,
			neighborhood TEXT,
			city         TEXT,
			size_m2      DOUBLE PRECISION,
			rooms        INTEGER,
			bathrooms    INTEGER,
			parking      INTEGER,
			latitude     DOUBLE PRECISION,
			longitude    DOUBLE PRECISION
		);`,
		`CREATE TABLE IF NOT EXISTS price_history (
			id          BIGSERIAL PRIMARY KEY,
			property_id TEXT NOT NULL,
			scraped_at  TIMESTAMPTZ NOT NULL,
			price       NUMERIC
		);`,
		`CREATE TABLE IF NOT EXISTS cluster_annotations (
			property_id        TEXT NOT NULL,
			scope              TEXT NOT NULL,
			neighborhood       TEXT NOT NULL DEFAULT '',
			cluster_id         INTEGER NOT NULL,
			cluster_mean_price DOUBLE PRECISION NOT NULL,
			pct_deviation      DOUBLE PRECISION NOT NULL,
			z_score            DOUBLE PRECISION,
			PRIMARY KEY (property_id, scope)
		);`,
	} {
		if _, err := r.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// recordColumns is the column order shared by the upsert builder and the
// register reader.
var recordColumns = []string{
	"id", "source", "scraped_at", "price", "street", "neighborhood", "city",
	"size_m2", "rooms", "bathrooms", "parking", "latitude", "longitude",
}

func (r *Repo) UpsertRecords(ctx context.Context, records []property.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	sql, args := buildUpsertSQL(records)
	cmd, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// buildUpsertSQL constructs a single multi-row INSERT ... ON CONFLICT
// statement and its args.
//
// The batch is deduped by ID first: Postgres rejects a statement whose ON
// CONFLICT DO UPDATE would touch the same row twice, and the same listing can
// legitimately appear more than once on one page. Last occurrence wins.
//
// It is pure and deterministic so placeholder numbering and the conflict
// clause can be unit tested without a database.
func buildUpsertSQL(records []property.Record) (string, []any) {
	records = dedupeByID(records)

	var b strings.Builder
	b.WriteString("INSERT INTO properties (")
	b.WriteString(strings.Join(recordColumns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*len(recordColumns))
	p := 1
	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < len(recordColumns); j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			p++
		}
		b.WriteString(")")
		args = append(args, recordArgs(rec)...)
	}

	b.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
	for i, col := range recordColumns[1:] {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", col, col)
	}
	b.WriteString(";")
	return b.String(), args
}

// dedupeByID collapses repeated IDs onto one row, keeping the latest values
// at the position of the first occurrence.
func dedupeByID(records []property.Record) []property.Record {
	index := make(map[string]int, len(records))
	out := make([]property.Record, 0, len(records))
	for _, rec := range records {
		if i, ok := index[rec.ID]; ok {
			out[i] = rec
			continue
		}
		index[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}

func recordArgs(rec property.Record) []any {
	return []any{
		rec.ID, rec.Source, rec.ScrapedAt, priceArg(rec.Price),
		rec.Street, rec.Neighborhood, rec.City,
		rec.SizeM2, rec.Rooms, rec.Bathrooms, rec.Parking,
		rec.Latitude, rec.Longitude,
	}
}

// priceArg binds the fixed-point price as its canonical string form; pgx
// maps that onto NUMERIC losslessly.
func priceArg(p *decimal.Decimal) any {
	if p == nil {
		return nil
	}
	return p.String()
}

func (r *Repo) AppendPriceHistory(ctx context.Context, records []property.Record) error {
	if len(records) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO price_history (property_id, scraped_at, price) VALUES ")
	args := make([]any, 0, len(records)*3)
	p := 1
	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d, $%d)", p, p+1, p+2)
		p += 3
		args = append(args, rec.ID, rec.ScrapedAt, priceArg(rec.Price))
	}

	_, err := r.pool.Exec(ctx, b.String(), args...)
	return err
}

func (r *Repo) SelectRecords(ctx context.Context) ([]property.Record, error) {
	q := fmt.Sprintf(`SELECT %s FROM properties`, strings.Join(recordColumns, ", "))
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []property.Record
	for rows.Next() {
		var rec property.Record
		var price *string
		if err := rows.Scan(
			&rec.ID, &rec.Source, &rec.ScrapedAt, &price,
			&rec.Street, &rec.Neighborhood, &rec.City,
			&rec.SizeM2, &rec.Rooms, &rec.Bathrooms, &rec.Parking,
			&rec.Latitude, &rec.Longitude,
		); err != nil {
			return nil, err
		}
		if price != nil {
			d, err := decimal.NewFromString(*price)
			if err != nil {
				return nil, fmt.Errorf("property %s: parse price %q: %w", rec.ID, *price, err)
			}
			rec.Price = &d
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReplaceAnnotations swaps the whole annotation set of one scope inside a
// transaction, so readers never observe a half-replaced run.
func (r *Repo) ReplaceAnnotations(ctx context.Context, scope property.Scope, anns []property.Annotation) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM cluster_annotations WHERE scope = $1`, string(scope)); err != nil {
		return err
	}

	for _, a := range anns {
		if _, err := tx.Exec(ctx,
			`INSERT INTO cluster_annotations
				(property_id, scope, neighborhood, cluster_id, cluster_mean_price, pct_deviation, z_score)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.RecordID, string(a.Scope), a.Neighborhood, a.ClusterID,
			a.ClusterMeanPrice, a.PctDeviation, a.ZScore,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *Repo) SelectAnnotations(ctx context.Context) ([]property.Annotation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT property_id, scope, neighborhood, cluster_id, cluster_mean_price, pct_deviation, z_score
		 FROM cluster_annotations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []property.Annotation
	for rows.Next() {
		var a property.Annotation
		var scope string
		if err := rows.Scan(&a.RecordID, &scope, &a.Neighborhood, &a.ClusterID,
			&a.ClusterMeanPrice, &a.PctDeviation, &a.ZScore); err != nil {
			return nil, err
		}
		a.Scope = property.Scope(scope)
		out = append(out, a)
	}
	return out, rows.Err()
}
