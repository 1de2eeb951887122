// Package sqlite implements storage.Repository on SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shopspring/decimal"

	"kodomiya/internal/property"
	"kodomiya/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key differences vs Postgres:
//   - SQLite has no TIMESTAMPTZ; timestamps are stored as RFC3339Nano TEXT
//     for reliable round-trip behavior and easy debugging.
//   - Prices are stored as TEXT holding the canonical decimal form; REAL
//     affinity would silently lose fixed-point precision.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (or creates) the SQLite database at cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS properties (
			id           TEXT PRIMARY KEY,
			source       TEXT NOT NULL,
			scraped_at   TEXT NOT NULL,
			price        TEXT,
			street       TEXT,
			neighborhood TEXT,
			city         TEXT,
			size_m2      REAL,
			rooms        INTEGER,
			bathrooms    INTEGER,
			parking      INTEGER,
			latitude     REAL,
			longitude    REAL
		);`,
		`CREATE TABLE IF NOT EXISTS price_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			property_id TEXT NOT NULL,
			scraped_at  TEXT NOT NULL,
			price       TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS cluster_annotations (
			property_id        TEXT NOT NULL,
			scope              TEXT NOT NULL,
			neighborhood       TEXT NOT NULL DEFAULT '',
			cluster_id         INTEGER NOT NULL,
			cluster_mean_price REAL NOT NULL,
			pct_deviation      REAL NOT NULL,
			z_score            REAL,
			PRIMARY KEY (property_id, scope)
		);`,
	} {
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

var recordColumns = []string{
	"id", "source", "scraped_at", "price", "street", "neighborhood", "city",
	"size_m2", "rooms", "bathrooms", "parking", "latitude", "longitude",
}

func (r *Repo) UpsertRecords(ctx context.Context, records []property.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	setParts := make([]string, 0, len(recordColumns)-1)
	for _, col := range recordColumns[1:] {
		setParts = append(setParts, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	q := fmt.Sprintf(
		`INSERT INTO properties (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		strings.Join(recordColumns, ", "),
		strings.TrimRight(strings.Repeat("?,", len(recordColumns)), ","),
		strings.Join(setParts, ", "),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var affected int64
	for _, rec := range records {
		res, err := tx.ExecContext(ctx, q, recordArgs(rec)...)
		if err != nil {
			return affected, fmt.Errorf("upsert property %s: %w", rec.ID, err)
		}
		n, _ := res.RowsAffected()
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return affected, err
	}
	return affected, nil
}

func recordArgs(rec property.Record) []any {
	return []any{
		rec.ID, rec.Source, formatTime(rec.ScrapedAt), priceArg(rec.Price),
		rec.Street, rec.Neighborhood, rec.City,
		rec.SizeM2, rec.Rooms, rec.Bathrooms, rec.Parking,
		rec.Latitude, rec.Longitude,
	}
}

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
	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?)")
		args = append(args, rec.ID, formatTime(rec.ScrapedAt), priceArg(rec.Price))
	}

	_, err := r.db.ExecContext(ctx, b.String(), args...)
	return err
}

func (r *Repo) SelectRecords(ctx context.Context) ([]property.Record, error) {
	q := fmt.Sprintf(`SELECT %s FROM properties`, strings.Join(recordColumns, ", "))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []property.Record
	for rows.Next() {
		var rec property.Record
		var scrapedAt string
		var price sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.Source, &scrapedAt, &price,
			&rec.Street, &rec.Neighborhood, &rec.City,
			&rec.SizeM2, &rec.Rooms, &rec.Bathrooms, &rec.Parking,
			&rec.Latitude, &rec.Longitude,
		); err != nil {
			return nil, err
		}

		ts, err := parseTime(scrapedAt)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", rec.ID, err)
		}
		rec.ScrapedAt = ts

		if price.Valid {
			d, err := decimal.NewFromString(price.String)
			if err != nil {
				return nil, fmt.Errorf("property %s: parse price %q: %w", rec.ID, price.String, err)
			}
			rec.Price = &d
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repo) ReplaceAnnotations(ctx context.Context, scope property.Scope, anns []property.Annotation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cluster_annotations WHERE scope = ?`, string(scope)); err != nil {
		return err
	}

	for _, a := range anns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cluster_annotations
				(property_id, scope, neighborhood, cluster_id, cluster_mean_price, pct_deviation, z_score)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.RecordID, string(a.Scope), a.Neighborhood, a.ClusterID,
			a.ClusterMeanPrice, a.PctDeviation, a.ZScore,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *Repo) SelectAnnotations(ctx context.Context) ([]property.Annotation, error) {
	rows, err := r.db.QueryContext(ctx,
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
		var z sql.NullFloat64
		if err := rows.Scan(&a.RecordID, &scope, &a.Neighborhood, &a.ClusterID,
			&a.ClusterMeanPrice, &a.PctDeviation, &z); err != nil {
			return nil, err
		}
		a.Scope = property.Scope(scope)
		if z.Valid {
			v := z.Float64
			a.ZScore = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// formatTime stores timestamps as RFC3339Nano in UTC; TEXT affinity makes
// any other representation brittle with modernc.org/sqlite.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
