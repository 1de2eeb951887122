// Package storage defines the analytical-store boundary of the pipeline and
// the registry through which concrete backends plug in.
//
// The interface is intentionally minimal: the scrape runner needs upserts
// keyed by record identity (writes arrive out of order and possibly
// concurrently), the history table is append-only, and the clustering
// pipeline reads the full record set back and replaces annotations per
// scope. Each backend implements those semantics its own idiomatic way
// (Postgres ON CONFLICT, SQLite upsert clauses).
package storage

import (
	"context"
	"fmt"
	"sync"

	"kodomiya/internal/property"
)

// Config is the minimal configuration needed to construct a repository.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic persistence seam.
type Repository interface {
	// Close releases backend resources. Call once at shutdown.
	Close()

	// EnsureSchema creates tables as needed. Idempotent; called at startup.
	EnsureSchema(ctx context.Context) error

	// UpsertRecords merges records into the register by ID. A re-scraped
	// listing supersedes the stored row; concurrent and out-of-order writes
	// for distinct IDs must be safe.
	UpsertRecords(ctx context.Context, records []property.Record) (int64, error)

	// AppendPriceHistory appends one price observation per record. Never
	// updates existing rows; history is append-only.
	AppendPriceHistory(ctx context.Context, records []property.Record) error

	// SelectRecords returns the full current register.
	SelectRecords(ctx context.Context) ([]property.Record, error)

	// ReplaceAnnotations atomically swaps all annotations of one scope for
	// the given set. A clustering re-run recomputes from scratch, so stale
	// annotations from the previous run must not survive.
	ReplaceAnnotations(ctx context.Context, scope property.Scope, anns []property.Annotation) error

	// SelectAnnotations returns every stored annotation.
	SelectAnnotations(ctx context.Context) ([]property.Annotation, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call from an init() in the backend package. Registering the same kind
// twice panics; failing fast beats ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
