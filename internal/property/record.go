// Package property defines the normalized listing record shared by the
// extraction engine, the analytical store, and the clustering engine.
package property

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kodomiya/internal/geo"
)

// Record is one normalized listing captured during a scrape run.
//
// A record is immutable after assembly. Re-scraping the same listing produces
// a new record that supersedes the stored one by ID (upsert on the register,
// append on the price history); nothing ever mutates in place.
//
// Fields whose extraction failed are nil, never a sentinel value.
type Record struct {
	ID        string
	Source    string
	ScrapedAt time.Time

	Price        *decimal.Decimal
	Street       string
	Neighborhood string
	City         string
	SizeM2       *float64
	Rooms        *int
	Bathrooms    *int
	Parking      *int
	Latitude     *float64
	Longitude    *float64
}

// Clusterable reports whether the record carries every physical attribute the
// clustering engine compares on. Non-clusterable records are still persisted.
func (r Record) Clusterable() bool {
	return r.Price != nil && r.SizeM2 != nil && r.Rooms != nil && r.Bathrooms != nil && r.Parking != nil
}

// MakeID derives the stable record identity from the normalized address
// parts. Identical listings published on different sources hash to the same
// ID, which is what lets the register deduplicate across sites.
//
// fallback (typically the listing URL) is used when no address part is
// available, so a record never ends up keyed by the empty hash.
func MakeID(parts []string, fallback string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(p)
	}

	s := b.String()
	if s == "" {
		s = fallback
	}

	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, ",", "")
	s = geo.FoldAccents(s)

	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
