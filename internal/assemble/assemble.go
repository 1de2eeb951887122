// Package assemble turns parsed results pages into normalized property
// records by interpreting a source's selector configuration.
//
// Assembly is pure with respect to shared state: it reads an already-parsed
// document, performs no I/O, and is safe to run concurrently across pages.
package assemble

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"kodomiya/internal/geo"
	"kodomiya/internal/property"
	"kodomiya/internal/selector"
	"kodomiya/internal/sourceconfig"
)

// ErrNoCards reports a page on which the property-card selector matched
// nothing. It is a page-level warning — usually a site-structure change —
// and must not abort the run across other pages or sources.
var ErrNoCards = errors.New("assemble: no property cards matched on page")

// Result pairs one assembled record with the names of the fields that failed
// to extract on its card.
type Result struct {
	Record  property.Record
	Missing []string
}

// Assembler applies one source's configuration to results pages.
type Assembler struct {
	Source sourceconfig.Source

	// Known place names for recovering neighborhood and city from address
	// text.
	Neighborhoods []string
	Cities        []string

	// Now is a clock seam for tests. Defaults to time.Now.
	Now func() time.Time
}

// Page assembles one record per property card found on doc, in the order the
// cards appear.
//
// Field extraction is isolated per field: one selector missing on a card
// nulls that field and moves on, it never aborts the card or the page. A
// record missing price or size is still returned — it is persisted but
// excluded from clustering downstream.
//
// page is the 1-based page number, used only to build a fallback identity
// for cards that expose no address at all.
func (a *Assembler) Page(doc *goquery.Document, page int) ([]Result, error) {
	cards := doc.Find(selector.BaseSelector(a.Source.PropertyCard))
	if cards.Length() == 0 {
		return nil, ErrNoCards
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	scrapedAt := now().UTC()

	results := make([]Result, 0, cards.Length())
	cards.Each(func(i int, card *goquery.Selection) {
		results = append(results, a.assembleCard(card, page, i, scrapedAt))
	})
	return results, nil
}

// assembleCard extracts every configured field from one card fragment.
func (a *Assembler) assembleCard(card *goquery.Selection, page, index int, scrapedAt time.Time) Result {
	rec := property.Record{
		Source:    a.Source.Name,
		ScrapedAt: scrapedAt,
	}
	var missing []string

	miss := func(field string) {
		missing = append(missing, field)
	}

	if d, ok := priceValue(selector.Extract(card, a.Source.Price)); ok {
		rec.Price = &d
	} else {
		miss("price")
	}

	if v, ok := selector.Extract(card, a.Source.Address); ok {
		rec.Street, _ = v.(string)
	}
	if rec.Street == "" {
		miss("address")
	}

	if f, ok := sizeValue(selector.Extract(card, a.Source.Size)); ok {
		rec.SizeM2 = &f
	} else {
		miss("size")
	}

	rec.Rooms = a.intField(card, a.Source.Rooms, "rooms", miss)
	rec.Bathrooms = a.intField(card, a.Source.Bathrooms, "bathrooms", miss)
	rec.Parking = a.intField(card, a.Source.Parking, "parking", miss)

	// Neighborhood and city come from the location line when one is
	// configured, otherwise from the street text itself.
	locationText := rec.Street
	if !a.Source.AddressLocation.IsZero() {
		if v, ok := selector.Extract(card, a.Source.AddressLocation); ok {
			locationText = v.(string)
		}
	}
	if name, ok := geo.MatchKnownName(locationText, a.Neighborhoods); ok {
		rec.Neighborhood = name
	}
	if name, ok := geo.MatchKnownName(locationText, a.Cities); ok {
		rec.City = name
	}

	// Address-less cards fall back to the listing URL, which survives the
	// card moving between pages; position is the identity of last resort.
	fallback := fmt.Sprintf("%s:page%d:card%d", a.Source.Name, page, index)
	if href := cardLink(card); href != "" {
		fallback = a.Source.Name + ":" + href
	}
	rec.ID = property.MakeID([]string{rec.Street, rec.Neighborhood, rec.City}, fallback)

	return Result{Record: rec, Missing: missing}
}

// cardLink returns the card's listing URL: the card's own href when the card
// is an anchor, otherwise the first linked descendant.
func cardLink(card *goquery.Selection) string {
	if href, ok := card.Attr("href"); ok {
		if href = strings.TrimSpace(href); href != "" {
			return href
		}
	}
	href, _ := card.Find("a[href]").First().Attr("href")
	return strings.TrimSpace(href)
}

func (a *Assembler) intField(card *goquery.Selection, d selector.Descriptor, field string, miss func(string)) *int {
	v, ok := selector.Extract(card, d)
	if !ok {
		miss(field)
		return nil
	}
	n, ok := v.(int)
	if !ok {
		miss(field)
		return nil
	}
	return &n
}

// priceValue accepts the coerced price regardless of whether the document
// declared it currency or a plain number.
func priceValue(v any, ok bool) (decimal.Decimal, bool) {
	if !ok {
		return decimal.Decimal{}, false
	}
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	}
	return decimal.Decimal{}, false
}

// sizeValue widens integer-coerced sizes; sites disagree on whether areas
// are whole numbers.
func sizeValue(v any, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}
