// Package geo holds the small geographic vocabulary the pipeline needs:
// accent-insensitive matching of known place names inside free-form address
// text, the bounding box handed to the geocoding collaborator, and the
// geocoder seam itself.
package geo

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTransformer strips combining marks: NFD decomposition, drop the marks,
// recompose. "Santa Cândida" folds to "Santa Candida".
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldAccents returns s with diacritical marks removed.
func FoldAccents(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return s
	}
	return out
}

// MatchKnownName scans sentence for the first name in names that appears in
// it, comparing accent-folded and lowercased. It returns the matched name as
// listed (not as written in the sentence) and whether a match was found.
//
// Sites rarely print neighborhood or city as an isolated field; they embed it
// in strings like "Casa para comprar em Santa Cândida, Curitiba". Matching
// against a configured list of known names is how those parts are recovered.
func MatchKnownName(sentence string, names []string) (string, bool) {
	folded := strings.ToLower(FoldAccents(sentence))
	for _, name := range names {
		if name == "" {
			continue
		}
		if strings.Contains(folded, strings.ToLower(FoldAccents(name))) {
			return name, true
		}
	}
	return "", false
}

// Point is a latitude/longitude pair.
type Point struct {
	Lat  float64 `yaml:"lat"`
	Long float64 `yaml:"long"`
}

// ViewBox bounds geocoding lookups to the scraped region so that ambiguous
// street names resolve inside the right city.
type ViewBox struct {
	TopLeft     Point
	BottomRight Point
}

// Result is a resolved coordinate pair.
type Result struct {
	Latitude  float64
	Longitude float64
}

// Geocoder resolves a free-form address to coordinates. The implementation
// lives outside this module; the pipeline only depends on this seam and
// tolerates any failure by storing nil coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string, box ViewBox) (Result, error)
}

// Nop is a Geocoder that resolves nothing. It is the default when no
// geocoding collaborator is wired in.
type Nop struct{}

// ErrNoResult is returned by Nop for every lookup.
var ErrNoResult = errNoResult{}

type errNoResult struct{}

func (errNoResult) Error() string { return "geo: no result" }

func (Nop) Geocode(context.Context, string, ViewBox) (Result, error) {
	return Result{}, ErrNoResult
}
