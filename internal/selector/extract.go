package selector

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extract interprets a descriptor against an already-parsed fragment and
// returns the coerced field value.
//
// The second return value reports whether a value was found; false means the
// field is missing on this fragment. Missing is a normal outcome, not an
// error: a selector that matches nothing, a child step that walks off the
// fragment, and text that fails coercion all return (nil, false).
//
// Extract never panics and performs no I/O. The concrete type of the value
// depends on the descriptor's value_type:
//
//	string   -> string
//	integer  -> int
//	float    -> float64
//	currency -> decimal.Decimal
func Extract(root *goquery.Selection, d Descriptor) (any, bool) {
	sel := root.Find(d.baseSelector())
	if sel.Length() == 0 {
		return nil, false
	}

	if d.method() == FindFirst {
		sel = sel.First()
	}

	for _, step := range d.Children {
		// Eq returns an empty selection when the index is out of range.
		sel = sel.Find(step.Tag).Eq(step.Index)
		if sel.Length() == 0 {
			return nil, false
		}
	}

	// find_all with no narrowing child step: first match, by convention.
	if sel.Length() > 1 {
		sel = sel.First()
	}

	raw, ok := rawValue(sel, d)
	if !ok {
		return nil, false
	}
	return Coerce(raw, d.valueType())
}

// rawValue extracts the attribute or text content of the resolved leaf.
func rawValue(sel *goquery.Selection, d Descriptor) (string, bool) {
	if d.Attribute != "" {
		v, ok := sel.Attr(d.Attribute)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	return strings.TrimSpace(sel.Text()), true
}
