package selector

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/shopspring/decimal"
)

func parseHTML(t *testing.T, html string) *goquery.Selection {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc.Selection
}

const cardHTML = `
<div class="card listing">
	<p class="price">R$ 450.000</p>
	<div class="details">
		<span>3 quartos</span>
		<span>2 banheiros</span>
		<span>1 vaga</span>
	</div>
	<a class="link" href="/imovel/123">ver</a>
</div>`

func TestExtractFindFirstDefault(t *testing.T) {
	t.Parallel()

	root := parseHTML(t, cardHTML)
	v, ok := Extract(root, Descriptor{Tag: "p", ClassName: "price", Type: TypeCurrency})
	if !ok {
		t.Fatalf("price missing")
	}
	if d := v.(decimal.Decimal); !d.Equal(decimal.NewFromInt(450000)) {
		t.Fatalf("price = %s, want 450000", d)
	}
}

func TestExtractChildStepIndex(t *testing.T) {
	t.Parallel()

	root := parseHTML(t, cardHTML)
	d := Descriptor{
		Tag:       "div",
		ClassName: "details",
		Children:  []ChildStep{{Tag: "span", Index: 1}},
		Type:      TypeInteger,
	}
	v, ok := Extract(root, d)
	if !ok || v.(int) != 2 {
		t.Fatalf("bathrooms = %v, %v; want 2, true", v, ok)
	}
}

func TestExtractChildStepOutOfRange(t *testing.T) {
	t.Parallel()

	root := parseHTML(t, cardHTML)
	d := Descriptor{
		Tag:       "div",
		ClassName: "details",
		Children:  []ChildStep{{Tag: "span", Index: 9}},
		Type:      TypeInteger,
	}
	if v, ok := Extract(root, d); ok {
		t.Fatalf("out-of-range child step returned %v, want missing", v)
	}
}

func TestExtractMissingSelectorIsNotError(t *testing.T) {
	t.Parallel()

	root := parseHTML(t, cardHTML)
	if v, ok := Extract(root, Descriptor{Tag: "h1", ClassName: "nope"}); ok {
		t.Fatalf("absent selector returned %v, want missing", v)
	}
}

// find_all with several matches resolves to the first in document order.
func TestExtractFindAllTakesFirstMatch(t *testing.T) {
	t.Parallel()

	root := parseHTML(t, `<div><span class="v">10</span><span class="v">20</span></div>`)
	d := Descriptor{Tag: "span", ClassName: "v", Method: FindAll, Type: TypeInteger}
	v, ok := Extract(root, d)
	if !ok || v.(int) != 10 {
		t.Fatalf("find_all = %v, %v; want 10, true", v, ok)
	}
}

func TestExtractAttribute(t *testing.T) {
	t.Parallel()

	root := parseHTML(t, cardHTML)
	v, ok := Extract(root, Descriptor{Tag: "a", ClassName: "link", Attribute: "href"})
	if !ok || v.(string) != "/imovel/123" {
		t.Fatalf("href = %v, %v", v, ok)
	}

	if v, ok := Extract(root, Descriptor{Tag: "a", ClassName: "link", Attribute: "data-id"}); ok {
		t.Fatalf("absent attribute returned %v, want missing", v)
	}
}

func TestExtractFailedCoercionIsMissing(t *testing.T) {
	t.Parallel()

	root := parseHTML(t, `<p class="price">Sob consulta</p>`)
	if v, ok := Extract(root, Descriptor{Tag: "p", ClassName: "price", Type: TypeCurrency}); ok {
		t.Fatalf("uncoercible text returned %v, want missing", v)
	}
}

func TestExtractMultiClassSelector(t *testing.T) {
	t.Parallel()

	root := parseHTML(t, cardHTML)
	v, ok := Extract(root, Descriptor{Tag: "div", ClassName: "card listing", Children: []ChildStep{{Tag: "p", Index: 0}}})
	if !ok || !strings.Contains(v.(string), "450.000") {
		t.Fatalf("multi-class = %v, %v", v, ok)
	}
}
