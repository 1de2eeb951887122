package selector

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Coerce converts raw extracted text into the target type.
//
// ok=false means the text could not be interpreted as the target type; the
// caller records the field as missing. Coercion never returns an error.
//
// Numeric coercion tolerates trailing unit text ("360 m²", "2 vagas"):
// parsing stops at the first rune that cannot continue the number. Currency
// coercion understands the Brazilian convention ('.' thousands, ',' decimals)
// and is idempotent on already-normalized values.
func Coerce(raw string, t ValueType) (any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	switch t {
	case TypeString:
		return raw, true

	case TypeInteger:
		s := leadingDigits(raw)
		if s == "" {
			return nil, false
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, false
		}
		return n, true

	case TypeFloat:
		s := leadingNumber(raw)
		if s == "" {
			return nil, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		return f, true

	case TypeCurrency:
		d, ok := parseCurrencyBRL(raw)
		if !ok {
			return nil, false
		}
		return d, true
	}

	return nil, false
}

// leadingDigits returns the digit run at the start of s.
func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

// leadingNumber returns the leading decimal number of s normalized to use '.'
// as the decimal separator, reading separators with the same Brazilian
// convention as currency: a comma is the decimal mark and every '.' a
// thousands separator ("1.234,5"), and with no comma a final '.' group of
// exactly three digits is a thousands separator ("1.050 m²" is 1050, not
// 1.05) while any other final group is fractional ("72.5").
func leadingNumber(s string) string {
	i := 0
	for i < len(s) {
		c := s[i]
		if c >= '0' && c <= '9' {
			i++
			continue
		}
		if (c == '.' || c == ',') && i > 0 && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9' {
			i++
			continue
		}
		break
	}
	s = s[:i]

	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1)
	}
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		intPart, frac := s[:i], s[i+1:]
		if len(frac) == 3 {
			return strings.ReplaceAll(s, ".", "")
		}
		return strings.ReplaceAll(intPart, ".", "") + "." + frac
	}
	return s
}

// parseCurrencyBRL normalizes a Brazilian price string and parses it into a
// fixed-point decimal.
//
// Normalization rules:
//   - the "R$" symbol, regular spaces and non-breaking spaces are stripped
//   - if a comma is present it is the decimal mark; every '.' is a thousands
//     separator and is removed
//   - with no comma, a final '.' group of exactly three digits is read as a
//     thousands separator ("450.000" => 450000); any other final group is the
//     fractional part ("450000.00" => 450000.00), which keeps the function
//     idempotent on its own output
func parseCurrencyBRL(s string) (decimal.Decimal, bool) {
	s = strings.ReplaceAll(s, "R$", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Decimal{}, false
	}

	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
		if strings.Contains(s, ",") {
			return decimal.Decimal{}, false
		}
	} else if i := strings.LastIndexByte(s, '.'); i >= 0 {
		intPart, frac := s[:i], s[i+1:]
		if len(frac) == 3 {
			s = strings.ReplaceAll(s, ".", "")
		} else {
			s = strings.ReplaceAll(intPart, ".", "") + "." + frac
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
