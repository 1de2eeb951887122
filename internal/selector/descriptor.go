// Package selector implements the declarative extraction rules that drive the
// generic scraping engine.
//
// A Descriptor is pure data: it says where a field lives inside a property
// card (tag, class, child steps) and what type the extracted text should be
// coerced to. One interpreter (Extract) serves every site; adding or fixing a
// source is a configuration change, not a code change.
package selector

import (
	"fmt"
	"strings"
)

// Method controls how many base-element matches a descriptor expects.
type Method string

const (
	// FindFirst resolves the descriptor against the first matching element.
	FindFirst Method = "find_first"

	// FindAll matches every element. Resolution is still deterministic: the
	// first match in document order is used unless a child step index narrows
	// the selection further.
	FindAll Method = "find_all"
)

// ValueType is the coercion target for the extracted raw text.
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeInteger  ValueType = "integer"
	TypeFloat    ValueType = "float"
	TypeCurrency ValueType = "currency"
)

// ChildStep narrows from a matched base element down to the leaf holding the
// value: find all `Tag` descendants, keep the one at `Index` (document order).
type ChildStep struct {
	Tag   string `yaml:"tag"`
	Index int    `yaml:"index"`
}

// Descriptor describes how to locate and extract one field from a page
// fragment. It has no behavior of its own; Extract interprets it.
type Descriptor struct {
	Tag       string      `yaml:"tag"`
	ClassName string      `yaml:"class_name,omitempty"`
	Method    Method      `yaml:"selector_method,omitempty"`
	Children  []ChildStep `yaml:"additional_selectors,omitempty"`
	Attribute string      `yaml:"attribute,omitempty"`
	Type      ValueType   `yaml:"value_type,omitempty"`
}

// IsZero reports whether the descriptor was absent from configuration.
func (d Descriptor) IsZero() bool {
	return d.Tag == "" && d.ClassName == "" && len(d.Children) == 0 && d.Attribute == ""
}

// Validate checks that the descriptor is interpretable. It is called once at
// configuration load time so that malformed descriptors fail the source run
// before any page is processed.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Tag) == "" {
		return fmt.Errorf("selector: missing tag")
	}
	switch d.Method {
	case "", FindFirst, FindAll:
	default:
		return fmt.Errorf("selector: unknown selector_method %q", d.Method)
	}
	switch d.Type {
	case "", TypeString, TypeInteger, TypeFloat, TypeCurrency:
	default:
		return fmt.Errorf("selector: unknown value_type %q", d.Type)
	}
	for _, c := range d.Children {
		if strings.TrimSpace(c.Tag) == "" {
			return fmt.Errorf("selector: additional selector with empty tag")
		}
		if c.Index < 0 {
			return fmt.Errorf("selector: additional selector index %d is negative", c.Index)
		}
	}
	return nil
}

// method returns the effective selector method, defaulting to find_first.
func (d Descriptor) method() Method {
	if d.Method == "" {
		return FindFirst
	}
	return d.Method
}

// valueType returns the effective coercion target, defaulting to string.
func (d Descriptor) valueType() ValueType {
	if d.Type == "" {
		return TypeString
	}
	return d.Type
}

// BaseSelector returns the CSS selector for the descriptor's base element.
// Callers that iterate every match themselves (the property-card descriptor)
// use this instead of resolving down to a single leaf.
func BaseSelector(d Descriptor) string { return d.baseSelector() }

// baseSelector builds the CSS selector for the base element.
//
// ClassName may hold several space-separated classes (the class attribute as
// sites write it); each becomes one .class constraint so match semantics stay
// independent of attribute ordering.
func (d Descriptor) baseSelector() string {
	var b strings.Builder
	b.WriteString(d.Tag)
	for _, c := range strings.Fields(d.ClassName) {
		b.WriteByte('.')
		b.WriteString(c)
	}
	return b.String()
}
