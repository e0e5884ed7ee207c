package structure

import (
	"fmt"
	"strings"
)

// Field names one piece of expected page structure.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	Selector string `json:"selector" yaml:"selector"`
}

// SelectorMap is an ordered, immutable set of fields keyed by name.
type SelectorMap struct {
	fields []Field
}

// NewSelectorMap validates and copies the given fields. Names must be unique
// and selectors non-empty.
func NewSelectorMap(fields ...Field) (SelectorMap, error) {
	seen := make(map[string]struct{}, len(fields))
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return SelectorMap{}, fmt.Errorf("field name is required")
		}
		if strings.TrimSpace(f.Selector) == "" {
			return SelectorMap{}, fmt.Errorf("field %q: selector is required", name)
		}
		if _, dup := seen[name]; dup {
			return SelectorMap{}, fmt.Errorf("duplicate field %q", name)
		}
		seen[name] = struct{}{}
		out = append(out, Field{Name: name, Selector: f.Selector})
	}
	return SelectorMap{fields: out}, nil
}

// MustSelectorMap is NewSelectorMap for static tables.
func MustSelectorMap(fields ...Field) SelectorMap {
	m, err := NewSelectorMap(fields...)
	if err != nil {
		panic(err)
	}
	return m
}

// Len returns the number of fields.
func (m SelectorMap) Len() int {
	return len(m.fields)
}

// Fields returns a copy of the fields in declaration order.
func (m SelectorMap) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}
