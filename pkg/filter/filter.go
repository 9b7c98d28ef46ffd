// Package filter evaluates predicate trees over JSON payloads.
//
// Leaves compare a dotted-path projection of the payload against a
// literal; combinators are and/or/not. Evaluation is total: a missing
// path reads as null and a type-incompatible comparison is false rather
// than an error.
package filter

import (
	"strings"
)

// Filter is a predicate over a decoded JSON payload.
type Filter interface {
	Matches(payload map[string]any) bool
}

// Lookup resolves a dotted path ("a.b.c") inside a payload. A missing
// segment yields (nil, false).
func Lookup(payload map[string]any, path string) (any, bool) {
	if payload == nil {
		return nil, false
	}
	var current any = payload
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// asNumber coerces the numeric types JSON decoding can produce.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case numberLike:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// numberLike matches encoding/json.Number and goccy/go-json.Number,
// both of which are string kinds with a Float64 method.
type numberLike interface {
	Float64() (float64, error)
}

// valuesEqual compares two JSON scalars, treating all numeric types as
// one domain.
func valuesEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

// compare orders two scalars: numbers numerically, strings
// lexicographically. ok is false for incompatible or unordered types.
func compare(a, b any) (int, bool) {
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		if !bok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

type eqFilter struct {
	path  string
	value any
	neq   bool
}

func (f eqFilter) Matches(p map[string]any) bool {
	v, ok := Lookup(p, f.path)
	if !ok {
		// Missing reads as null: equal only to an explicit null literal.
		return (f.value == nil) != f.neq
	}
	return valuesEqual(v, f.value) != f.neq
}

// Eq matches payloads whose path equals value.
func Eq(path string, value any) Filter { return eqFilter{path: path, value: value} }

// Neq matches payloads whose path differs from value.
func Neq(path string, value any) Filter { return eqFilter{path: path, value: value, neq: true} }

type cmpFilter struct {
	path      string
	value     any
	want      int  // -1 for less, 1 for greater
	inclusive bool // allow equality
}

func (f cmpFilter) Matches(p map[string]any) bool {
	v, ok := Lookup(p, f.path)
	if !ok {
		return false
	}
	c, comparable := compare(v, f.value)
	if !comparable {
		return false
	}
	if c == 0 {
		return f.inclusive
	}
	return c == f.want
}

// Gt matches strictly greater values.
func Gt(path string, value any) Filter { return cmpFilter{path: path, value: value, want: 1} }

// Gte matches greater-or-equal values.
func Gte(path string, value any) Filter {
	return cmpFilter{path: path, value: value, want: 1, inclusive: true}
}

// Lt matches strictly smaller values.
func Lt(path string, value any) Filter { return cmpFilter{path: path, value: value, want: -1} }

// Lte matches smaller-or-equal values.
func Lte(path string, value any) Filter {
	return cmpFilter{path: path, value: value, want: -1, inclusive: true}
}

type inFilter struct {
	path   string
	values []any
}

func (f inFilter) Matches(p map[string]any) bool {
	v, ok := Lookup(p, f.path)
	if !ok {
		return false
	}
	for _, cand := range f.values {
		if valuesEqual(v, cand) {
			return true
		}
	}
	return false
}

// In matches when the path value equals any of values.
func In(path string, values ...any) Filter { return inFilter{path: path, values: values} }

type containsFilter struct {
	path   string
	substr string
}

func (f containsFilter) Matches(p map[string]any) bool {
	v, ok := Lookup(p, f.path)
	if !ok {
		return false
	}
	s, isStr := v.(string)
	return isStr && strings.Contains(s, f.substr)
}

// Contains matches string values containing substr.
func Contains(path, substr string) Filter { return containsFilter{path: path, substr: substr} }

type nullFilter struct {
	path    string
	notNull bool
}

func (f nullFilter) Matches(p map[string]any) bool {
	v, ok := Lookup(p, f.path)
	isNull := !ok || v == nil
	return isNull != f.notNull
}

// IsNull matches null or missing paths.
func IsNull(path string) Filter { return nullFilter{path: path} }

// IsNotNull matches present, non-null paths.
func IsNotNull(path string) Filter { return nullFilter{path: path, notNull: true} }

type andFilter []Filter

func (f andFilter) Matches(p map[string]any) bool {
	for _, child := range f {
		if !child.Matches(p) {
			return false
		}
	}
	return true
}

// And matches when every child matches. An empty And matches all.
func And(children ...Filter) Filter { return andFilter(children) }

type orFilter []Filter

func (f orFilter) Matches(p map[string]any) bool {
	for _, child := range f {
		if child.Matches(p) {
			return true
		}
	}
	return false
}

// Or matches when any child matches. An empty Or matches none.
func Or(children ...Filter) Filter { return orFilter(children) }

type notFilter struct{ child Filter }

func (f notFilter) Matches(p map[string]any) bool { return !f.child.Matches(p) }

// Not inverts a filter.
func Not(child Filter) Filter { return notFilter{child: child} }
