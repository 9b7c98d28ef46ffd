package velesql

import (
	"fmt"
	"strings"

	"github.com/velesdb/velesdb/pkg/filter"
)

// toFilter lowers a residual condition tree into the collection's
// predicate engine, resolving parameters. Similarity and text MATCH
// predicates must be stripped first.
func toFilter(e Expression, params map[string]any) (filter.Filter, error) {
	switch n := e.(type) {
	case *Comparison:
		val, err := n.Value.Resolve(params)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case OpEq:
			return filter.Eq(n.Column, val), nil
		case OpNeq:
			return filter.Neq(n.Column, val), nil
		case OpLt:
			return filter.Lt(n.Column, val), nil
		case OpLte:
			return filter.Lte(n.Column, val), nil
		case OpGt:
			return filter.Gt(n.Column, val), nil
		case OpGte:
			return filter.Gte(n.Column, val), nil
		}
		return nil, fmt.Errorf("velesql: unsupported comparison %v", n.Op)

	case *InExpr:
		vals := make([]any, len(n.Values))
		for i, v := range n.Values {
			resolved, err := v.Resolve(params)
			if err != nil {
				return nil, err
			}
			vals[i] = resolved
		}
		in := filter.In(n.Column, vals...)
		if n.Not {
			return filter.Not(in), nil
		}
		return in, nil

	case *BetweenExpr:
		lo, err := n.Lo.Resolve(params)
		if err != nil {
			return nil, err
		}
		hi, err := n.Hi.Resolve(params)
		if err != nil {
			return nil, err
		}
		return filter.And(filter.Gte(n.Column, lo), filter.Lte(n.Column, hi)), nil

	case *LikeExpr:
		return likeFilter{path: n.Column, pattern: n.Pattern}, nil

	case *IsNullExpr:
		if n.Not {
			return filter.IsNotNull(n.Column), nil
		}
		return filter.IsNull(n.Column), nil

	case *LogicalExpr:
		left, err := toFilter(n.Left, params)
		if err != nil {
			return nil, err
		}
		right, err := toFilter(n.Right, params)
		if err != nil {
			return nil, err
		}
		if n.Op == LogicalOr {
			return filter.Or(left, right), nil
		}
		return filter.And(left, right), nil

	case *NotExpr:
		child, err := toFilter(n.Child, params)
		if err != nil {
			return nil, err
		}
		return filter.Not(child), nil

	case *GroupExpr:
		return toFilter(n.Child, params)

	case *TextMatchExpr, *SimilarityExpr, *NearExpr:
		return nil, fmt.Errorf("velesql: %s must be planned, not evaluated as a filter", e)

	default:
		return nil, fmt.Errorf("velesql: unsupported condition %T", e)
	}
}

// likeFilter evaluates SQL LIKE ('%' any run, '_' any byte) against a
// string payload field, case-insensitively.
type likeFilter struct {
	path    string
	pattern string
}

func (f likeFilter) Matches(p map[string]any) bool {
	v, ok := filter.Lookup(p, f.path)
	if !ok {
		return false
	}
	s, isStr := v.(string)
	if !isStr {
		return false
	}
	return MatchLike(s, f.pattern)
}

// MatchLike reports whether s matches a LIKE pattern.
func MatchLike(s, pattern string) bool {
	return likeMatch(strings.ToLower(s), strings.ToLower(pattern))
}

func likeMatch(s, p string) bool {
	// Iterative two-pointer match with backtracking on the last '%'.
	si, pi := 0, 0
	starP, starS := -1, 0
	for si < len(s) {
		switch {
		case pi < len(p) && (p[pi] == '_' || p[pi] == s[si]):
			si++
			pi++
		case pi < len(p) && p[pi] == '%':
			starP, starS = pi, si
			pi++
		case starP >= 0:
			starS++
			si, pi = starS, starP+1
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}
