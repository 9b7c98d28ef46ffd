package velesql

import (
	"fmt"
	"strings"
)

// ValidationCode identifies a parse-time rejection.
type ValidationCode string

const (
	// CodeMultipleSimilarity (V001): more than one similarity predicate
	// in a WHERE clause.
	CodeMultipleSimilarity ValidationCode = "V001"
	// CodeSimilarityWithOr (V002): a similarity predicate reachable
	// from an OR.
	CodeSimilarityWithOr ValidationCode = "V002"
	// CodeNotSimilarity (V003): NOT applied to a similarity predicate.
	CodeNotSimilarity ValidationCode = "V003"
	// CodeReservedKeyword (V004): reserved word used as an identifier.
	CodeReservedKeyword ValidationCode = "V004"
	// CodeStringEscaping (V005): malformed string escaping.
	CodeStringEscaping ValidationCode = "V005"
)

// ValidationError is a typed parse-time rejection with the offending
// fragment and an actionable suggestion.
type ValidationError struct {
	Code       ValidationCode
	Message    string
	Fragment   string
	Suggestion string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s (near: %s)", e.Code, e.Message, e.Fragment)
}

// ValidationMode selects how aggressively the validator rejects
// similarity shapes.
type ValidationMode int

const (
	// Lenient allows a similarity predicate OR'ed with plain metadata
	// predicates, and NOT similarity when a LIMIT bounds the scan.
	Lenient ValidationMode = iota
	// Strict rejects any OR-reachable or negated similarity.
	Strict
)

// Validate applies the lenient structural rules a statement must
// satisfy before planning.
func Validate(stmt Statement) error {
	return ValidateMode(stmt, Lenient)
}

// ValidateMode validates with an explicit mode.
func ValidateMode(stmt Statement, mode ValidationMode) error {
	switch s := stmt.(type) {
	case *CompoundStatement:
		if err := ValidateMode(s.Left, mode); err != nil {
			return err
		}
		return ValidateMode(s.Right, mode)
	case *SelectStatement:
		return validateSelect(s, mode)
	default:
		return nil
	}
}

func validateSelect(s *SelectStatement, mode ValidationMode) error {
	if s.Where == nil {
		return nil
	}

	sims := collectSimilarity(s.Where)
	if len(sims) > 1 {
		return &ValidationError{
			Code:       CodeMultipleSimilarity,
			Message:    "Multiple similarity() conditions not supported",
			Fragment:   sims[1].String(),
			Suggestion: "Split the query, or fuse the result sets with a compound UNION",
		}
	}

	if mode == Strict {
		if frag, found := similarityUnderOr(s.Where); found {
			return &ValidationError{
				Code:       CodeSimilarityWithOr,
				Message:    "OR operator not supported with similarity()",
				Fragment:   frag,
				Suggestion: "Move the similarity predicate to an AND branch or a separate query",
			}
		}
	}

	if frag, found := similarityUnderNot(s.Where, false); found {
		if mode == Strict || s.Limit == nil {
			return &ValidationError{
				Code:       CodeNotSimilarity,
				Message:    "NOT similarity() requires full scan",
				Fragment:   frag,
				Suggestion: "Invert the threshold comparison instead of negating similarity(), or add a LIMIT",
			}
		}
	}
	return nil
}

// collectSimilarity gathers every similarity/NEAR/NEAR_FUSED predicate.
func collectSimilarity(e Expression) []Expression {
	var out []Expression
	walk(e, func(node Expression) {
		switch node.(type) {
		case *SimilarityExpr, *NearExpr:
			out = append(out, node)
		}
	})
	return out
}

// similarityUnderOr reports any similarity predicate reachable from an
// OR node.
func similarityUnderOr(e Expression) (string, bool) {
	switch n := e.(type) {
	case *LogicalExpr:
		if n.Op == LogicalOr && len(collectSimilarity(n)) > 0 {
			return n.String(), true
		}
		if frag, found := similarityUnderOr(n.Left); found {
			return frag, true
		}
		return similarityUnderOr(n.Right)
	case *NotExpr:
		return similarityUnderOr(n.Child)
	case *GroupExpr:
		return similarityUnderOr(n.Child)
	default:
		return "", false
	}
}

// similarityUnderNot reports a similarity predicate inside a NOT.
func similarityUnderNot(e Expression, negated bool) (string, bool) {
	switch n := e.(type) {
	case *SimilarityExpr, *NearExpr:
		if negated {
			return e.String(), true
		}
		return "", false
	case *NotExpr:
		return similarityUnderNot(n.Child, !negated)
	case *GroupExpr:
		return similarityUnderNot(n.Child, negated)
	case *LogicalExpr:
		if frag, found := similarityUnderNot(n.Left, negated); found {
			return frag, true
		}
		return similarityUnderNot(n.Right, negated)
	default:
		return "", false
	}
}

// walk visits every expression node depth-first.
func walk(e Expression, fn func(Expression)) {
	if e == nil {
		return
	}
	fn(e)
	switch n := e.(type) {
	case *LogicalExpr:
		walk(n.Left, fn)
		walk(n.Right, fn)
	case *NotExpr:
		walk(n.Child, fn)
	case *GroupExpr:
		walk(n.Child, fn)
	}
}

// FindSimilarity returns the single similarity predicate of a SELECT,
// if present.
func FindSimilarity(s *SelectStatement) (*SimilarityExpr, bool) {
	if s.Where == nil {
		return nil, false
	}
	for _, e := range collectSimilarity(s.Where) {
		if sim, ok := e.(*SimilarityExpr); ok {
			return sim, true
		}
	}
	return nil, false
}

// FindNear returns the single NEAR predicate of a SELECT, if present.
func FindNear(s *SelectStatement) (*NearExpr, bool) {
	if s.Where == nil {
		return nil, false
	}
	for _, e := range collectSimilarity(s.Where) {
		if near, ok := e.(*NearExpr); ok {
			return near, true
		}
	}
	return nil, false
}

// StripSimilarity returns the WHERE tree with similarity predicates
// removed, for use as a post-search payload filter. Nil means no
// residual condition.
func StripSimilarity(e Expression) Expression {
	switch n := e.(type) {
	case *SimilarityExpr, *NearExpr:
		return nil
	case *LogicalExpr:
		left := StripSimilarity(n.Left)
		right := StripSimilarity(n.Right)
		if left == nil {
			return right
		}
		if right == nil {
			return left
		}
		return &LogicalExpr{Op: n.Op, Left: left, Right: right}
	case *NotExpr:
		child := StripSimilarity(n.Child)
		if child == nil {
			return nil
		}
		return &NotExpr{Child: child}
	case *GroupExpr:
		child := StripSimilarity(n.Child)
		if child == nil {
			return nil
		}
		return &GroupExpr{Child: child}
	default:
		return e
	}
}

// similarityVar reports the pattern variable a similarity predicate
// anchors to ("a" in similarity(a.embedding, $q)).
func similarityVar(field string) string {
	if i := strings.Index(field, "."); i > 0 {
		return field[:i]
	}
	return ""
}
