// Package velesql parses and executes the VelesQL query language: a
// SQL-flavored surface mixing relational predicates, vector similarity,
// full-text MATCH and graph MATCH patterns, with a cost-based planner
// choosing between vector-first, graph-first and parallel strategies.
package velesql

import "fmt"

// tokenKind classifies lexer output.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokNumber
	tokString
	tokParam // $name

	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokComma
	tokDot
	tokDotDot
	tokColon
	tokStar

	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte

	tokArrowRight // ->
	tokDash       // -
)

// token is one lexeme with its source position for error reporting.
type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of query"
	case tokString:
		return fmt.Sprintf("'%s'", t.text)
	default:
		return t.text
	}
}

// Reserved words, matched case-insensitively.
var keywords = map[string]struct{}{
	"SELECT": {}, "DISTINCT": {}, "FROM": {}, "WHERE": {}, "MATCH": {},
	"JOIN": {}, "ON": {}, "ORDER": {}, "BY": {}, "LIMIT": {}, "ASC": {},
	"DESC": {}, "AND": {}, "OR": {}, "NOT": {}, "IN": {}, "BETWEEN": {},
	"LIKE": {}, "IS": {}, "NULL": {}, "UNION": {}, "ALL": {},
	"INTERSECT": {}, "EXCEPT": {}, "TRUE": {}, "FALSE": {},
	"NEAR": {}, "NEAR_FUSED": {}, "AS": {},
}

func isKeyword(upper string) bool {
	_, ok := keywords[upper]
	return ok
}
