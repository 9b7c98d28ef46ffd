package velesql

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Statement is a parsed top-level query.
type Statement interface {
	fmt.Stringer
	statement()
}

// CompoundOp combines two SELECTs.
type CompoundOp int

const (
	// Union merges both sides, deduplicating by id.
	Union CompoundOp = iota
	// UnionAll concatenates both sides.
	UnionAll
	// Intersect keeps ids present on both sides, left scores win.
	Intersect
	// Except removes right-side ids from the left.
	Except
)

func (op CompoundOp) String() string {
	switch op {
	case UnionAll:
		return "UNION ALL"
	case Intersect:
		return "INTERSECT"
	case Except:
		return "EXCEPT"
	default:
		return "UNION"
	}
}

// CompoundStatement is `left op right`.
type CompoundStatement struct {
	Left  Statement
	Op    CompoundOp
	Right Statement
}

func (c *CompoundStatement) statement() {}
func (c *CompoundStatement) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}

// SelectStatement is one SELECT block.
type SelectStatement struct {
	Distinct bool
	Columns  []SelectColumn
	From     string
	Match    *MatchPattern
	Where    Expression
	Join     *JoinClause
	OrderBy  []OrderItem
	Limit    *int
}

func (s *SelectStatement) statement() {}
func (s *SelectStatement) String() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if s.Distinct {
		sb.WriteString("DISTINCT ")
	}
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = c.String()
	}
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(s.From)
	if s.Match != nil {
		sb.WriteString(" MATCH ")
		sb.WriteString(s.Match.String())
	}
	if s.Join != nil {
		sb.WriteString(" ")
		sb.WriteString(s.Join.String())
	}
	if s.Where != nil {
		sb.WriteString(" WHERE ")
		sb.WriteString(s.Where.String())
	}
	if len(s.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		items := make([]string, len(s.OrderBy))
		for i, o := range s.OrderBy {
			items[i] = o.String()
		}
		sb.WriteString(strings.Join(items, ", "))
	}
	if s.Limit != nil {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(*s.Limit))
	}
	return sb.String()
}

// SelectColumn is one projected column; Star projects everything.
type SelectColumn struct {
	Star bool
	Name string // possibly qualified: var.prop
}

func (c SelectColumn) String() string {
	if c.Star {
		return "*"
	}
	return c.Name
}

// JoinClause is an inner join against a columnar table.
type JoinClause struct {
	Table    string
	LeftCol  string
	RightCol string
}

func (j *JoinClause) String() string {
	return fmt.Sprintf("JOIN %s ON %s = %s", j.Table, j.LeftCol, j.RightCol)
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Column string
	Desc   bool
}

func (o OrderItem) String() string {
	if o.Desc {
		return o.Column + " DESC"
	}
	return o.Column
}

// MatchPattern is a graph pattern: a start node and a chain of hops.
type MatchPattern struct {
	Start NodePattern
	Hops  []Hop
}

func (m *MatchPattern) String() string {
	var sb strings.Builder
	sb.WriteString(m.Start.String())
	for _, h := range m.Hops {
		sb.WriteString(h.Edge.String())
		sb.WriteString(h.Node.String())
	}
	return sb.String()
}

// NodePattern is `(var:Label {prop: val})`; all parts optional.
type NodePattern struct {
	Var   string
	Label string
	Props map[string]Value
}

func (n NodePattern) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	sb.WriteString(n.Var)
	if n.Label != "" {
		sb.WriteByte(':')
		sb.WriteString(n.Label)
	}
	if len(n.Props) > 0 {
		sb.WriteString(" {")
		keys := make([]string, 0, len(n.Props))
		for k := range n.Props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(n.Props[k].String())
		}
		sb.WriteByte('}')
	}
	sb.WriteByte(')')
	return sb.String()
}

// Hop is one `-[r:TYPE*min..max]->(node)` step.
type Hop struct {
	Edge EdgePattern
	Node NodePattern
}

// EdgePattern is the relationship part of a hop.
type EdgePattern struct {
	Var     string
	Type    string
	MinHops int
	MaxHops int
}

func (e EdgePattern) String() string {
	var sb strings.Builder
	sb.WriteString("-[")
	sb.WriteString(e.Var)
	if e.Type != "" {
		sb.WriteByte(':')
		sb.WriteString(e.Type)
	}
	if e.MinHops != 1 || e.MaxHops != 1 {
		sb.WriteByte('*')
		sb.WriteString(strconv.Itoa(e.MinHops))
		sb.WriteString("..")
		sb.WriteString(strconv.Itoa(e.MaxHops))
	}
	sb.WriteString("]->")
	return sb.String()
}

// Expression is a WHERE condition node.
type Expression interface {
	fmt.Stringer
	expression()
}

// ValueKind tags a literal.
type ValueKind int

const (
	// NullValue is the NULL literal.
	NullValue ValueKind = iota
	// NumberValue is an integer or float literal.
	NumberValue
	// StringValue is a single-quoted string.
	StringValue
	// BoolValue is TRUE or FALSE.
	BoolValue
	// ParamValue is a $name placeholder.
	ParamValue
	// VectorValue is a bracketed list of numbers.
	VectorValue
)

// Value is a literal or parameter reference.
type Value struct {
	Kind   ValueKind
	Num    float64
	Str    string
	Bool   bool
	Param  string
	Vector []float32
}

func (v Value) String() string {
	switch v.Kind {
	case NumberValue:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case StringValue:
		return "'" + strings.ReplaceAll(v.Str, "'", "''") + "'"
	case BoolValue:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	case ParamValue:
		return "$" + v.Param
	case VectorValue:
		parts := make([]string, len(v.Vector))
		for i, f := range v.Vector {
			parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "NULL"
	}
}

// Resolve substitutes a parameter from params, if any.
func (v Value) Resolve(params map[string]any) (any, error) {
	switch v.Kind {
	case ParamValue:
		got, ok := params[v.Param]
		if !ok {
			return nil, fmt.Errorf("velesql: missing parameter $%s", v.Param)
		}
		return got, nil
	case NumberValue:
		return v.Num, nil
	case StringValue:
		return v.Str, nil
	case BoolValue:
		return v.Bool, nil
	case VectorValue:
		return v.Vector, nil
	default:
		return nil, nil
	}
}

// CmpOp is a comparison operator.
type CmpOp int

const (
	// OpEq is '='.
	OpEq CmpOp = iota
	// OpNeq is '!=' or '<>'.
	OpNeq
	// OpLt is '<'.
	OpLt
	// OpLte is '<='.
	OpLte
	// OpGt is '>'.
	OpGt
	// OpGte is '>='.
	OpGte
)

func (op CmpOp) String() string {
	switch op {
	case OpNeq:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	default:
		return "="
	}
}

// Comparison is `column op value`.
type Comparison struct {
	Column string
	Op     CmpOp
	Value  Value
}

func (c *Comparison) expression() {}
func (c *Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Column, c.Op, c.Value)
}

// InExpr is `column [NOT] IN (values)`.
type InExpr struct {
	Column string
	Values []Value
	Not    bool
}

func (e *InExpr) expression() {}
func (e *InExpr) String() string {
	parts := make([]string, len(e.Values))
	for i, v := range e.Values {
		parts[i] = v.String()
	}
	not := ""
	if e.Not {
		not = "NOT "
	}
	return fmt.Sprintf("%s %sIN (%s)", e.Column, not, strings.Join(parts, ", "))
}

// BetweenExpr is `column BETWEEN lo AND hi`.
type BetweenExpr struct {
	Column string
	Lo     Value
	Hi     Value
}

func (e *BetweenExpr) expression() {}
func (e *BetweenExpr) String() string {
	return fmt.Sprintf("%s BETWEEN %s AND %s", e.Column, e.Lo, e.Hi)
}

// LikeExpr is `column LIKE pattern`.
type LikeExpr struct {
	Column  string
	Pattern string
}

func (e *LikeExpr) expression() {}
func (e *LikeExpr) String() string {
	return fmt.Sprintf("%s LIKE '%s'", e.Column, strings.ReplaceAll(e.Pattern, "'", "''"))
}

// IsNullExpr is `column IS [NOT] NULL`.
type IsNullExpr struct {
	Column string
	Not    bool
}

func (e *IsNullExpr) expression() {}
func (e *IsNullExpr) String() string {
	if e.Not {
		return e.Column + " IS NOT NULL"
	}
	return e.Column + " IS NULL"
}

// TextMatchExpr is `column MATCH 'query'`: full-text BM25 search.
type TextMatchExpr struct {
	Column string
	Query  string
}

func (e *TextMatchExpr) expression() {}
func (e *TextMatchExpr) String() string {
	return fmt.Sprintf("%s MATCH '%s'", e.Column, strings.ReplaceAll(e.Query, "'", "''"))
}

// SimilarityExpr is `similarity(field, $vec) op threshold`.
type SimilarityExpr struct {
	Field     string
	Query     Value // parameter or vector literal
	Op        CmpOp
	Threshold float64
}

func (e *SimilarityExpr) expression() {}
func (e *SimilarityExpr) String() string {
	return fmt.Sprintf("similarity(%s, %s) %s %s",
		e.Field, e.Query, e.Op,
		strconv.FormatFloat(e.Threshold, 'g', -1, 64))
}

// NearExpr is `field NEAR $vec` / `field NEAR_FUSED $vec`: top-k
// proximity without a threshold. Fused records the NEAR_FUSED spelling;
// the executor runs it exactly like NEAR, with no text relevance mixed
// in.
type NearExpr struct {
	Field string
	Query Value
	Fused bool
}

func (e *NearExpr) expression() {}
func (e *NearExpr) String() string {
	op := "NEAR"
	if e.Fused {
		op = "NEAR_FUSED"
	}
	return fmt.Sprintf("%s %s %s", e.Field, op, e.Query)
}

// LogicalOp joins conditions.
type LogicalOp int

const (
	// LogicalAnd is AND.
	LogicalAnd LogicalOp = iota
	// LogicalOr is OR.
	LogicalOr
)

// LogicalExpr is `left AND/OR right`.
type LogicalExpr struct {
	Op    LogicalOp
	Left  Expression
	Right Expression
}

func (e *LogicalExpr) expression() {}
func (e *LogicalExpr) String() string {
	op := "AND"
	if e.Op == LogicalOr {
		op = "OR"
	}
	return fmt.Sprintf("%s %s %s", e.Left, op, e.Right)
}

// NotExpr inverts a condition.
type NotExpr struct {
	Child Expression
}

func (e *NotExpr) expression() {}
func (e *NotExpr) String() string {
	return "NOT " + e.Child.String()
}

// GroupExpr is a parenthesized condition, preserved so printing
// round-trips.
type GroupExpr struct {
	Child Expression
}

func (e *GroupExpr) expression() {}
func (e *GroupExpr) String() string {
	return "(" + e.Child.String() + ")"
}
