package velesql

import (
	"fmt"
	"strings"

	"github.com/velesdb/velesdb/pkg/filter"
)

// Inner join against a columnar side-table. Key resolution: the side of
// the ON condition qualified with the table name addresses the table's
// row key or columns; the other side addresses the point payload (or
// the id pseudo-column). Lookups use the store's adaptive batching.

// executeJoin filters rows to those with a matching side-table row and
// attaches the joined columns.
func (ex *Executor) executeJoin(stmt *SelectStatement, rows []Row, params map[string]any) ([]Row, error) {
	table, ok := ex.backend.JoinTable(stmt.Join.Table)
	if !ok {
		return nil, fmt.Errorf("velesql: unknown join table %q", stmt.Join.Table)
	}

	pointCol := joinPointColumn(stmt.Join)

	// Collect the join keys of every input row.
	keys := make([]uint64, 0, len(rows))
	rowKeys := make([]uint64, len(rows))
	valid := make([]bool, len(rows))
	seen := make(map[uint64]struct{}, len(rows))
	for i, r := range rows {
		key, keyOK := joinKeyOf(r, pointCol)
		if !keyOK {
			continue
		}
		rowKeys[i] = key
		valid[i] = true
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	matches, err := table.GetBatch(keys)
	if err != nil {
		return nil, err
	}

	// Predicates referencing only the table are applied below the join.
	tablePred, _ := SplitJoinPredicates(stmt.Where, stmt.Join.Table)
	var tableCond filter.Filter
	if tablePred != nil {
		tableCond, err = toFilter(stripTablePrefix(tablePred, stmt.Join.Table), params)
		if err != nil {
			return nil, err
		}
	}

	out := rows[:0]
	for i, r := range rows {
		if !valid[i] {
			continue
		}
		joined, hit := matches[rowKeys[i]]
		if !hit {
			continue
		}
		if tableCond != nil && !tableCond.Matches(joined) {
			continue
		}
		r.Joined = joined
		out = append(out, r)
	}
	return out, nil
}

// joinPointColumn picks the ON side that addresses the point.
func joinPointColumn(j *JoinClause) string {
	if strings.HasPrefix(j.LeftCol, j.Table+".") {
		return j.RightCol
	}
	return j.LeftCol
}

// joinKeyOf resolves a row's join key: the id pseudo-column or a
// numeric payload field.
func joinKeyOf(r Row, col string) (uint64, bool) {
	if col == "id" || strings.HasSuffix(col, ".id") {
		return r.ID, true
	}
	v, ok := filter.Lookup(r.Payload, col)
	if !ok {
		if i := strings.Index(col, "."); i > 0 {
			v, ok = filter.Lookup(r.Payload, col[i+1:])
		}
		if !ok {
			return 0, false
		}
	}
	f, isNum := toFloat(v)
	if !isNum || f < 0 || f != float64(uint64(f)) {
		return 0, false
	}
	return uint64(f), true
}

// SplitJoinPredicates partitions a condition tree into the AND-branches
// that reference only the joined table (pushed below the join) and the
// rest (evaluated before or after as usual). OR trees are never split.
func SplitJoinPredicates(e Expression, table string) (tableOnly, rest Expression) {
	if e == nil {
		return nil, nil
	}
	switch n := e.(type) {
	case *LogicalExpr:
		if n.Op == LogicalAnd {
			lt, lr := SplitJoinPredicates(n.Left, table)
			rt, rr := SplitJoinPredicates(n.Right, table)
			return andJoin(lt, rt), andJoin(lr, rr)
		}
	case *GroupExpr:
		t, r := SplitJoinPredicates(n.Child, table)
		if t != nil && r == nil {
			return &GroupExpr{Child: t}, nil
		}
		if t == nil && r != nil {
			return nil, &GroupExpr{Child: r}
		}
		return t, r
	}
	if referencesOnlyTable(e, table) {
		return e, nil
	}
	return nil, e
}

func andJoin(a, b Expression) Expression {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &LogicalExpr{Op: LogicalAnd, Left: a, Right: b}
}

// referencesOnlyTable reports whether every column in the subtree is
// qualified with the table name.
func referencesOnlyTable(e Expression, table string) bool {
	prefix := table + "."
	all := true
	walk(e, func(node Expression) {
		col := ""
		switch n := node.(type) {
		case *Comparison:
			col = n.Column
		case *InExpr:
			col = n.Column
		case *BetweenExpr:
			col = n.Column
		case *LikeExpr:
			col = n.Column
		case *IsNullExpr:
			col = n.Column
		case *TextMatchExpr, *SimilarityExpr, *NearExpr:
			all = false
			return
		default:
			return
		}
		if !strings.HasPrefix(col, prefix) {
			all = false
		}
	})
	return all
}

// stripTablePrefix rewrites "table.col" columns to bare "col" so the
// pushed predicate evaluates against the joined row.
func stripTablePrefix(e Expression, table string) Expression {
	return rewriteQualified(e, map[string]struct{}{table: {}})
}
