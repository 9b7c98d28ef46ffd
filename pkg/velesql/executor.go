package velesql

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/velesdb/velesdb/pkg/filter"
	"github.com/velesdb/velesdb/pkg/graph"
)

// IDScore is a ranked id from a search primitive.
type IDScore struct {
	ID    uint64
	Score float64
}

// JoinTable is the column-store surface the executor joins against.
type JoinTable interface {
	GetBatch(keys []uint64) (map[uint64]map[string]any, error)
}

// Backend is the collection surface the executor runs plans on.
type Backend interface {
	// ScanPayloads visits every live point; returning false stops.
	ScanPayloads(fn func(id uint64, payload map[string]any) bool) error
	// Payload fetches one point's payload.
	Payload(id uint64) (map[string]any, bool)
	// VectorSearch returns ranked ids by similarity, best first.
	VectorSearch(query []float32, k int) ([]IDScore, error)
	// TextSearch returns ranked ids by BM25 score.
	TextSearch(query string, k int) ([]IDScore, error)
	// LikeCandidates narrows a LIKE pattern through the trigram index;
	// ok is false when the pattern cannot be narrowed.
	LikeCandidates(pattern string) ([]uint64, bool)
	// Graph exposes the edge store; nil when no graph data exists.
	Graph() *graph.Store
	// JoinTable resolves a columnar side-table by name.
	JoinTable(name string) (JoinTable, bool)
	// Count reports the number of live points.
	Count() uint64
}

// Row is one result row.
type Row struct {
	ID      uint64
	Score   float64
	Payload map[string]any
	// Joined carries the matched side-table row after a JOIN.
	Joined map[string]any
}

// ResultSet is the executor output.
type ResultSet struct {
	Columns []string
	Rows    []Row
	// Plan reports the chosen MATCH strategy, when one applied.
	Plan string
}

// Executor runs validated statements against a backend.
type Executor struct {
	backend Backend
	stats   *RuntimeStats
	// MaxCost rejects plans whose estimate exceeds it; 0 disables.
	MaxCost   float64
	estimator *Estimator
}

// NewExecutor creates an executor with default cost factors.
func NewExecutor(backend Backend) *Executor {
	return &Executor{
		backend:   backend,
		stats:     NewRuntimeStats(),
		estimator: NewEstimator(DefaultCostFactors()),
	}
}

// Stats exposes the runtime statistics consumed by the planner.
func (ex *Executor) Stats() *RuntimeStats { return ex.stats }

// defaultSearchK bounds unqualified searches.
const defaultSearchK = 100

// Execute runs a statement with the given parameters.
func (ex *Executor) Execute(stmt Statement, params map[string]any) (*ResultSet, error) {
	switch s := stmt.(type) {
	case *SelectStatement:
		return ex.executeSelect(s, params)
	case *CompoundStatement:
		return ex.executeCompound(s, params)
	default:
		return nil, fmt.Errorf("velesql: unsupported statement %T", stmt)
	}
}

func (ex *Executor) executeCompound(stmt *CompoundStatement, params map[string]any) (*ResultSet, error) {
	left, err := ex.Execute(stmt.Left, params)
	if err != nil {
		return nil, err
	}
	right, err := ex.Execute(stmt.Right, params)
	if err != nil {
		return nil, err
	}

	out := &ResultSet{Columns: left.Columns}
	switch stmt.Op {
	case UnionAll:
		out.Rows = append(append([]Row{}, left.Rows...), right.Rows...)
	case Union:
		seen := make(map[uint64]struct{}, len(left.Rows))
		for _, r := range left.Rows {
			seen[r.ID] = struct{}{}
			out.Rows = append(out.Rows, r)
		}
		for _, r := range right.Rows {
			if _, dup := seen[r.ID]; !dup {
				seen[r.ID] = struct{}{}
				out.Rows = append(out.Rows, r)
			}
		}
	case Intersect:
		rightIDs := make(map[uint64]struct{}, len(right.Rows))
		for _, r := range right.Rows {
			rightIDs[r.ID] = struct{}{}
		}
		// Left-side scores are preserved.
		for _, r := range left.Rows {
			if _, hit := rightIDs[r.ID]; hit {
				out.Rows = append(out.Rows, r)
			}
		}
	case Except:
		rightIDs := make(map[uint64]struct{}, len(right.Rows))
		for _, r := range right.Rows {
			rightIDs[r.ID] = struct{}{}
		}
		for _, r := range left.Rows {
			if _, hit := rightIDs[r.ID]; !hit {
				out.Rows = append(out.Rows, r)
			}
		}
	}
	return out, nil
}

func (ex *Executor) executeSelect(stmt *SelectStatement, params map[string]any) (*ResultSet, error) {
	var (
		rows []Row
		plan string
		err  error
	)
	pre := stmt
	if stmt.Join != nil {
		// Table-only predicates are pushed below the join; the pre-join
		// stage evaluates only the remainder.
		_, rest := SplitJoinPredicates(stmt.Where, stmt.Join.Table)
		clone := *stmt
		clone.Where = rest
		pre = &clone
	}
	if pre.Match != nil {
		rows, plan, err = ex.executeMatch(pre, params)
	} else {
		rows, err = ex.executeSimple(pre, params)
	}
	if err != nil {
		return nil, err
	}

	if stmt.Join != nil {
		rows, err = ex.executeJoin(stmt, rows, params)
		if err != nil {
			return nil, err
		}
	}

	if len(stmt.OrderBy) > 0 {
		orderRows(rows, stmt.OrderBy)
	}

	if stmt.Distinct {
		rows = distinctRows(rows, stmt.Columns)
	}

	// LIMIT binds the outermost operator.
	if stmt.Limit != nil && len(rows) > *stmt.Limit {
		rows = rows[:*stmt.Limit]
	}

	return &ResultSet{Columns: columnNames(stmt.Columns), Rows: rows, Plan: plan}, nil
}

// executeSimple handles SELECTs without a graph pattern.
func (ex *Executor) executeSimple(stmt *SelectStatement, params map[string]any) ([]Row, error) {
	limit := defaultSearchK
	if stmt.Limit != nil {
		limit = *stmt.Limit
	}

	if ex.MaxCost > 0 {
		scan := ex.estimator.FullScan(CollectionCostStats{
			Rows:  ex.backend.Count(),
			Pages: ex.backend.Count()/32 + 1,
		})
		if scan.Total > ex.MaxCost {
			return nil, &ErrCostExceeded{Estimated: scan.Total, MaxAllowed: ex.MaxCost}
		}
	}

	// Vector predicate: similarity() or NEAR.
	if sim, ok := FindSimilarity(stmt); ok {
		return ex.vectorPath(stmt, sim.Query, &sim.Threshold, sim.Op, limit, params)
	}
	if near, ok := FindNear(stmt); ok {
		return ex.vectorPath(stmt, near.Query, nil, OpGte, limit, params)
	}

	// Text predicate: column MATCH 'query'.
	if tm := findTextMatch(stmt.Where); tm != nil {
		hits, err := ex.backend.TextSearch(tm.Query, maxIntVal(limit, defaultSearchK))
		if err != nil {
			return nil, err
		}
		return ex.materialize(hits, stripTextMatch(stmt.Where), params)
	}

	// LIKE pushdown through the trigram index.
	if like := findSoleLike(stmt.Where); like != nil {
		if ids, narrowed := ex.backend.LikeCandidates(like.Pattern); narrowed {
			hits := make([]IDScore, len(ids))
			for i, id := range ids {
				hits[i] = IDScore{ID: id}
			}
			return ex.materialize(hits, stmt.Where, params)
		}
	}

	// Full scan with post-filter.
	return ex.scanFilter(stmt.Where, params)
}

// vectorPath runs the ANN search with early termination sized by LIMIT,
// applies the threshold, then the residual filter.
func (ex *Executor) vectorPath(stmt *SelectStatement, queryVal Value, threshold *float64, op CmpOp, limit int, params map[string]any) ([]Row, error) {
	vec, err := resolveVector(queryVal, params)
	if err != nil {
		return nil, err
	}
	k := maxIntVal(limit, defaultSearchK)
	if threshold != nil {
		// Over-fetch so post-threshold survivors still fill the limit.
		k = overFetchTopK(limit, *threshold, GraphPlanStats{})
	}

	start := time.Now()
	hits, err := ex.backend.VectorSearch(vec, k)
	if err != nil {
		return nil, err
	}
	ex.stats.RecordVectorLatency(float64(time.Since(start).Microseconds()))

	if threshold != nil {
		kept := hits[:0]
		for _, h := range hits {
			if cmpFloat(h.Score, op, *threshold) {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	residual := StripSimilarity(stmt.Where)
	return ex.materialize(hits, residual, params)
}

// materialize fetches payloads for ranked ids and applies a residual
// condition.
func (ex *Executor) materialize(hits []IDScore, residual Expression, params map[string]any) ([]Row, error) {
	var cond filter.Filter
	if residual != nil {
		var err error
		cond, err = toFilter(residual, params)
		if err != nil {
			return nil, err
		}
	}
	rows := make([]Row, 0, len(hits))
	for _, h := range hits {
		payload, ok := ex.backend.Payload(h.ID)
		if !ok {
			continue
		}
		if cond != nil && !cond.Matches(payload) {
			continue
		}
		rows = append(rows, Row{ID: h.ID, Score: h.Score, Payload: payload})
	}
	return rows, nil
}

// scanFilter walks every payload through the condition.
func (ex *Executor) scanFilter(where Expression, params map[string]any) ([]Row, error) {
	var cond filter.Filter
	if where != nil {
		var err error
		cond, err = toFilter(where, params)
		if err != nil {
			return nil, err
		}
	}
	var rows []Row
	err := ex.backend.ScanPayloads(func(id uint64, payload map[string]any) bool {
		if cond == nil || cond.Matches(payload) {
			rows = append(rows, Row{ID: id, Payload: payload})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// columnNames projects the output header.
func columnNames(cols []SelectColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		if c.Star {
			out[i] = "*"
		} else {
			out[i] = c.Name
		}
	}
	return out
}

// distinctRows deduplicates on the projected columns with a streaming
// set, preserving first-seen order.
func distinctRows(rows []Row, cols []SelectColumn) []Row {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	for _, r := range rows {
		key := distinctKey(r, cols)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func distinctKey(r Row, cols []SelectColumn) string {
	var sb strings.Builder
	for _, c := range cols {
		if c.Star {
			fmt.Fprintf(&sb, "%d|", r.ID)
			continue
		}
		v := projectColumn(r, c.Name)
		fmt.Fprintf(&sb, "%v|", v)
	}
	return sb.String()
}

// projectColumn resolves a projected column against a row: the id and
// score pseudo-columns, joined columns (table.col), then payload paths.
func projectColumn(r Row, name string) any {
	switch name {
	case "id":
		return r.ID
	case "score":
		return r.Score
	}
	if r.Joined != nil {
		if i := strings.Index(name, "."); i > 0 {
			if v, ok := r.Joined[name[i+1:]]; ok {
				return v
			}
		}
	}
	if v, ok := filter.Lookup(r.Payload, name); ok {
		return v
	}
	// A qualified graph-variable column falls back to its property part.
	if i := strings.Index(name, "."); i > 0 {
		if v, ok := filter.Lookup(r.Payload, name[i+1:]); ok {
			return v
		}
	}
	return nil
}

func orderRows(rows []Row, orderBy []OrderItem) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range orderBy {
			a := projectColumn(rows[i], o.Column)
			b := projectColumn(rows[j], o.Column)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	an, aNum := toFloat(a)
	bn, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func toFloat(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

func cmpFloat(a float64, op CmpOp, b float64) bool {
	switch op {
	case OpNeq:
		return a != b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	default:
		return a == b
	}
}

func maxIntVal(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// resolveVector coerces a parameter or literal into a query vector.
func resolveVector(v Value, params map[string]any) ([]float32, error) {
	raw, err := v.Resolve(params)
	if err != nil {
		return nil, err
	}
	switch vec := raw.(type) {
	case []float32:
		return vec, nil
	case []float64:
		out := make([]float32, len(vec))
		for i, f := range vec {
			out[i] = float32(f)
		}
		return out, nil
	case []any:
		out := make([]float32, len(vec))
		for i, x := range vec {
			f, ok := toFloat(x)
			if !ok {
				return nil, fmt.Errorf("velesql: vector element %d is not a number", i)
			}
			out[i] = float32(f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("velesql: expected a vector, got %T", raw)
	}
}

// findTextMatch returns the sole text MATCH predicate, if any.
func findTextMatch(e Expression) *TextMatchExpr {
	var found *TextMatchExpr
	walk(e, func(node Expression) {
		if tm, ok := node.(*TextMatchExpr); ok && found == nil {
			found = tm
		}
	})
	return found
}

// stripTextMatch removes text MATCH predicates from a condition tree.
func stripTextMatch(e Expression) Expression {
	switch n := e.(type) {
	case *TextMatchExpr:
		return nil
	case *LogicalExpr:
		left := stripTextMatch(n.Left)
		right := stripTextMatch(n.Right)
		if left == nil {
			return right
		}
		if right == nil {
			return left
		}
		return &LogicalExpr{Op: n.Op, Left: left, Right: right}
	case *NotExpr:
		child := stripTextMatch(n.Child)
		if child == nil {
			return nil
		}
		return &NotExpr{Child: child}
	case *GroupExpr:
		child := stripTextMatch(n.Child)
		if child == nil {
			return nil
		}
		return &GroupExpr{Child: child}
	default:
		return e
	}
}

// findSoleLike returns the LIKE predicate when it is the entire
// condition (possibly AND-combined), making trigram pushdown safe.
func findSoleLike(e Expression) *LikeExpr {
	switch n := e.(type) {
	case *LikeExpr:
		return n
	case *GroupExpr:
		return findSoleLike(n.Child)
	case *LogicalExpr:
		if n.Op != LogicalAnd {
			return nil
		}
		if like := findSoleLike(n.Left); like != nil {
			return like
		}
		return findSoleLike(n.Right)
	default:
		return nil
	}
}
