package velesql

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velesdb/velesdb/pkg/filter"
	"github.com/velesdb/velesdb/pkg/graph"
)

// Graph MATCH execution. Result rows bind to the last node of the
// pattern; node labels live in the payload "label" field.

const nodeLabelField = "label"

// executeMatch plans and runs a MATCH (+ optional similarity) query.
func (ex *Executor) executeMatch(stmt *SelectStatement, params map[string]any) ([]Row, string, error) {
	g := ex.backend.Graph()
	if g == nil {
		return nil, "", fmt.Errorf("velesql: collection has no graph data")
	}

	stats := GraphPlanStats{
		TotalNodes:       ex.backend.Count(),
		AvgDegree:        g.AvgDegree(),
		LabelSelectivity: float64(ex.stats.SelectivityPpm()) / 1_000_000,
	}
	strategy := PlanMatch(stmt, stats)

	var (
		rows []Row
		err  error
	)
	switch strategy.Kind {
	case VectorFirst:
		rows, err = ex.matchVectorFirst(stmt, strategy, params)
	case Parallel:
		rows, err = ex.matchParallel(stmt, strategy, params)
	default:
		rows, err = ex.matchGraphFirst(stmt, params)
	}
	if err != nil {
		return nil, "", err
	}
	return rows, strategy.String(), nil
}

// matchGraphFirst traverses from the start-label nodes and filters the
// final bindings.
func (ex *Executor) matchGraphFirst(stmt *SelectStatement, params map[string]any) ([]Row, error) {
	start := time.Now()
	starts, err := ex.nodesMatching(stmt.Match.Start, params)
	if err != nil {
		return nil, err
	}
	finals, err := ex.walkPattern(starts, stmt.Match, params)
	if err != nil {
		return nil, err
	}
	ex.stats.RecordGraphLatency(float64(time.Since(start).Microseconds()))

	rows, err := ex.finishMatchRows(stmt, finals, nil, params)
	if err != nil {
		return nil, err
	}
	if len(finals) > 0 {
		ex.stats.RecordSelectivity(len(rows), len(finals))
	}
	return rows, nil
}

// matchVectorFirst seeds the pattern from ANN candidates.
func (ex *Executor) matchVectorFirst(stmt *SelectStatement, strategy Strategy, params map[string]any) ([]Row, error) {
	sim, _ := FindSimilarity(stmt)
	vec, err := resolveVector(sim.Query, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hits, err := ex.backend.VectorSearch(vec, strategy.TopK)
	if err != nil {
		return nil, err
	}
	ex.stats.RecordVectorLatency(float64(time.Since(start).Microseconds()))

	scores := make(map[uint64]float64, len(hits))
	var candidates []uint64
	for _, h := range hits {
		if cmpFloat(h.Score, sim.Op, sim.Threshold) {
			scores[h.ID] = h.Score
			candidates = append(candidates, h.ID)
		}
	}

	anchor := similarityVar(sim.Field)
	if anchor == "" || anchor == stmt.Match.Start.Var || len(stmt.Match.Hops) == 0 {
		// Candidates are start nodes: validate them against the start
		// pattern, then walk forward.
		var validStarts []uint64
		for _, id := range candidates {
			if ex.nodeMatchesPattern(id, stmt.Match.Start, params) {
				validStarts = append(validStarts, id)
			}
		}
		// Final rows inherit the best score among the seeds reaching them.
		finalScores := make(map[uint64]float64)
		for _, s := range validStarts {
			reached, err := ex.walkPattern([]uint64{s}, stmt.Match, params)
			if err != nil {
				return nil, err
			}
			for _, f := range reached {
				if best, seen := finalScores[f]; !seen || scores[s] > best {
					finalScores[f] = scores[s]
				}
			}
		}
		finals := make([]uint64, 0, len(finalScores))
		for f := range finalScores {
			finals = append(finals, f)
		}
		return ex.finishMatchRows(stmt, finals, finalScores, params)
	}

	// Candidates bind a downstream node: validate each by walking the
	// pattern backwards to a start-label node.
	lastNode := stmt.Match.Hops[len(stmt.Match.Hops)-1].Node
	var finals []uint64
	for _, id := range candidates {
		if !ex.nodeMatchesPattern(id, lastNode, params) {
			continue
		}
		if ex.reachableFromStart(id, stmt.Match, params) {
			finals = append(finals, id)
		}
	}
	return ex.finishMatchRows(stmt, finals, scores, params)
}

// matchParallel races both strategies and intersects the results,
// keeping the vector side's scores.
func (ex *Executor) matchParallel(stmt *SelectStatement, strategy Strategy, params map[string]any) ([]Row, error) {
	var (
		graphRows  []Row
		vectorRows []Row
	)
	var g errgroup.Group
	g.Go(func() error {
		rows, err := ex.matchGraphFirst(stmt, params)
		graphRows = rows
		return err
	})
	g.Go(func() error {
		rows, err := ex.matchVectorFirst(stmt, *strategy.VectorHint, params)
		vectorRows = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	inGraph := make(map[uint64]struct{}, len(graphRows))
	for _, r := range graphRows {
		inGraph[r.ID] = struct{}{}
	}
	var out []Row
	for _, r := range vectorRows {
		if _, ok := inGraph[r.ID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// nodesMatching scans for points matching a node pattern.
func (ex *Executor) nodesMatching(pattern NodePattern, params map[string]any) ([]uint64, error) {
	cond, err := nodeFilter(pattern, params)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	err = ex.backend.ScanPayloads(func(id uint64, payload map[string]any) bool {
		if cond == nil || cond.Matches(payload) {
			ids = append(ids, id)
		}
		return true
	})
	return ids, err
}

func (ex *Executor) nodeMatchesPattern(id uint64, pattern NodePattern, params map[string]any) bool {
	cond, err := nodeFilter(pattern, params)
	if err != nil {
		return false
	}
	if cond == nil {
		return true
	}
	payload, ok := ex.backend.Payload(id)
	if !ok {
		return false
	}
	return cond.Matches(payload)
}

// nodeFilter lowers a node pattern's label and property constraints.
func nodeFilter(pattern NodePattern, params map[string]any) (filter.Filter, error) {
	var parts []filter.Filter
	if pattern.Label != "" {
		parts = append(parts, filter.Eq(nodeLabelField, pattern.Label))
	}
	for key, val := range pattern.Props {
		resolved, err := val.Resolve(params)
		if err != nil {
			return nil, err
		}
		parts = append(parts, filter.Eq(key, resolved))
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return filter.And(parts...), nil
}

// walkPattern advances the frontier through every hop and returns the
// deduplicated final-node bindings.
func (ex *Executor) walkPattern(starts []uint64, pattern *MatchPattern, params map[string]any) ([]uint64, error) {
	g := ex.backend.Graph()
	frontier := starts
	for _, hop := range pattern.Hops {
		next := make(map[uint64]struct{})
		cfg := graph.TraversalConfig{
			MinDepth: hop.Edge.MinHops,
			MaxDepth: hop.Edge.MaxHops,
		}
		if hop.Edge.Type != "" {
			cfg.Labels = []string{hop.Edge.Type}
		}
		for _, node := range frontier {
			for _, res := range g.BFSTraverse(node, cfg) {
				next[res.NodeID] = struct{}{}
			}
		}
		frontier = frontier[:0]
		for id := range next {
			if ex.nodeMatchesPattern(id, hop.Node, params) {
				frontier = append(frontier, id)
			}
		}
	}
	return frontier, nil
}

// reachableFromStart verifies a reverse path from a final-node
// candidate to any node matching the start pattern.
func (ex *Executor) reachableFromStart(final uint64, pattern *MatchPattern, params map[string]any) bool {
	g := ex.backend.Graph()
	frontier := []uint64{final}
	for i := len(pattern.Hops) - 1; i >= 0; i-- {
		hop := pattern.Hops[i]
		cfg := graph.TraversalConfig{
			MinDepth: hop.Edge.MinHops,
			MaxDepth: hop.Edge.MaxHops,
		}
		if hop.Edge.Type != "" {
			cfg.Labels = []string{hop.Edge.Type}
		}
		next := make(map[uint64]struct{})
		for _, node := range frontier {
			for _, res := range g.BFSTraverseReverse(node, cfg) {
				next[res.NodeID] = struct{}{}
			}
		}
		var target NodePattern
		if i == 0 {
			target = pattern.Start
		} else {
			target = pattern.Hops[i-1].Node
		}
		frontier = frontier[:0]
		for id := range next {
			if ex.nodeMatchesPattern(id, target, params) {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			return false
		}
	}
	return true
}

// finishMatchRows materializes final bindings, applies the residual
// WHERE (with graph-variable qualifiers stripped) and attaches scores.
func (ex *Executor) finishMatchRows(stmt *SelectStatement, finals []uint64, scores map[uint64]float64, params map[string]any) ([]Row, error) {
	residual := StripSimilarity(stmt.Where)
	vars := patternVars(stmt.Match)
	if residual != nil {
		residual = rewriteQualified(residual, vars)
	}
	var cond filter.Filter
	if residual != nil {
		var err error
		cond, err = toFilter(residual, params)
		if err != nil {
			return nil, err
		}
	}

	var rows []Row
	for _, id := range finals {
		payload, ok := ex.backend.Payload(id)
		if !ok {
			continue
		}
		if cond != nil && !cond.Matches(payload) {
			continue
		}
		row := Row{ID: id, Payload: payload}
		if scores != nil {
			row.Score = scores[id]
		}
		rows = append(rows, row)
	}
	// Rank by score when a similarity predicate contributed one.
	if scores != nil {
		sortRowsByScore(rows)
	}
	return rows, nil
}

func sortRowsByScore(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Score > rows[j].Score })
}

// patternVars collects the variable names bound by a pattern.
func patternVars(m *MatchPattern) map[string]struct{} {
	vars := make(map[string]struct{})
	if m == nil {
		return vars
	}
	if m.Start.Var != "" {
		vars[m.Start.Var] = struct{}{}
	}
	for _, h := range m.Hops {
		if h.Edge.Var != "" {
			vars[h.Edge.Var] = struct{}{}
		}
		if h.Node.Var != "" {
			vars[h.Node.Var] = struct{}{}
		}
	}
	return vars
}

// rewriteQualified strips "var." prefixes from columns bound by the
// pattern so the residual filter evaluates against the node payload.
func rewriteQualified(e Expression, vars map[string]struct{}) Expression {
	strip := func(col string) string {
		for v := range vars {
			prefix := v + "."
			if len(col) > len(prefix) && col[:len(prefix)] == prefix {
				return col[len(prefix):]
			}
		}
		return col
	}
	switch n := e.(type) {
	case *Comparison:
		out := *n
		out.Column = strip(n.Column)
		return &out
	case *InExpr:
		out := *n
		out.Column = strip(n.Column)
		return &out
	case *BetweenExpr:
		out := *n
		out.Column = strip(n.Column)
		return &out
	case *LikeExpr:
		out := *n
		out.Column = strip(n.Column)
		return &out
	case *IsNullExpr:
		out := *n
		out.Column = strip(n.Column)
		return &out
	case *TextMatchExpr:
		out := *n
		out.Column = strip(n.Column)
		return &out
	case *LogicalExpr:
		return &LogicalExpr{
			Op:    n.Op,
			Left:  rewriteQualified(n.Left, vars),
			Right: rewriteQualified(n.Right, vars),
		}
	case *NotExpr:
		return &NotExpr{Child: rewriteQualified(n.Child, vars)}
	case *GroupExpr:
		return &GroupExpr{Child: rewriteQualified(n.Child, vars)}
	default:
		return e
	}
}
