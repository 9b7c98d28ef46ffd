// Package server exposes the REST surface over a Database: collection
// CRUD, point CRUD, vector/text/hybrid/batch search, graph edges and
// VelesQL. Errors are returned as {"error": "..."} with 400 for client
// mistakes, 404 for missing entities and 500 otherwise.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/velesdb/velesdb/pkg/collection"
	"github.com/velesdb/velesdb/pkg/velesdb"
	"github.com/velesdb/velesdb/pkg/velesql"
)

// Server wires HTTP routes to a Database.
type Server struct {
	db  *velesdb.Database
	mux *http.ServeMux
	log *slog.Logger
}

// New builds a server around an open database.
func New(db *velesdb.Database) *Server {
	s := &Server{
		db:  db,
		mux: http.NewServeMux(),
		log: slog.With("component", "server"),
	}
	s.routes()
	return s
}

// Handler returns the root handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe blocks serving on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("rest server listening", "addr", addr)
	return http.ListenAndServe(addr, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /collections", s.handleListCollections)
	s.mux.HandleFunc("POST /collections", s.handleCreateCollection)
	s.mux.HandleFunc("DELETE /collections/{name}", s.handleDeleteCollection)

	s.mux.HandleFunc("PUT /collections/{name}/points", s.handleUpsertPoints)
	s.mux.HandleFunc("POST /collections/{name}/points/get", s.handleGetPoints)
	s.mux.HandleFunc("DELETE /collections/{name}/points", s.handleDeletePoints)

	s.mux.HandleFunc("POST /collections/{name}/search", s.handleSearch)
	s.mux.HandleFunc("POST /collections/{name}/search/batch", s.handleSearchBatch)
	s.mux.HandleFunc("POST /collections/{name}/search/text", s.handleSearchText)
	s.mux.HandleFunc("POST /collections/{name}/search/hybrid", s.handleSearchHybrid)

	s.mux.HandleFunc("POST /collections/{name}/graph/edges", s.handleAddEdge)
	s.mux.HandleFunc("GET /collections/{name}/graph/edges/{node}", s.handleListEdges)

	s.mux.HandleFunc("POST /collections/{name}/query", s.handleQuery)
}

// writeError maps core errors onto the REST status contract.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var (
		notFound    *velesdb.NotFoundError
		colNotFound *collection.NotFoundError
		exists      *velesdb.AlreadyExistsError
		dim         *collection.DimensionMismatchError
		noVec       *collection.VectorNotAllowedError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &colNotFound):
		status = http.StatusNotFound
	case errors.As(err, &exists), errors.As(err, &dim), errors.As(err, &noVec):
		status = http.StatusBadRequest
	case isClientError(err):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func isClientError(err error) bool {
	var badReq *badRequestError
	return errors.As(err, &badReq)
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) collectionOf(r *http.Request) (*collection.Collection, error) {
	return s.db.GetCollection(r.PathValue("name"))
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"collections": s.db.ListCollections()})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Dimension    int    `json:"dimension"`
		Metric       string `json:"metric"`
		StorageMode  string `json:"storage_mode"`
		MetadataOnly bool   `json:"metadata_only"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, badRequest("name is required"))
		return
	}
	_, err := s.db.CreateCollection(req.Name, velesdb.CollectionOptions{
		Dimension:    req.Dimension,
		Metric:       req.Metric,
		StorageMode:  req.StorageMode,
		MetadataOnly: req.MetadataOnly,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteCollection(r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type pointBody struct {
	ID      uint64         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleUpsertPoints(w http.ResponseWriter, r *http.Request) {
	col, err := s.collectionOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Points []pointBody `json:"points"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	points := make([]collection.Point, len(req.Points))
	for i, p := range req.Points {
		points[i] = collection.Point{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	if err := col.Upsert(points); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(points)})
}

func (s *Server) handleGetPoints(w http.ResponseWriter, r *http.Request) {
	col, err := s.collectionOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		IDs []uint64 `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	got := col.Get(req.IDs)
	out := make([]*pointBody, len(got))
	for i, p := range got {
		if p == nil {
			continue
		}
		out[i] = &pointBody{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": out})
}

func (s *Server) handleDeletePoints(w http.ResponseWriter, r *http.Request) {
	col, err := s.collectionOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		IDs []uint64 `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := col.Delete(req.IDs); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": len(req.IDs)})
}

type searchHit struct {
	ID      uint64         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

func toHits(results []collection.SearchResult) []searchHit {
	out := make([]searchHit, len(results))
	for i, r := range results {
		out[i] = searchHit{ID: r.ID, Score: r.Score, Payload: r.Payload}
	}
	return out
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	col, err := s.collectionOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Vector   []float32 `json:"vector"`
		K        int       `json:"k"`
		EfSearch int       `json:"ef_search"`
		Rerank   bool      `json:"rerank"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	var results []collection.SearchResult
	if req.Rerank {
		results, err = col.SearchWithRerank(req.Vector, req.K)
	} else {
		results, err = col.Search(req.Vector, req.K, collection.SearchOptions{EfSearch: req.EfSearch})
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": toHits(results)})
}

func (s *Server) handleSearchBatch(w http.ResponseWriter, r *http.Request) {
	col, err := s.collectionOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Vectors  [][]float32 `json:"vectors"`
		K        int         `json:"k"`
		Strategy string      `json:"strategy"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	strategy, err := collection.ParseFusionStrategy(req.Strategy)
	if err != nil {
		s.writeError(w, badRequest("%v", err))
		return
	}
	results, err := col.MultiQuerySearch(req.Vectors, req.K, strategy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": toHits(results)})
}

func (s *Server) handleSearchText(w http.ResponseWriter, r *http.Request) {
	col, err := s.collectionOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": toHits(col.TextSearch(req.Query, req.K, nil))})
}

func (s *Server) handleSearchHybrid(w http.ResponseWriter, r *http.Request) {
	col, err := s.collectionOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Vector  []float32 `json:"vector"`
		Query   string    `json:"query"`
		K       int       `json:"k"`
		WVector *float64  `json:"w_vector"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	w50 := 0.5
	if req.WVector != nil {
		w50 = *req.WVector
	}
	results, err := col.HybridSearch(req.Vector, req.Query, req.K, w50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": toHits(results)})
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	col, err := s.collectionOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Src   uint64         `json:"src"`
		Dst   uint64         `json:"dst"`
		Label string         `json:"label"`
		Props map[string]any `json:"props"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := col.Graph().AddEdge(req.Src, req.Dst, req.Label, req.Props)
	if err != nil {
		s.writeError(w, badRequest("%v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"edge_id": id})
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	col, err := s.collectionOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var node uint64
	if _, err := fmt.Sscanf(r.PathValue("node"), "%d", &node); err != nil {
		s.writeError(w, badRequest("invalid node id"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outgoing": col.Graph().EdgesFrom(node),
		"incoming": col.Graph().EdgesTo(node),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string         `json:"query"`
		Params map[string]any `json:"params"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rs, err := s.db.Query(r.PathValue("name"), req.Query, req.Params)
	if err != nil {
		var verr *velesql.ValidationError
		if errors.As(err, &verr) || strings.HasPrefix(err.Error(), "velesql:") {
			s.writeError(w, badRequest("%v", err))
			return
		}
		s.writeError(w, err)
		return
	}
	rows := make([]map[string]any, len(rs.Rows))
	for i, row := range rs.Rows {
		rows[i] = map[string]any{"id": row.ID, "score": row.Score, "payload": row.Payload}
		if row.Joined != nil {
			rows[i]["joined"] = row.Joined
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"columns": rs.Columns, "rows": rows, "plan": rs.Plan})
}
