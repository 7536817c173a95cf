// Package server exposes a ferret index over HTTP: document ingestion,
// search with optional highlighting, stats and Prometheus metrics.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/go-ferret/ferret/analysis"
	"github.com/go-ferret/ferret/highlight"
	"github.com/go-ferret/ferret/index"
	"github.com/go-ferret/ferret/query"
	"github.com/go-ferret/ferret/schema"
)

// Server serves one index. Handlers are safe for concurrent use; writes go
// through the index's single-writer transaction.
type Server struct {
	ix      *index.Index
	log     *zap.Logger
	config  Config
	router  *mux.Router
	metrics *metrics
}

type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferret",
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests by handler and status code.",
		}, []string{"handler", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ferret",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by handler.",
		}, []string{"handler"}),
	}
	m.registry.MustRegister(m.requests, m.duration)
	return m
}

// New builds a server around an open index.
func New(ix *index.Index, logger *zap.Logger, config Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ix:      ix,
		log:     logger,
		config:  config.withDefaults(),
		metrics: newMetrics(),
	}

	r := mux.NewRouter()
	r.Handle("/search", s.instrument("search", s.handleSearch)).Methods(http.MethodGet)
	r.Handle("/documents", s.instrument("add_documents", s.handleAddDocuments)).Methods(http.MethodPost)
	r.Handle("/documents/{key:.*}", s.instrument("delete_document", s.handleDeleteDocument)).Methods(http.MethodDelete)
	r.Handle("/stats", s.instrument("stats", s.handleStats)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.Handle("/_health", s.instrument("health", s.handleHealth)).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving HTTP on the configured address.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.config.Listen))
	return http.ListenAndServe(s.config.Listen, s.router)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(recorder, r)
		elapsed := time.Since(started)

		s.metrics.requests.WithLabelValues(name, strconv.Itoa(recorder.status)).Inc()
		s.metrics.duration.WithLabelValues(name).Observe(elapsed.Seconds())
		s.log.Info("request",
			zap.String("handler", name),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

type searchHit struct {
	Key       string            `json:"key"`
	Score     float64           `json:"score"`
	Fields    map[string]string `json:"fields"`
	Highlight string            `json:"highlight,omitempty"`
}

type searchResponse struct {
	Total int          `json:"total"`
	Hits  []*searchHit `json:"hits"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	input := params.Get("q")
	if input == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing query parameter q")
		return
	}

	q, err := query.Parse(input, s.config.DefaultField, s.ix.Schema(), s.ix.Analyzer())
	if err != nil {
		s.writeError(w, err)
		return
	}

	var opts []index.SearchOption
	if limit, ok, err := intParam(params.Get("limit")); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid limit")
		return
	} else if ok {
		opts = append(opts, index.Limit(limit))
	}
	if skip, ok, err := intParam(params.Get("skip")); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid skip")
		return
	} else if ok {
		opts = append(opts, index.Skip(skip))
	}
	if sortField := params.Get("sort"); sortField != "" {
		desc := false
		if sortField[0] == '-' {
			desc = true
			sortField = sortField[1:]
		}
		opts = append(opts, index.SortBy(sortField, desc))
	}

	snapshot := s.ix.Snapshot()
	defer snapshot.Close()

	results, err := snapshot.Search(q, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hits, err := results.All()
	if err != nil {
		s.writeError(w, err)
		return
	}

	highlightField := params.Get("highlight")
	response := &searchResponse{Total: results.Total(), Hits: make([]*searchHit, len(hits))}
	for i, hit := range hits {
		out := &searchHit{Key: hit.Key, Score: hit.Score, Fields: hit.Fields}
		if highlightField != "" {
			if value, ok := hit.Fields[highlightField]; ok {
				out.Highlight = highlight.Fragments(value, q, highlightField, s.ix.Analyzer(), highlight.Options{})
			}
		}
		response.Hits[i] = out
	}
	writeResponse(w, http.StatusOK, response)
}

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	var docs []index.Document
	if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(docs) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "no documents")
		return
	}

	writer, err := s.ix.Writer()
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer writer.Close()

	for _, doc := range docs {
		if err := writer.Add(doc); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := writer.Commit(); err != nil {
		s.writeError(w, err)
		return
	}

	writeResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"added":  len(docs),
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	key, ok := s.ix.Schema().KeyField()
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, "index has no unique key field")
		return
	}
	value := mux.Vars(r)["key"]

	snapshot := s.ix.Snapshot()
	results, err := snapshot.Search(&query.Term{Field: key.Name, Term: analysis.Normalize(value)})
	snapshot.Close()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results.Total() == 0 {
		writeErrorResponse(w, http.StatusNotFound, "document not found")
		return
	}

	writer, err := s.ix.Writer()
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer writer.Close()

	if err := writer.DeleteByTerm(key.Name, value); err != nil {
		s.writeError(w, err)
		return
	}
	if err := writer.Commit(); err != nil {
		s.writeError(w, err)
		return
	}
	writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusOK, s.ix.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var syntaxErr *query.SyntaxError
	switch {
	case errors.As(err, &syntaxErr):
		status = http.StatusBadRequest
	case errors.Is(err, schema.ErrSchemaViolation):
		status = http.StatusBadRequest
	case errors.Is(err, index.ErrWriterBusy), errors.Is(err, index.ErrIndexExists):
		status = http.StatusConflict
	case errors.Is(err, index.ErrCorruptOrMissing):
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeErrorResponse(w, status, err.Error())
}

func intParam(value string) (int, bool, error) {
	if value == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, false, errors.Errorf("invalid number %q", value)
	}
	return n, true, nil
}

func writeResponse(w http.ResponseWriter, status int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "JSON serialization error")
		return
	}
	body = append(body, '\n')
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeResponse(w, status, map[string]string{"message": message})
}
