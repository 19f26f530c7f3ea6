package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/odmlab/micradar/internal/logger"
	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/pkg/report"
)

// Server provides the read-only HTTP API over the comparison reporter.
type Server struct {
	store     store.Store
	reporter  *report.Reporter
	reference string
	port      int
	log       *logger.Logger
}

// New creates a new HTTP server. reference is the default competitor key
// positioned in comparisons.
func New(s store.Store, reporter *report.Reporter, reference string, port int, log *logger.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	return &Server{
		store:     s,
		reporter:  reporter,
		reference: reference,
		port:      port,
		log:       logger.OrNop(log),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/products", s.handleProducts)
	mux.HandleFunc("GET /api/v1/products/{id}/comparison", s.handleComparison)
	mux.HandleFunc("GET /api/v1/compare", s.handleCompare)
	mux.HandleFunc("GET /api/v1/review", s.handleReview)
	mux.HandleFunc("GET /api/v1/runs", s.handleRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRun)
	return mux
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	products, err := s.reporter.Products(r.Context(), r.URL.Query().Get("brand"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  products,
		"count": len(products),
	})
}

func (s *Server) handleComparison(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, badRequest("invalid product id"))
		return
	}
	ref := r.URL.Query().Get("reference")
	if ref == "" {
		ref = s.reference
	}
	var refID int64
	if ref != "" {
		if refID, err = s.competitorID(r.Context(), ref); err != nil {
			writeError(w, err)
			return
		}
	}
	cmp, err := s.reporter.Compare(r.Context(), id, refID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("a") == "" || q.Get("b") == "" {
		writeError(w, badRequest("a and b competitors are required"))
		return
	}
	a, err := s.competitorID(r.Context(), q.Get("a"))
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.competitorID(r.Context(), q.Get("b"))
	if err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.reporter.ComparePair(r.Context(), a, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.reporter.NeedsReview(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	opts := store.RunListOpts{Limit: limit, Status: store.RunStatus(r.URL.Query().Get("status"))}
	if c := r.URL.Query().Get("competitor"); c != "" {
		if opts.CompetitorID, err = s.competitorID(r.Context(), c); err != nil {
			writeError(w, err)
			return
		}
	}
	list, err := s.reporter.Runs(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  list,
		"count": len(list),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, badRequest("invalid run id"))
		return
	}
	rr, err := s.reporter.Run(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

// competitorID accepts a numeric id or a competitor key.
func (s *Server) competitorID(ctx context.Context, v string) (int64, error) {
	if id, err := strconv.ParseInt(v, 10, 64); err == nil {
		return id, nil
	}
	c, err := s.store.GetCompetitorByKey(ctx, v)
	if err != nil {
		return 0, fmt.Errorf("competitor %q: %w", v, err)
	}
	return c.ID, nil
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func intParam(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("invalid " + name)
	}
	return n, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var br badRequest
	switch {
	case errors.As(err, &br):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
