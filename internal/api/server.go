// Package api exposes the problem bank over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pbaille/problembank/internal/bank"
	"github.com/pbaille/problembank/internal/compose"
	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/logging"
	"github.com/pbaille/problembank/internal/selection"
	"github.com/pbaille/problembank/internal/store"
)

// Server handles HTTP requests for the problem bank API
type Server struct {
	bank     *bank.Service
	addr     string
	logger   *slog.Logger
	validate *validator.Validate
}

// New creates a new API server
func New(svc *bank.Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		bank:     svc,
		addr:     addr,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(withCORS)

	r.Get("/health", s.health)
	r.Get("/schema", s.schema)

	r.Get("/sources", s.listSources)
	r.Post("/sources", s.createSource)
	r.Post("/sources/{id}/ingest", s.ingest)
	r.Post("/sources/{id}/reingest", s.reingest)

	r.Get("/problems", s.listProblems)
	r.Get("/problems/{id}", s.getProblem)
	r.Get("/problems/{id}/original", s.getOriginal)
	r.Delete("/problems/{id}", s.deleteProblem)
	r.Post("/problems/tags", s.applyTags)
	r.Post("/problems/delete", s.deleteProblems)
	r.Get("/search", s.searchProblems)

	r.Get("/worksheets", s.listWorksheets)
	r.Post("/worksheets", s.composeWorksheet)
	r.Get("/worksheets/{id}/file", s.getWorksheetFile)
	r.Post("/selections", s.selectProblems)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("api.listening", "addr", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// accessLog tags each request with an id and logs it when done.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			if id, err := uuid.NewV7(); err == nil {
				requestID = id.String()
			} else {
				requestID = uuid.NewString()
			}
		}
		w.Header().Set("X-Request-ID", requestID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("api.request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", requestID),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// withCORS adds CORS headers for frontend development
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) schema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schema":  s.bank.Schema(),
		"markers": s.bank.Markers(),
	})
}

// CreateSourceRequest is the request body for registering a source
type CreateSourceRequest struct {
	Name        string            `json:"name" validate:"required"`
	Kind        domain.SourceKind `json:"kind" validate:"required,oneof=textbook exam"`
	DefaultTags domain.Tags       `json:"default_tags,omitempty"`
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var req CreateSourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	src, err := s.bank.CreateSource(strings.TrimSpace(req.Name), req.Kind, req.DefaultTags)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.bank.Store.ListSources()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req bank.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.bank.Store.ResolveID("sources", chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	req.SourceID = id
	if !s.valid(w, req) {
		return
	}
	res, err := s.bank.Ingest(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReingestRequest is the optional request body for re-extracting a source
type ReingestRequest struct {
	Creator string `json:"creator"`
}

func (s *Server) reingest(w http.ResponseWriter, r *http.Request) {
	var req ReingestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	id, err := s.bank.Store.ResolveID("sources", chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	res, err := s.bank.Reingest(r.Context(), id, req.Creator)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listProblems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Limit: 20}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	f.SourceIDs = q["source"]
	// tag=category:value, repeatable
	for _, t := range q["tag"] {
		cat, val, ok := strings.Cut(t, ":")
		if !ok || cat == "" || val == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("tag filter %q must be category:value", t))
			return
		}
		if f.Tags == nil {
			f.Tags = domain.Tags{}
		}
		f.Tags[cat] = append(f.Tags[cat], val)
	}

	problems, err := s.bank.Store.ListProblems(f)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"problems": problems,
		"limit":    f.Limit,
		"offset":   f.Offset,
	})
}

func (s *Server) getProblem(w http.ResponseWriter, r *http.Request) {
	// Support prefix matching
	id, err := s.bank.Store.ResolveID("problems", chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	p, err := s.bank.Store.GetProblem(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// getOriginal sends the source document a problem came from.
func (s *Server) getOriginal(w http.ResponseWriter, r *http.Request) {
	id, err := s.bank.Store.ResolveID("problems", chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	p, data, err := s.bank.Original(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeFile(w, p.OriginalPath, data)
}

func (s *Server) deleteProblem(w http.ResponseWriter, r *http.Request) {
	id, err := s.bank.Store.ResolveID("problems", chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if _, err := s.bank.DeleteProblems(r.Context(), []string{id}); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteProblemsRequest is the request body for batch deletion
type DeleteProblemsRequest struct {
	IDs []string `json:"ids" validate:"min=1,dive,required"`
}

func (s *Server) deleteProblems(w http.ResponseWriter, r *http.Request) {
	var req DeleteProblemsRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.bank.DeleteProblems(r.Context(), req.IDs)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) searchProblems(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	problems, err := s.bank.Store.SearchProblems(query)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"problems": problems,
		"query":    query,
	})
}

// ApplyTagsRequest is the request body for batch tagging
type ApplyTagsRequest struct {
	IDs  []string    `json:"ids" validate:"min=1,dive,required"`
	Tags domain.Tags `json:"tags" validate:"required"`
}

func (s *Server) applyTags(w http.ResponseWriter, r *http.Request) {
	var req ApplyTagsRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.bank.ApplyTags(r.Context(), req.IDs, req.Tags)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) composeWorksheet(w http.ResponseWriter, r *http.Request) {
	var req bank.WorksheetRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.bank.Compose(r.Context(), req)
	if err != nil {
		var partial *compose.PartialCompositionError
		if errors.As(err, &partial) {
			writeJSON(w, statusFor(err), map[string]any{
				"error":     err.Error(),
				"completed": partial.Completed,
				"failed":    partial.Failed,
			})
			return
		}
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listWorksheets(w http.ResponseWriter, r *http.Request) {
	sheets, err := s.bank.Store.ListWorksheets()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worksheets": sheets})
}

func (s *Server) getWorksheetFile(w http.ResponseWriter, r *http.Request) {
	id, err := s.bank.Store.ResolveID("worksheets", chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	sheet, err := s.bank.Store.GetWorksheet(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	data, err := s.bank.Store.WorksheetData(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeFile(w, sheet.OutputPath, data)
}

// SelectRequest is the request body for problem selection
type SelectRequest struct {
	selection.Spec
	SourceIDs []string `json:"source_ids" validate:"min=1,dive,required"`
}

func (s *Server) selectProblems(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.bank.Select(r.Context(), req.Spec, req.SourceIDs)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return s.valid(w, v)
}

func (s *Server) valid(w http.ResponseWriter, v any) bool {
	err := s.validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
	}
	writeError(w, http.StatusBadRequest, strings.Join(msgs, "; "))
	return false
}

func statusFor(err error) int {
	var acq *document.SessionAcquisitionError
	switch {
	case errors.Is(err, bank.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAmbiguous), errors.Is(err, fs.ErrExist):
		return http.StatusConflict
	case errors.Is(err, document.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, compose.ErrBodyMarkerNotFound), errors.Is(err, document.ErrInvalidDocument):
		return http.StatusUnprocessableEntity
	case errors.As(err, &acq):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api.error", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeFile sends data as an attachment named after the base of path.
func writeFile(w http.ResponseWriter, path string, data []byte) {
	name := filepath.Base(path)
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
