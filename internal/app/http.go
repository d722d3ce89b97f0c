package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"doreen/api/internal/access"
	"doreen/api/internal/apperr"
	"doreen/api/internal/attachment"
	"doreen/api/internal/format"
	"doreen/api/internal/schema"
	"doreen/api/internal/search"
	"doreen/api/internal/ticket"
	"doreen/api/internal/util"
	"doreen/api/internal/wiki"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	rateLimit  int
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, rateLimit int, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		rateLimit:  rateLimit,
		log:        log.With().Str("component", "http").Logger(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestLog)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}))
	if s.rateLimit > 0 {
		r.Use(httprate.LimitByIP(s.rateLimit, time.Minute))
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", s.handleSession)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.withSession)

		r.Route("/api/tickets", func(r chi.Router) {
			r.Get("/", s.handleSearch)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTicket)
				r.Patch("/", s.handleUpdateTicket)
				r.Delete("/", s.handleDeleteTicket)
				r.Get("/changelog", s.handleChangelog)
				r.Post("/attachments", s.handleUpload)
				r.Get("/attachments/{binaryID}", s.handleDownload)
				r.Get("/revisions", s.handleRevisions)
				r.Get("/revisions/{hash}", s.handleRevision)
			})
		})
		r.Post("/api/templates/{id}/tickets", s.handleCreateFromTemplate)
		r.Post("/api/admin/schema/reload", s.handleReloadSchema)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": sess.UserName, "userId": sess.UserID})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Login(r.Context(), body.Login, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        sess.Token,
		"refreshToken": sess.RefreshToken,
		"userName":     sess.UserName,
		"userId":       sess.UserID,
	})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        sess.Token,
		"refreshToken": sess.RefreshToken,
		"userName":     sess.UserName,
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			sess = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Logout(r.Context(), sess, body.RefreshToken); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	reg := s.service.Schema()
	req, err := parseSearchRequest(reg, r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req.UserID = currentUser(r)

	res, err := s.service.Search(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	f := s.service.Formatter()
	facets := make(map[string]any, len(res.Facets))
	for id, counts := range res.Facets {
		if fd, ok := reg.Field(id); ok {
			facets[fd.Name] = facetJSON(counts)
		}
	}
	payload := map[string]any{
		"total":     res.Total,
		"pager":     format.Pagination(res.Page, res.PageSize, res.Total),
		"types":     res.Types,
		"terms":     res.Terms,
		"columns":   format.Columns(res.Columns),
		"sort":      res.Sort.Param(reg),
		"sortIcons": format.SortIcons(reg, res.Columns, res.Sort),
		"facets":    facets,
	}
	if r.URL.Query().Get("format") == "html" {
		rows, err := f.HTMLRows(res.IDs, res.Tickets, res.Columns)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		payload["html"] = rows
	} else {
		payload["tickets"] = f.ListJSON(res.IDs, res.Tickets, res.Columns)
	}
	writeJSON(w, http.StatusOK, payload)
}

func facetJSON(counts []search.FacetCount) []map[string]any {
	out := make([]map[string]any, 0, len(counts))
	for _, c := range counts {
		out = append(out, map[string]any{"value": c.Value, "count": c.Count})
	}
	return out
}

func (s *HTTPServer) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	perm := access.PermRead
	if raw := r.URL.Query().Get("perm"); raw != "" {
		parsed, err := access.ParsePermission(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
			return
		}
		perm = parsed
	}
	tk, err := s.service.GetOne(r.Context(), id, currentUser(r), perm)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeTicket(w, http.StatusOK, tk)
}

func (s *HTTPServer) handleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Fields FieldInput `json:"fields"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tk, err := s.service.Update(r.Context(), currentUser(r), id, body.Fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeTicket(w, http.StatusOK, tk)
}

func (s *HTTPServer) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.service.Delete(r.Context(), currentUser(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (s *HTTPServer) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Fields FieldInput `json:"fields"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tk, err := s.service.CreateFromTemplate(r.Context(), currentUser(r), id, body.Fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeTicket(w, http.StatusCreated, tk)
}

func (s *HTTPServer) handleChangelog(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	entries, err := s.service.Changelog(r.Context(), currentUser(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, attachment.MaxSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart field \"file\" is required", nil)
		return
	}
	defer file.Close()

	meta, err := s.service.UploadAttachment(r.Context(), currentUser(r), id,
		header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	binaryID, ok := s.pathID(w, r, "binaryID")
	if !ok {
		return
	}
	meta, body, err := s.service.OpenAttachment(r.Context(), currentUser(r), id, binaryID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", meta.Mime)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn().Err(err).Int64("attachment", binaryID).Msg("stream attachment")
	}
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_FILTER", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	revisions, err := s.service.Revisions(r.Context(), currentUser(r), id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

func (s *HTTPServer) handleRevision(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	uid := currentUser(r)
	page, err := s.service.Revision(r.Context(), uid, id, chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload := map[string]any{"page": page}
	if against := r.URL.Query().Get("against"); against != "" {
		base, err := s.service.Revision(r.Context(), uid, id, against)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		payload["changes"] = wiki.DiffFields(base, page)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleReloadSchema(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ReloadSchema(r.Context(), currentUser(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) writeTicket(w http.ResponseWriter, status int, tk *ticket.Ticket) {
	reg := s.service.Schema()
	columns := reg.VisibleFields([]schema.TypeID{tk.TypeID}, schema.ScopeAll)
	writeJSON(w, status, map[string]any{
		"ticket":  s.service.Formatter().JSON(tk, columns),
		"columns": format.Columns(columns),
	})
}

// parseSearchRequest reads q, types, drill.<field>, sort, page and
// templates. Fields and types may be named or given by id. Each drill.<field>
// key carries one value; repeat the key to allow several.
func parseSearchRequest(reg *schema.Registry, q url.Values) (SearchRequest, error) {
	req := SearchRequest{
		Fulltext:  strings.TrimSpace(q.Get("q")),
		DrillDown: make(map[schema.FieldID][]string),
	}
	for _, raw := range q["types"] {
		for _, key := range strings.Split(raw, ",") {
			if strings.TrimSpace(key) == "" {
				continue
			}
			t, ok := typeByKey(reg, key)
			if !ok {
				return SearchRequest{}, apperr.InvalidFilter("unknown ticket type %q", key)
			}
			req.TypeIDs = append(req.TypeIDs, t.ID)
		}
	}
	for key, values := range q {
		name, ok := strings.CutPrefix(key, "drill.")
		if !ok {
			continue
		}
		f, ok := fieldByKey(reg, name)
		if !ok {
			return SearchRequest{}, apperr.InvalidFilter("unknown drill-down field %q", name)
		}
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				req.DrillDown[f.ID] = append(req.DrillDown[f.ID], v)
			}
		}
	}
	sort, err := search.ParseSort(reg, q.Get("sort"))
	if err != nil {
		return SearchRequest{}, err
	}
	req.Sort = sort
	if req.Page, err = intParam(q, "page"); err != nil {
		return SearchRequest{}, err
	}
	switch q.Get("templates") {
	case "1", "true":
		req.IncludeTemplates = true
	}
	return req, nil
}

func intParam(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidFilter("%s %q is not a number", key, raw)
	}
	return n, nil
}

// fail renders err and logs server-side failures with their pipeline stage.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		event := s.log.Error().Err(err).Str("request_id", requestID(r.Context()))
		var storeErr *apperr.StoreError
		if errors.As(err, &storeErr) {
			event = event.Str("stage", storeErr.Stage)
		}
		event.Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("invalid %s %q", name, raw), nil)
		return 0, false
	}
	return id, true
}

type sessionKey struct{}

// withSession resolves the bearer token. Requests without one act as the
// guest; a bad token is rejected so clients know to refresh.
func (s *HTTPServer) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func currentUser(r *http.Request) access.UserID {
	if sess, ok := r.Context().Value(sessionKey{}).(Session); ok {
		return sess.UserID
	}
	return access.GuestUID
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = util.NewID("")[:16]
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

func (s *HTTPServer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Str("request_id", requestID(r.Context())).Msg("panic")
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
