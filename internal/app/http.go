package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"workweave/api/internal/apperr"
	"workweave/api/internal/logger"
	"workweave/api/internal/report"
	"workweave/api/internal/search"
	"workweave/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	syncToken  string
	log        *logger.Logger
}

// NewHTTPServer builds the API router. A non-empty syncToken is required as
// a bearer token on sync requests.
func NewHTTPServer(service *Service, corsOrigin, syncToken string, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, syncToken: syncToken, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ready := s.service.Ready(r.Context())
		status := http.StatusOK
		if !ready.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, ready)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sync" {
		s.handleSync(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sync/status" {
		statuses, err := s.service.SyncStatus(r.Context())
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sources": statuses})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/content" {
		q, err := parseDataQuery(r.URL.Query())
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		result, err := s.service.Query(r.Context(), q)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/content/stats" {
		stats, err := s.service.Stats(r.Context())
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"counts": stats})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/issues/pull-requests" {
		var body struct {
			IssueIDs []string `json:"issueIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.GetLinkedPRsBatch(r.Context(), body.IssueIDs)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/newsletters" {
		var opts report.NewsletterOptions
		if err := decodeBody(r, &opts); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		newsletter, err := s.service.GenerateNewsletter(r.Context(), opts)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newsletter)
		return
	}

	parts := splitPath(r.URL.EscapedPath())

	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "content" {
		detail, err := s.service.GetContent(r.Context(), parts[2])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "cycles" && parts[3] == "review" {
		review, err := s.service.GetCycleReview(r.Context(), parts[2])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, review)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "issues" && parts[3] == "pull-requests" {
		prs, err := s.service.GetLinkedPRs(r.Context(), parts[2])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"issueId": parts[2], "pullRequests": prs})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncToken != "" {
		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.syncToken)) != 1 {
			s.writeServiceError(w, r, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid sync token", nil))
			return
		}
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	results, err := s.service.Sync(r.Context(), r.URL.Query().Get("source"), force)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ok := true
	for _, result := range results {
		ok = ok && result.Success
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "results": results})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := search.Query{Text: values.Get("q")}
	for _, source := range listParam(values, "source") {
		q.Sources = append(q.Sources, store.Source(source))
	}
	for _, contentType := range listParam(values, "type") {
		q.ContentTypes = append(q.ContentTypes, store.ContentType(contentType))
	}
	var err error
	if q.Limit, err = intParam(values, "limit"); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if q.Offset, err = intParam(values, "offset"); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp, err := s.service.Search(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseDataQuery reads the content query string. Repeated or
// comma-separated source and type values are accepted.
func parseDataQuery(values url.Values) (store.DataQuery, error) {
	q := store.DataQuery{
		Search:    values.Get("search"),
		SortBy:    store.SortField(values.Get("sortBy")),
		SortOrder: store.SortOrder(values.Get("sortOrder")),
	}
	for _, source := range listParam(values, "source") {
		q.Sources = append(q.Sources, store.Source(source))
	}
	for _, contentType := range listParam(values, "type") {
		q.ContentTypes = append(q.ContentTypes, store.ContentType(contentType))
	}
	var err error
	if q.Limit, err = intParam(values, "limit"); err != nil {
		return store.DataQuery{}, err
	}
	if q.Offset, err = intParam(values, "offset"); err != nil {
		return store.DataQuery{}, err
	}

	start, err := timeParam(values, "since")
	if err != nil {
		return store.DataQuery{}, err
	}
	end, err := timeParam(values, "until")
	if err != nil {
		return store.DataQuery{}, err
	}
	if start != nil || end != nil {
		q.TimeRange = &store.TimeRange{Field: store.TimeField(values.Get("timeField")), Start: start, End: end}
	}
	return q, nil
}

func listParam(values url.Values, key string) []string {
	var out []string
	for _, raw := range values[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(values url.Values, key string) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("parse query", fmt.Sprintf("%s must be an integer", key))
	}
	return n, nil
}

func timeParam(values url.Values, key string) (*time.Time, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.Validation("parse query", fmt.Sprintf("%s must be an RFC 3339 timestamp", key))
	}
	return &t, nil
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

// splitPath splits an escaped path and unescapes each segment, so content
// ids containing "/" or "#" can be passed percent-encoded.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		if unescaped, err := url.PathUnescape(part); err == nil {
			parts[i] = unescaped
		}
	}
	return parts
}
