package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coedit/api/internal/access"

	"github.com/gorilla/mux"
)

const syncTokenHeader = "x-coedit-sync-token"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *slog.Logger
	router     *mux.Router
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, log: logger.With("component", "http")}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/search", s.withSession(s.handleSearch)).Methods(http.MethodGet)

	docs := api.PathPrefix("/documents/{id}").Subrouter()
	docs.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	docs.HandleFunc("/presence", s.withDocument(s.handlePresence)).Methods(http.MethodGet)
	docs.HandleFunc("/history", s.withDocument(s.handleHistory)).Methods(http.MethodGet)
	docs.HandleFunc("/history/{hash}", s.withDocument(s.handleHistoryContent)).Methods(http.MethodGet)
	docs.HandleFunc("/snapshots", s.withDocument(s.handleSnapshots)).Methods(http.MethodGet)
	docs.HandleFunc("/snapshots/{version:[0-9]+}", s.withDocument(s.handleSnapshotContent)).Methods(http.MethodGet)

	api.HandleFunc("/internal/rooms/{id}/flush", s.handleFlush).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err == nil {
			checks[name] = map[string]any{"status": "ok"}
			continue
		}
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks[name] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Stats())
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit, err := optionalInt(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
		return
	}
	offset, err := optionalInt(query.Get("offset"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
		return
	}
	resp, err := s.service.Search(r.Context(), session, strings.TrimSpace(query.Get("q")), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, _ Session, documentID string) {
	p, err := s.service.Presence(r.Context(), documentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, _ Session, documentID string) {
	limit, err := optionalInt(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a non-negative integer", nil)
		return
	}
	items, err := s.service.History(documentID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "items": items})
}

func (s *HTTPServer) handleHistoryContent(w http.ResponseWriter, r *http.Request, _ Session, documentID string) {
	hash := mux.Vars(r)["hash"]
	content, err := s.service.HistoryContent(documentID, hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "hash": hash, "content": content})
}

func (s *HTTPServer) handleSnapshots(w http.ResponseWriter, r *http.Request, _ Session, documentID string) {
	versions, err := s.service.SnapshotVersions(r.Context(), documentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "versions": versions})
}

func (s *HTTPServer) handleSnapshotContent(w http.ResponseWriter, r *http.Request, _ Session, documentID string) {
	version, err := strconv.ParseInt(mux.Vars(r)["version"], 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be an integer", nil)
		return
	}
	content, err := s.service.SnapshotContent(r.Context(), documentID, version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "version": version, "content": content})
}

func (s *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if !s.service.ValidSyncToken(strings.TrimSpace(r.Header.Get(syncTokenHeader))) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid sync token", nil)
		return
	}
	documentID := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.service.Flush(ctx, documentID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("forced flush did not complete", "document_id", documentID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "FLUSH_PENDING", "Flush is still retrying", nil)
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "documentId": documentID})
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)
type documentHandler func(w http.ResponseWriter, r *http.Request, session Session, documentID string)

func (s *HTTPServer) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

// withDocument admits sessions that may connect to the {id} document.
func (s *HTTPServer) withDocument(next documentHandler) http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, session Session) {
		documentID := mux.Vars(r)["id"]
		if _, err := s.service.Authorize(r.Context(), session, documentID, access.IntentConnect); err != nil {
			s.fail(w, r, err)
			return
		}
		next(w, r, session, documentID)
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
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

// Hijack lets the live endpoint take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Request-ID,"+syncTokenHeader)
	header.Set("Access-Control-Expose-Headers", "X-Request-ID,"+clientIDHeader)
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
