// Package httpapi exposes the workflow engine over HTTP. All workflow
// endpoints require a bearer credential; the validated identity's
// owner id scopes every operation. Handlers translate engine errors
// into the typed error envelope and never reach into the store.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civistack/benefitflow/auth"
	"github.com/civistack/benefitflow/storage"
	"github.com/civistack/benefitflow/workflow"
)

type ctxKey int

const identityKey ctxKey = 0

// Server is the HTTP surface over one engine instance.
type Server struct {
	engine *workflow.Engine
	blobs  storage.BlobStore
	authn  auth.Authenticator
	logger *slog.Logger

	// maxUpload bounds each uploaded file; the whole multipart body is
	// capped proportionally above it.
	maxUpload int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger replaces the default request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMaxUpload overrides the per-file upload limit.
func WithMaxUpload(n int64) Option {
	return func(s *Server) { s.maxUpload = n }
}

// NewServer wires the HTTP surface over its collaborators.
func NewServer(engine *workflow.Engine, blobs storage.BlobStore, authn auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		blobs:     blobs,
		authn:     authn,
		logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		maxUpload: engine.Config().MaxFileSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table. Workflow routes go through the auth
// middleware; healthz and metrics do not.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /workflow/start-application", s.authed(s.handleStart))
	mux.Handle("POST /workflow/upload-documents/{id}", s.authed(s.handleUpload))
	mux.Handle("POST /workflow/process/{id}", s.authed(s.handleProcess))
	mux.Handle("GET /workflow/status/{id}", s.authed(s.handleStatus))
	mux.Handle("POST /workflow/cancel/{id}", s.authed(s.handleCancel))
	mux.Handle("POST /workflow/reset/{id}", s.authed(s.handleReset))
	mux.Handle("DELETE /workflow/application/{id}", s.authed(s.handleDelete))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.logged(mux)
}

// authed validates the bearer credential and attaches the identity to
// the request context.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "missing bearer credential")
			return
		}
		id, err := s.authn.Validate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "invalid credential")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) auth.Identity {
	id, _ := r.Context().Value(identityKey).(auth.Identity)
	return id
}

// logged is the request log middleware.
func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
