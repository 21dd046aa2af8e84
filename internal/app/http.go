package app

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"flowsync/internal/auth"
	"flowsync/internal/observability"
	"flowsync/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	realtime   http.Handler
	metrics    *observability.Collector
	logger     *zap.Logger
}

type HTTPOptions struct {
	CORSOrigin string
	// Realtime serves the WebSocket endpoint; nil leaves /ws unrouted.
	Realtime http.Handler
	Metrics  *observability.Collector
	Logger   *zap.Logger
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := opts.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: origin,
		realtime:   opts.Realtime,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(s.requestLog)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", auth.HeaderUserID},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	router.Get("/api/health", s.handleHealth)
	router.Get("/api/ready", s.handleReady)
	if s.metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		}))

		if s.realtime != nil {
			r.Method(http.MethodGet, "/ws", s.realtime)
		}

		r.Route("/flowchart", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Get("/", s.handleList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Post("/save", s.handleSave)
				r.Get("/history", s.handleHistory)
				r.Get("/history/{hash}", s.handleRevision)
			})
		})
	})
	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store":  map[string]any{"status": "ok"},
		"search": map[string]any{"status": "fallback"},
	}
	if s.service.SearchHealthy() {
		checks["search"] = map[string]any{"status": "ok"}
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{
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

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body CreateFlowchartInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	userID, _ := auth.UserID(r.Context())
	doc, err := s.service.CreateFlowchart(r.Context(), body, userID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetFlowchart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := intParam(w, r, "offset", 0)
	if !ok {
		return
	}
	payload, err := s.service.ListFlowcharts(r.Context(), search.Query{
		Text:   strings.TrimSpace(r.URL.Query().Get("q")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version, err := s.service.Save(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": id, "version": version})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 50)
	if !ok {
		return
	}
	revisions, err := s.service.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

func (s *HTTPServer) handleRevision(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Revision(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "hash"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// requestLog logs one line per request and records the route metrics.
func (s *HTTPServer) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set("X-Request-ID", chimiddleware.GetReqID(r.Context()))
		ww.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		s.metrics.RecordHTTP(r.Method, route, status, elapsed)
		s.logger.Info("http request",
			zap.String("requestId", chimiddleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", elapsed),
		)
	})
}

func intParam(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", nil)
		return 0, false
	}
	return parsed, true
}
