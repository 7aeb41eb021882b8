package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/inspired27/aldidata/internal/metrics"
	"github.com/inspired27/aldidata/internal/portal"
	"github.com/inspired27/aldidata/internal/progress"
	"github.com/inspired27/aldidata/internal/schedule"
	"github.com/inspired27/aldidata/internal/status"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr string
	// PortalBaseURL is the portal root probed by the upstream health check.
	PortalBaseURL string
}

// Server is the HTTP API surface: cached line reads, matrix management, and
// the start/poll endpoints for long-running portal operations.
type Server struct {
	config      Config
	svc         *status.Service
	session     *portal.Session
	ops         progress.Store
	matrixStore *schedule.FileStore
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger

	// Called after every successful matrix save, so the scheduler can
	// rebuild its jobs without waiting for the file watcher.
	matrixChanged func()
}

// NewServer creates the API server.
func NewServer(cfg Config, svc *status.Service, session *portal.Session, ops progress.Store, matrixStore *schedule.FileStore, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		config:      cfg,
		svc:         svc,
		session:     session,
		ops:         ops,
		matrixStore: matrixStore,
		router:      router,
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(loggingMiddleware(s.logger))

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/health/upstream", s.handleUpstreamHealth).Methods("GET")

	s.router.HandleFunc("/api/lines", s.handleLines).Methods("GET")
	s.router.HandleFunc("/api/progress/{id}", s.handleProgress).Methods("GET")

	s.router.HandleFunc("/api/home-status-start", s.handleHomeStatusStart).Methods("POST")
	s.router.HandleFunc("/api/refresh-start", s.handleRefreshStart).Methods("POST")
	s.router.HandleFunc("/api/set-now-start", s.handleSetNowStart).Methods("POST")

	s.router.HandleFunc("/api/matrix", s.handleGetMatrix).Methods("GET")
	s.router.HandleFunc("/api/matrix", s.handlePutMatrix).Methods("PUT")
	s.router.HandleFunc("/api/matrix/copy-defaults", s.handleCopyDefaults).Methods("POST")
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// OnMatrixChange registers a callback invoked after successful matrix saves.
func (s *Server) OnMatrixChange(fn func()) {
	s.matrixChanged = fn
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleUpstreamHealth probes the portal with a short-deadline HEAD request
// and reports the classified failure when it is unreachable.
func (s *Server) handleUpstreamHealth(w http.ResponseWriter, r *http.Request) {
	_, err := s.session.Client().Head(s.config.PortalBaseURL)
	if err != nil {
		var ue *portal.UpstreamError
		resp := map[string]any{"ok": false, "error": portal.PublicErrorMessage(err)}
		if errors.As(err, &ue) {
			resp["error_code"] = ue.Code
			resp["stage"] = ue.Stage
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleLines returns the cached per-line state without touching the portal.
func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.CachedItems()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read cached line state")
		writeError(w, http.StatusInternalServerError, "Failed to read line state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": items})
}

// handleProgress returns the state of a long-running operation. Unknown ids
// report a terminal failure so pollers stop instead of retrying forever.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.ops.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":   false,
				"done": true,
				"msg":  "Unknown operation",
			})
			return
		}
		s.logger.Error().Err(err).Str("op_id", id).Msg("Progress lookup failed")
		writeError(w, http.StatusInternalServerError, "Progress lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     rec.OK,
		"done":   rec.Done,
		"msg":    rec.Message,
		"seq":    rec.Seq,
		"result": rec.Result,
	})
}

func (s *Server) handleHomeStatusStart(w http.ResponseWriter, r *http.Request) {
	id := s.startOperation("home-status", func(rep portal.Reporter) (any, error) {
		items, err := s.svc.CollectAll(rep, false, status.CodeHomeStatusFail)
		if err != nil {
			return nil, err
		}
		return map[string]any{"lines": items}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"op_id": id})
}

func (s *Server) handleRefreshStart(w http.ResponseWriter, r *http.Request) {
	id := s.startOperation("refresh", func(rep portal.Reporter) (any, error) {
		items, err := s.svc.CollectAll(rep, true, status.CodeRefreshFail)
		if err != nil {
			return nil, err
		}
		return map[string]any{"lines": items}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"op_id": id})
}

func (s *Server) handleSetNowStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	line := r.PostFormValue("line")
	value := r.PostFormValue("value")
	if line == "" || value == "" {
		writeError(w, http.StatusBadRequest, "line and value are required")
		return
	}
	if !s.svc.HasLine(line) {
		writeError(w, http.StatusBadRequest, "Unknown line")
		return
	}

	id := s.startOperation("set-now", func(rep portal.Reporter) (any, error) {
		return s.svc.SetLimitAndWait(line, value, rep)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"op_id": id})
}

func (s *Server) handleGetMatrix(w http.ResponseWriter, r *http.Request) {
	m, err := s.matrixStore.Load()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load schedule matrix")
		writeError(w, http.StatusInternalServerError, "Failed to load schedule matrix")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePutMatrix(w http.ResponseWriter, r *http.Request) {
	var m schedule.Matrix
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid matrix body")
		return
	}
	if err := s.matrixStore.Save(&m); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save schedule matrix")
		writeError(w, http.StatusInternalServerError, "Failed to save schedule matrix")
		return
	}
	if s.matrixChanged != nil {
		s.matrixChanged()
	}
	s.logger.Info().Msg("Schedule matrix updated")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleCopyDefaults replaces every weekday of one line's schedule with that
// line's default slot row, then persists the matrix.
func (s *Server) handleCopyDefaults(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	line := r.PostFormValue("line")
	if !s.svc.HasLine(line) {
		writeError(w, http.StatusBadRequest, "Unknown line")
		return
	}

	m, err := s.matrixStore.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load schedule matrix")
		return
	}
	if err := m.CopyDefaults(line); err != nil {
		writeError(w, http.StatusBadRequest, "Unknown line")
		return
	}
	if err := s.matrixStore.Save(m); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save schedule matrix")
		return
	}
	if s.matrixChanged != nil {
		s.matrixChanged()
	}
	writeJSON(w, http.StatusOK, m)
}

// startOperation registers a long-running operation and runs it in the
// background, reporting each step through the progress store. The returned
// id is what pollers pass to /api/progress/{id}.
func (s *Server) startOperation(name string, run func(rep portal.Reporter) (any, error)) string {
	ctx := context.Background()
	id, err := s.ops.Init(ctx, "Starting...")
	if err != nil {
		// Memory store never fails here; Redis might. Surface a throwaway id
		// whose poll result is the terminal "Unknown operation" response.
		s.logger.Error().Err(err).Str("op", name).Msg("Failed to register operation")
		return "unavailable"
	}

	rep := &opReporter{ctx: ctx, store: s.ops, id: id}

	go func() {
		metrics.OperationsInFlight.Inc()
		defer metrics.OperationsInFlight.Dec()

		start := time.Now()
		result, err := run(rep)
		if err != nil {
			s.logger.Warn().Err(err).Str("op", name).Str("op_id", id).Msg("Operation failed")
			fail := map[string]any{"error": portal.PublicErrorMessage(err)}
			var ue *portal.UpstreamError
			if errors.As(err, &ue) {
				fail["error_code"] = ue.Code
			}
			_ = s.ops.Set(ctx, id, "Error: "+portal.PublicErrorMessage(err))
			_ = s.ops.Done(ctx, id, false, fail)
			return
		}

		s.logger.Info().
			Str("op", name).
			Str("op_id", id).
			Dur("duration", time.Since(start)).
			Msg("Operation complete")
		_ = progress.Complete(ctx, s.ops, id, result)
	}()

	return id
}

// opReporter forwards progress steps from portal code into the store.
type opReporter struct {
	ctx   context.Context
	store progress.Store
	id    string
}

func (r *opReporter) Step(msg string) {
	_ = r.store.Set(r.ctx, r.id, msg)
}

// loggingMiddleware logs each request with its status and duration.
func loggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("API request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
