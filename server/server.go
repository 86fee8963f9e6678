// Package server is the admin HTTP surface of the retention service:
// health, Prometheus metrics, worker results, task run history and the
// deletion queue.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/dmqueue"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/history"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
)

const (
	readTimeout     = 15 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 15 * time.Second

	// defaultQueueLimit caps /v1/dmqueue when no limit is given
	defaultQueueLimit = 100
)

// QueueLister is the read side of the deletion queue
type QueueLister interface {
	ListByStatus(status dmqueue.Status, limit int) ([]*dmqueue.Request, error)
}

// HistoryLister is the read side of the task run history
type HistoryLister interface {
	List(taskType worker.Type, limit int) ([]*history.Entry, error)
}

// Deps are the sources the handlers read from. Nil fields disable the
// matching endpoint.
type Deps struct {
	Gatherer prometheus.Gatherer
	// Recent returns the latest task results of the live pool
	Recent  func() []worker.Result
	Queue   QueueLister
	History HistoryLister
}

// Server serves the admin API
type Server struct {
	deps Deps
	log  *zap.SugaredLogger
	srv  *http.Server
}

// New builds a Server listening on addr. Call Start to accept connections.
func New(addr string, deps Deps, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Logger
	}
	s := &Server{deps: deps, log: log.Named("server")}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Routes returns the admin router
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		s.requestLogger,
		middleware.Recoverer,
	)

	router.Get("/healthz", s.health)
	if s.deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		if s.deps.Recent != nil {
			r.Get("/workers", s.workers)
		}
		if s.deps.Queue != nil {
			r.Get("/dmqueue", s.queue)
		}
		if s.deps.History != nil {
			r.Get("/history", s.history)
		}
	})
	return router
}

// Start listens on the configured address and serves in the background.
// It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.srv.Addr)
	}
	s.log.Infow("Starting admin server", "address", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("Admin server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugw("Request served",
			logger.FieldRequestID, middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, healthResponse{Status: "ok"})
}

func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	recent := s.deps.Recent()
	if recent == nil {
		recent = []worker.Result{}
	}
	render.JSON(w, r, recent)
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	status := dmqueue.StatusReady
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := dmqueue.ParseStatus(raw)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		status = parsed
	}

	requests, err := s.deps.Queue.ListByStatus(status, defaultQueueLimit)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if requests == nil {
		requests = []*dmqueue.Request{}
	}
	render.JSON(w, r, requests)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.renderError(w, r, errors.NewInvalidArgumentError("limit must be a non-negative integer, got %q", raw))
			return
		}
		limit = n
	}

	entries, err := s.deps.History.List(worker.Type(r.URL.Query().Get("type")), limit)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*history.Entry{}
	}
	render.JSON(w, r, entries)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsInvalidArgument(err):
		code = http.StatusBadRequest
	case errors.IsNotFoundError(err):
		code = http.StatusNotFound
	default:
		s.log.Errorw("Request failed", "path", r.URL.Path, "error", err)
	}
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}
