package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// MaxWait caps a receive's long poll.
const MaxWait = 20 * time.Second

type Server struct {
	queues   *store.Pair
	logger   hclog.Logger
	timeout  time.Duration
	longPoll time.Duration
}

// Options tunes the server.
type Options struct {
	// Timeout bounds every request except a long-polling receive.
	Timeout time.Duration
	// DefaultWait is the long poll used when a receive does not ask for one.
	DefaultWait time.Duration
}

// NewServer serves the ingress endpoint and the worker API for queues on addr.
func NewServer(addr string, queues *store.Pair, logger hclog.Logger, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(queues, logger, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}
}

// NewHandler builds the router.
func NewHandler(queues *store.Pair, logger hclog.Logger, opts Options) http.Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.DefaultWait > MaxWait {
		opts.DefaultWait = MaxWait
	}
	srv := &Server{
		queues:   queues,
		logger:   logger.Named("http"),
		timeout:  opts.Timeout,
		longPoll: opts.DefaultWait,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  srv.logger.StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Debug}),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(srv.timeout))

		// ingress: POST / with the raw message body
		r.Post("/", srv.handleIngress)
	})

	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.Timeout(MaxWait+srv.timeout)).
			Post("/queues/{queue}:receive", srv.handleReceive)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(srv.timeout))

			// stats: GET /v1/queues/{queue}
			r.Get("/queues/{queue}", srv.handleStats)

			// enqueue: POST /v1/queues/{queue}/messages
			r.Post("/queues/{queue}/messages", srv.handleEnqueue)

			// delete: POST /v1/queues/{queue}/messages/{id}:delete
			r.Post("/queues/{queue}/messages/{id}:delete", srv.handleDelete)

			// extend: POST /v1/queues/{queue}/messages/{id}:extend
			r.Post("/queues/{queue}/messages/{id}:extend", srv.handleExtend)
		})
	})

	return r
}

// queue resolves the {queue} path param, writing 404 when unknown.
func (s *Server) queue(w http.ResponseWriter, r *http.Request) (store.Store, bool) {
	name := chi.URLParam(r, "queue")
	if name == "" {
		httpError(w, http.StatusBadRequest, "missing queue path param")
		return nil, false
	}
	q, ok := s.queues.Lookup(name)
	if !ok {
		httpError(w, http.StatusNotFound, "queue %q not found", name)
		return nil, false
	}
	return q, true
}

// ---------- helpers ----------

// statusFor maps store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrEmptyBody),
		errors.Is(err, queue.ErrBodyTooLarge),
		errors.Is(err, queue.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
