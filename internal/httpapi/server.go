// Package httpapi serves the operator surface of a browserflow process:
// health and metrics, the human intervention queue, run event logs and the
// local task queue.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rendis/browserflow/internal/escalation"
	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// Escalations is the human intervention queue.
type Escalations interface {
	Pending() []escalation.Pending
	Get(id string) (escalation.Pending, bool)
	Resolve(id string, resp schema.EscalationResponse) error
	Subscribe(buffer int) (<-chan escalation.Notice, func())
}

// RunLog reads persisted run events.
type RunLog interface {
	Replay(ctx context.Context, runID string) (*store.RunSummary, error)
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// Tasks accepts and looks up queued tasks. Implementations that can also
// list tasks satisfy TaskLister.
type Tasks interface {
	Enqueue(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, id string) (*store.TaskRecord, error)
}

// TaskLister is implemented by task stores that can page through tasks.
type TaskLister interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.TaskRecord, error)
}

// Validator compiles workflow documents.
type Validator interface {
	Validate(data []byte) (*workflow.Workflow, *schema.ValidationResult)
}

// HTTPObserver records served requests.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

// Deps holds what the server exposes. Nil members disable their routes.
type Deps struct {
	Escalations Escalations
	Runs        RunLog
	Tasks       Tasks
	Validator   Validator
	Metrics     HTTPObserver
	// MetricsHandler serves /metrics.
	MetricsHandler http.Handler
	Logger         *slog.Logger

	// AuthSecret enables HS256 bearer tokens on mutating routes.
	AuthSecret     []byte
	AllowedOrigins []string
	// PollInterval paces the run event stream.
	PollInterval time.Duration
}

// Server is the HTTP API.
type Server struct {
	deps Deps
}

// NewServer applies defaults to deps.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = time.Second
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	return &Server{deps: deps}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.deps.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.deps.MetricsHandler != nil {
		r.Handle("/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		if s.deps.Escalations != nil {
			r.Route("/escalations", func(r chi.Router) {
				r.Get("/", s.handleListEscalations)
				r.Get("/stream", s.handleEscalationStream)
				r.Get("/{id}", s.handleGetEscalation)
				r.With(s.requireToken).Post("/{id}/resolve", s.handleResolveEscalation)
			})
		}
		if s.deps.Runs != nil {
			r.Route("/runs/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/events", s.handleRunEvents)
			})
		}
		if s.deps.Tasks != nil {
			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", s.handleListTasks)
				r.Get("/{id}", s.handleGetTask)
				r.With(s.requireToken).Post("/", s.handleEnqueue)
			})
		}
		if s.deps.Validator != nil {
			r.Post("/validate", s.handleValidate)
		}
	})
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.deps.Logger.InfoContext(ctx, "http api listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// observe logs every request and feeds the HTTP metrics, labelled by route
// pattern to keep label cardinality bounded.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		d := time.Since(start)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTP(r.Method, route, status, d)
		}
		s.deps.Logger.DebugContext(r.Context(), "http request",
			"method", r.Method, "route", route, "status", status, "duration", d,
			"request_id", middleware.GetReqID(r.Context()))
	})
}
