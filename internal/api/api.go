// Package api serves the HTTP trigger API used by the outreach UI.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/tracker"
)

// Processor runs a lead through the outreach stages.
type Processor interface {
	ProcessLead(ctx context.Context, leadID string, opts ...pipeline.RunOption) (*model.RunOutcome, error)
}

// Retries exposes the retry queue to operators.
type Retries interface {
	List(ctx context.Context, filter store.RetryFilter) ([]model.RetryEntry, error)
	Requeue(ctx context.Context, messageID string) (*model.RetryEntry, error)
}

// Reporter computes rolling outreach metrics.
type Reporter interface {
	Metrics(ctx context.Context, window time.Duration) (*tracker.Report, error)
}

// Store is the read side of persistence the API needs.
type Store interface {
	store.LeadStore
	store.InteractionStore
	Ping(ctx context.Context) error
}

// Deps are the components behind the routes.
type Deps struct {
	Coordinator    Processor
	Store          Store
	Retries        Retries
	Tracker        Reporter
	Gateway        delivery.Gateway
	Breakers       *resilience.ServiceBreakers
	Metrics        *metrics.Metrics
	AllowedOrigins []string
}

// Server holds the route handlers.
type Server struct {
	deps Deps
	log  *zap.Logger
}

// New creates a Server.
func New(deps Deps) *Server {
	return &Server{deps: deps, log: zap.L().With(zap.String("component", "api"))}
}

// Router returns the chi router with middleware and every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/leads", func(r chi.Router) {
			r.Get("/", s.listLeads)
			r.Get("/{leadID}", s.getLead)
			r.Post("/{leadID}/process", s.processLead)
			r.Get("/{leadID}/interactions", s.leadInteractions)
		})
		r.Route("/retries", func(r chi.Router) {
			r.Get("/", s.listRetries)
			r.Post("/{messageID}/requeue", s.requeue)
		})
		r.Get("/metrics/summary", s.metricsSummary)
		r.Route("/admin/breakers", func(r chi.Router) {
			r.Get("/", s.breakerStates)
			r.Post("/reset", s.resetBreakers)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
