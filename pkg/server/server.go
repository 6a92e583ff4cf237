// Package server is the HTTP API consumed by the UI: conversations,
// messages, ratings, ingestion jobs, universes, analytics and health.
// Authentication is upstream; the caller identity arrives in the
// X-User-ID header.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/famatulli1/ragfab2-sub003/pkg/analytics"
	"github.com/famatulli1/ragfab2-sub003/pkg/observability"
	"github.com/famatulli1/ragfab2-sub003/pkg/orchestrator"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// Store is the persistence surface the handlers use.
type Store interface {
	CreateConversation(ctx context.Context, c *store.Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID, includeArchived bool, limit, offset int) ([]store.Conversation, error)
	UpdateConversation(ctx context.Context, c *store.Conversation) error
	DeleteConversation(ctx context.Context, id uuid.UUID) error

	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]store.Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*store.Message, error)
	UpsertRating(ctx context.Context, r *store.MessageRating) error

	ListDocuments(ctx context.Context, universes []uuid.UUID, limit, offset int) ([]store.Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) error
	ListDocumentImages(ctx context.Context, documentID uuid.UUID) ([]store.DocumentImage, error)

	GetRating(ctx context.Context, id uuid.UUID) (*store.MessageRating, error)
	SetAdminDecision(ctx context.Context, validationID uuid.UUID, decision, reason string) error
	UnblacklistChunk(ctx context.Context, chunkID uuid.UUID) error

	EnqueueJob(ctx context.Context, filename string, fileSize int64) (*store.IngestionJob, error)
	FailJob(ctx context.Context, id uuid.UUID, message string) error
	GetJob(ctx context.Context, id uuid.UUID) (*store.IngestionJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]store.IngestionJob, error)

	ListUniverses(ctx context.Context) ([]store.ProductUniverse, error)
	CreateUniverse(ctx context.Context, u *store.ProductUniverse) error
	GrantUniverseAccess(ctx context.Context, userID, universeID uuid.UUID, isDefault bool) error
	RevokeUniverseAccess(ctx context.Context, userID, universeID uuid.UUID) error
	UserUniverses(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)

	Ping(ctx context.Context) error
}

// Responder runs conversational turns.
type Responder interface {
	Respond(ctx context.Context, conversationID uuid.UUID, userMessage string) (*orchestrator.Answer, error)
	Regenerate(ctx context.Context, messageID uuid.UUID) (*orchestrator.Answer, error)
}

// Dashboard serves the analytics read model.
type Dashboard interface {
	Usage(ctx context.Context, from, to time.Time) ([]analytics.DayUsage, error)
	Ratings(ctx context.Context, from, to time.Time) ([]analytics.DayRatings, error)
	GetOverview(ctx context.Context) (*analytics.Overview, error)
}

// HealthProber checks a downstream dependency.
type HealthProber interface {
	Healthy(ctx context.Context) error
}

// Server holds the router and its dependencies.
type Server struct {
	store     Store
	responder Responder
	dashboard Dashboard
	embedder  HealthProber
	metrics   observability.Metrics
	uploadDir string

	router chi.Router
}

// Option configures the server.
type Option func(*Server)

// WithDashboard wires the analytics endpoints.
func WithDashboard(d Dashboard) Option {
	return func(s *Server) { s.dashboard = d }
}

// WithEmbedderProbe includes the embedding service in /health.
func WithEmbedderProbe(p HealthProber) Option {
	return func(s *Server) { s.embedder = p }
}

// WithMetrics wires request metrics and the /metrics endpoint.
func WithMetrics(m observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the server and its routes.
func New(st Store, responder Responder, uploadDir string, opts ...Option) *Server {
	s := &Server{
		store:     st,
		responder: responder,
		metrics:   observability.NoopMetrics{},
		uploadDir: uploadDir,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(s.metrics))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", s.handleCreateConversation)
			r.Get("/", s.handleListConversations)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", s.handleGetConversation)
				r.Patch("/", s.handleUpdateConversation)
				r.Delete("/", s.handleDeleteConversation)
				r.Get("/messages", s.handleListMessages)
				r.Post("/messages", s.handlePostMessage)
			})
		})

		r.Route("/messages/{messageID}", func(r chi.Router) {
			r.Get("/sources", s.handleListSources)
			r.Post("/rating", s.handleSubmitRating)
			r.Post("/regenerate", s.handleRegenerate)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.handleListDocuments)
			r.Route("/{documentID}", func(r chi.Router) {
				r.Get("/", s.handleGetDocument)
				r.Delete("/", s.handleDeleteDocument)
				r.Get("/images", s.handleListDocumentImages)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/ratings/{ratingID}", s.handleGetRating)
			r.Post("/validations/{validationID}/decision", s.handleAdminDecision)
			r.Delete("/blacklist/{chunkID}", s.handleUnblacklistChunk)
		})

		r.Route("/ingestion", func(r chi.Router) {
			r.Post("/jobs", s.handleEnqueueJob)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{jobID}", s.handleGetJob)
		})

		r.Route("/universes", func(r chi.Router) {
			r.Get("/", s.handleListUniverses)
			r.Post("/", s.handleCreateUniverse)
			r.Post("/{universeID}/access", s.handleGrantUniverseAccess)
			r.Delete("/{universeID}/access/{userID}", s.handleRevokeUniverseAccess)
		})

		r.Get("/users/me/universes", s.handleMyUniverses)

		if s.dashboard != nil {
			r.Route("/analytics", func(r chi.Router) {
				r.Get("/overview", s.handleAnalyticsOverview)
				r.Get("/usage", s.handleAnalyticsUsage)
				r.Get("/ratings", s.handleAnalyticsRatings)
			})
		}
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth reports DB and embedding service status. Any degraded
// dependency turns the whole answer into a 503 with per-component
// detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		components["database"] = err.Error()
		healthy = false
	} else {
		components["database"] = "ok"
	}

	if s.embedder != nil {
		if err := s.embedder.Healthy(ctx); err != nil {
			components["embeddings"] = err.Error()
			healthy = false
		} else {
			components["embeddings"] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "components": components})
}
