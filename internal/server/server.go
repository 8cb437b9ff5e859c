// Package server exposes the run hierarchy, approvals, definitions and filters over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"pipescope/internal/approvals"
	"pipescope/internal/definitions"
	"pipescope/internal/filters"
	"pipescope/internal/notify"
	"pipescope/internal/refresh"
	"pipescope/internal/timeline"
	"pipescope/pkg/azdo"
	"pipescope/pkg/telemetry"
)

const (
	requestTimeout   = 60 * time.Second
	defaultRateLimit = 120
)

// Tree computes nodes of the run hierarchy.
type Tree interface {
	Runs(ctx context.Context) []timeline.Node
	Children(ctx context.Context, runID int, recordID string) []timeline.Node
	Project(runID int) (string, bool)
}

// Approvals lists and decides approvals.
type Approvals interface {
	ListPending(ctx context.Context, project string, runID int) ([]azdo.Approval, error)
	Approve(ctx context.Context, approvalID, project, comment string) (azdo.Approval, error)
	Reject(ctx context.Context, approvalID, project, comment string) (azdo.Approval, error)
}

// Definitions groups pipeline definitions by folder.
type Definitions interface {
	Folders(ctx context.Context, project string, allowed []string) ([]definitions.Folder, error)
}

// Refresher controls the auto-refresh scheduler.
type Refresher interface {
	Start()
	Stop()
	State() refresh.State
}

// Events hands out tree-changed subscriptions.
type Events interface {
	Subscribe() (<-chan notify.Event, func())
}

// DecisionLog returns recorded approval decisions of a run.
type DecisionLog interface {
	Decisions(ctx context.Context, project string, runID int) ([]approvals.Decision, error)
}

// Options wires the server's collaborators. Tree, Approvals, Definitions,
// Filters, Refresh and Events are required.
type Options struct {
	Tree        Tree
	Approvals   Approvals
	Definitions Definitions
	Filters     filters.Store
	Refresh     Refresher
	Events      Events
	Notifier    notify.Notifier
	Decisions   DecisionLog
	Metrics     http.Handler
	Ready       func(ctx context.Context) error

	// Project is used when the filter state selects none.
	Project        string
	ServiceName    string
	AllowedOrigins []string
	RateLimit      int
	Logger         zerolog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	opts Options
}

// New validates opts and creates a Server.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Tree == nil:
		return nil, errors.New("tree is required")
	case opts.Approvals == nil:
		return nil, errors.New("approvals are required")
	case opts.Definitions == nil:
		return nil, errors.New("definitions are required")
	case opts.Filters == nil:
		return nil, errors.New("filter store is required")
	case opts.Refresh == nil:
		return nil, errors.New("refresher is required")
	case opts.Events == nil:
		return nil, errors.New("events are required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Func(func(string) {})
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "pipescope"
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{opts: opts}, nil
}

// Routes constructs the chi router containing all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	r.Use(telemetry.Middleware(s.opts.ServiceName, s.opts.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))

		// Streams outlive the request timeout.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/runs", s.handleRuns)
			r.Get("/runs/{runID}/children", s.handleStages)
			r.Get("/runs/{runID}/records/{recordID}/children", s.handleRecordChildren)
			r.Get("/runs/{runID}/approvals", s.handlePendingApprovals)
			if s.opts.Decisions != nil {
				r.Get("/runs/{runID}/decisions", s.handleDecisions)
			}
			r.Post("/approvals/{approvalID}/approve", s.handleDecide(azdo.ApprovalApproved))
			r.Post("/approvals/{approvalID}/reject", s.handleDecide(azdo.ApprovalRejected))

			r.Get("/definitions", s.handleDefinitions)
			r.Get("/filters", s.handleGetFilters)
			r.Put("/filters", s.handlePutFilters)
			r.Post("/project", s.handleSelectProject)

			r.Get("/refresh", s.handleRefreshState)
			r.Post("/refresh/start", s.handleRefresh(true))
			r.Post("/refresh/stop", s.handleRefresh(false))
		})
	})

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
