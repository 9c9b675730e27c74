package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"agencyflow/apperr"
	"agencyflow/auth"
	"agencyflow/contract"
	"agencyflow/metrics"
	"agencyflow/settlement"
)

type contractService interface {
	Create(ctx context.Context, params contract.CreateParams) (contract.Contract, error)
	Get(ctx context.Context, id string) (contract.Contract, error)
	List(ctx context.Context, filters contract.ListFilters) (contract.ListResult, error)
	Events(ctx context.Context, id string) ([]contract.Event, error)
	SubmitForReview(ctx context.Context, id, actorID string) (contract.Contract, error)
	ResumeReview(ctx context.Context, id, actorID string) (contract.Contract, error)
	SignOffline(ctx context.Context, id, actorID, signerName, memo string) (contract.Contract, error)
	SignElectronic(ctx context.Context, id, actorID, userID string) (contract.Contract, error)
	Confirm(ctx context.Context, id, actorID string, autoActivate bool) (contract.Contract, error)
	Activate(ctx context.Context, id, actorID string) (contract.Contract, error)
	Terminate(ctx context.Context, id, actorID string) (contract.Contract, error)
	ChangeStatus(ctx context.Context, id, actorID string, next contract.Status) (contract.Contract, error)
	Delete(ctx context.Context, id, actorID string) error
	ListExpiring(ctx context.Context, category contract.Category, lookaheadDays int) ([]contract.Contract, error)
	Today() time.Time
}

type settlementService interface {
	Create(ctx context.Context, params settlement.CreateParams) (settlement.Settlement, error)
	Update(ctx context.Context, params settlement.UpdateParams) (settlement.Settlement, error)
	Delete(ctx context.Context, id, actorID string) error
	ChangeStatus(ctx context.Context, id, actorID string, settled bool) (settlement.Settlement, error)
	Get(ctx context.Context, id string) (settlement.Settlement, error)
	List(ctx context.Context, filters settlement.ListFilters) (settlement.ListResult, error)
	ListByContract(ctx context.Context, contractID string, page, pageSize int) (settlement.ListResult, error)
	Summary(ctx context.Context) (settlement.Summary, error)
	Monthly(ctx context.Context) ([]settlement.MonthlySummary, error)
	TopStakeholders(ctx context.Context, limit int) ([]settlement.StakeholderTotal, error)
	RevenueByRatioType(ctx context.Context) ([]settlement.RatioTypeRevenue, error)
	Dashboard(ctx context.Context, top int) (settlement.Dashboard, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Actor, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type ctxKey string

const (
	ctxKeyUserID    ctxKey = "user_id"
	ctxKeyRole      ctxKey = "role"
	ctxKeyRequestID ctxKey = "request_id"
)

// Server wires the HTTP surface onto the services.
type Server struct {
	contractService   contractService
	settlementService settlementService
	tokens            tokenVerifier
	db                pinger
	registry          *prometheus.Registry
	logger            *slog.Logger
	requestTimeout    time.Duration
	lookaheadDays     int
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", metrics.Handler(s.registry))
	}

	r.Route("/api", func(api chi.Router) {
		if s.requestTimeout > 0 {
			api.Use(middleware.Timeout(s.requestTimeout))
		}
		api.Use(s.authenticate)

		api.Route("/contracts", func(c chi.Router) {
			c.With(s.require(auth.PermRead)).Get("/", s.handleListContracts)
			c.With(s.require(auth.PermWriteContract)).Post("/", s.handleCreateContract)
			c.With(s.require(auth.PermRead)).Get("/expiring", s.handleExpiringContracts)

			c.Route("/{id}", func(one chi.Router) {
				one.With(s.require(auth.PermRead)).Get("/", s.handleGetContract)
				one.With(s.require(auth.PermDeleteContract)).Delete("/", s.handleDeleteContract)
				one.With(s.require(auth.PermRead)).Get("/events", s.handleContractEvents)

				one.Group(func(w chi.Router) {
					w.Use(s.require(auth.PermWriteContract))
					w.Post("/status", s.handleChangeContractStatus)
					w.Post("/submit-review", s.handleSubmitReview)
					w.Post("/resume-review", s.handleResumeReview)
					w.Post("/sign-offline", s.handleSignOffline)
					w.Post("/sign-electronic", s.handleSignElectronic)
					w.Post("/confirm", s.handleConfirm)
					w.Post("/activate", s.handleActivate)
					w.Post("/terminate", s.handleTerminate)
				})

				one.With(s.require(auth.PermRead)).Get("/settlements", s.handleContractSettlements)
				one.With(s.require(auth.PermWriteLedger)).Post("/settlements", s.handleCreateSettlement)
			})
		})

		api.Route("/settlements", func(st chi.Router) {
			st.With(s.require(auth.PermRead)).Get("/", s.handleListSettlements)
			st.Group(func(read chi.Router) {
				read.Use(s.require(auth.PermRead))
				read.Get("/summary", s.handleSettlementSummary)
				read.Get("/summary/monthly", s.handleMonthlySummary)
				read.Get("/summary/top-stakeholders", s.handleTopStakeholders)
				read.Get("/summary/by-ratio-type", s.handleRevenueByRatioType)
				read.Get("/dashboard", s.handleDashboard)
				read.Get("/{id}", s.handleGetSettlement)
			})
			st.Group(func(w chi.Router) {
				w.Use(s.require(auth.PermWriteLedger))
				w.Patch("/{id}", s.handleUpdateSettlement)
				w.Delete("/{id}", s.handleDeleteSettlement)
				w.Post("/{id}/status", s.handleSettlementStatus)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.log().WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 128 {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// observe logs each request and records its latency against the route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTP(r.Method, route, status, elapsed)

		attrs := []any{
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
		}
		if uid, ok := r.Context().Value(ctxKeyUserID).(string); ok {
			attrs = append(attrs, "user_id", uid)
		}
		if status >= http.StatusInternalServerError {
			s.log().ErrorContext(r.Context(), "HTTP request", attrs...)
			return
		}
		s.log().InfoContext(r.Context(), "HTTP request", attrs...)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok || s.tokens == nil {
			writeError(w, r, http.StatusUnauthorized, apperr.KindUnauthorized, "missing bearer token", nil)
			return
		}
		actor, err := s.tokens.VerifyToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, apperr.KindUnauthorized, "invalid bearer token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, actor.ID)
		ctx = context.WithValue(ctx, ctxKeyRole, actor.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) auth.Actor {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return auth.Actor{ID: id, Role: role}
}

func (s *Server) require(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := actorFrom(r.Context())
			if actor.ID == "" {
				writeError(w, r, http.StatusUnauthorized, apperr.KindUnauthorized, "authentication required", nil)
				return
			}
			if !actor.Can(perm) {
				writeError(w, r, http.StatusForbidden, apperr.KindForbidden, "role "+string(actor.Role)+" may not perform this action", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
