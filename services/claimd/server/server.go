package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"questrewards/services/claimd/claims"
	claimmw "questrewards/services/claimd/middleware"
	"questrewards/services/claimd/models"
)

// ClaimService runs claims and exposes their ledger records.
type ClaimService interface {
	Claim(ctx context.Context, req claims.Request) (claims.Outcome, error)
	Lookup(ctx context.Context, key string) (*models.ClaimRecord, error)
}

// CompensationService runs burns and refunds.
type CompensationService interface {
	Burn(ctx context.Context, userAddress string, points int64, reason string) (*models.CompensationEntry, error)
	Refund(ctx context.Context, userAddress string, points int64, reason string, relatedBurnID uuid.UUID) (*models.CompensationEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*models.CompensationEntry, error)
}

// QuestCatalog derives the scope window and reward of a claim.
type QuestCatalog interface {
	Resolve(questID, tier string, now time.Time) (string, int64, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB           *gorm.DB
	Claims       ClaimService
	Compensation CompensationService
	Quests       QuestCatalog
	ServiceAuth  *claimmw.BearerAuth
	UserTokens   *claimmw.UserTokens
	RateLimiter  *claimmw.RateLimiter
	Logger       *slog.Logger
	Now          func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db           *gorm.DB
	claims       ClaimService
	compensation CompensationService
	quests       QuestCatalog
	serviceAuth  *claimmw.BearerAuth
	userTokens   *claimmw.UserTokens
	limiter      *claimmw.RateLimiter
	logger       *slog.Logger
	now          func() time.Time

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		db:           cfg.DB,
		claims:       cfg.Claims,
		compensation: cfg.Compensation,
		quests:       cfg.Quests,
		serviceAuth:  cfg.ServiceAuth,
		userTokens:   cfg.UserTokens,
		limiter:      cfg.RateLimiter,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	if srv.limiter == nil {
		srv.limiter = claimmw.NewRateLimiter(nil, srv.logger)
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(s.limiter.Middleware("claims"))
			public.With(s.userTokens.Middleware).Post("/claims", s.CreateClaim)
			public.Get("/claims/{key}", s.GetClaim)
		})
		api.Group(func(internal chi.Router) {
			internal.Use(s.requireService)
			internal.Use(s.limiter.Middleware("compensation"))
			internal.With(func(next http.Handler) http.Handler {
				return claimmw.WithIdempotency(s.db, next)
			}).Post("/compensation/burns", s.CreateBurn)
			internal.Post("/compensation/refunds", s.CreateRefund)
			internal.Get("/compensation/{id}", s.GetCompensation)
		})
	})

	return otelhttp.NewHandler(r, "claimd")
}

func (s *Server) requireService(next http.Handler) http.Handler {
	if s.serviceAuth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "compensation api disabled", http.StatusServiceUnavailable)
		})
	}
	return s.serviceAuth.Middleware(next)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
